package x402

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Receipt is what a verified payment entitles the caller to look up later.
type Receipt struct {
	ID       string `json:"receiptId"`
	Resource string `json:"resource"`
	Amount   string `json:"amount"`
	PayTo    string `json:"payTo"`
	Payer    string `json:"payer,omitempty"`
	IssuedAt int64  `json:"issuedAt"`
}

// ReceiptIssuer signs receipts as HS256 tokens so they can be checked statelessly.
type ReceiptIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewReceiptIssuer(secret []byte, ttl time.Duration) *ReceiptIssuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ReceiptIssuer{secret: secret, ttl: ttl}
}

func (r *ReceiptIssuer) Issue(rc Receipt) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"rid":      rc.ID,
		"resource": rc.Resource,
		"amount":   rc.Amount,
		"payTo":    rc.PayTo,
		"payer":    rc.Payer,
		"iat":      rc.IssuedAt,
		"exp":      time.Unix(rc.IssuedAt, 0).Add(r.ttl).Unix(),
	})
	return token.SignedString(r.secret)
}

func (r *ReceiptIssuer) Parse(token string) (Receipt, error) {
	tok, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil || !tok.Valid {
		return Receipt{}, NotFound("receipt not found")
	}
	claims := tok.Claims.(jwt.MapClaims)
	str := func(k string) string {
		s, _ := claims[k].(string)
		return s
	}
	iat, _ := claims["iat"].(float64)
	return Receipt{
		ID:       str("rid"),
		Resource: str("resource"),
		Amount:   str("amount"),
		PayTo:    str("payTo"),
		Payer:    str("payer"),
		IssuedAt: int64(iat),
	}, nil
}

// ReplayGuard remembers redeemed proofs for ttl. Claim reports false when key
// was already claimed inside its window.
type ReplayGuard interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryReplayGuard is an in-process ReplayGuard.
type MemoryReplayGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{seen: map[string]time.Time{}, now: time.Now}
}

func (g *MemoryReplayGuard) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for k, until := range g.seen {
		if now.After(until) {
			delete(g.seen, k)
		}
	}
	if _, ok := g.seen[key]; ok {
		return false, nil
	}
	g.seen[key] = now.Add(ttl)
	return true, nil
}
