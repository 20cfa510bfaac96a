package x402

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ClockSkew is how far ahead of the server clock a proof timestamp may be.
const ClockSkew = 30 * time.Second

// ContextKey is the gin context key verified payments are stored under.
const ContextKey = "x402"

// GateConfig configures a payment gate for one resource.
type GateConfig struct {
	Price       string
	Address     string
	Resource    string
	Description string
	TTL         int
	Methods     []string

	// Verifier checks proof signatures; nil accepts any well-formed signature.
	Verifier Verifier
	// Replay rejects proofs redeemed twice inside the ttl window; nil disables.
	Replay ReplayGuard
	// Receipts signs receipt tokens; nil falls back to bare receipt ids.
	Receipts       *ReceiptIssuer
	ReceiptBaseURL string

	Now func() time.Time
}

// Verified is attached to the request context after a successful check.
type Verified struct {
	Proof        Proof
	Payload      Payload
	ReceiptID    string
	ReceiptToken string
	Envelope     Envelope
}

// Gate guards a priced resource behind the payment-required handshake.
type Gate struct {
	cfg      GateConfig
	envelope Envelope
}

func NewGate(cfg GateConfig) (*Gate, error) {
	env, err := NewEnvelope(cfg.Price, cfg.Address, cfg.Resource, cfg.Description, cfg.TTL, cfg.Methods...)
	if err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ReceiptBaseURL == "" {
		cfg.ReceiptBaseURL = "/api/x402/receipts"
	}
	return &Gate{cfg: cfg, envelope: env}, nil
}

func (g *Gate) Envelope() Envelope { return g.envelope }

// Verify validates an X-Payment header against the gate's envelope.
func (g *Gate) Verify(ctx context.Context, header string) (Verified, error) {
	proof, ok := ParseHeader(header)
	if !ok {
		return Verified{}, BadRequest("malformed payment header").WithKind(ErrMalformedProof)
	}
	if proof.Version != Version {
		return Verified{}, BadRequest("unsupported version: %s", proof.Version).WithKind(ErrMalformedProof)
	}

	payload, err := DecodePayload(proof.Payload)
	if err != nil {
		return Verified{}, BadRequest("invalid payload encoding").WithKind(ErrMalformedProof)
	}
	if payload.Resource != g.envelope.Resource {
		return Verified{}, BadRequest("resource mismatch").WithKind(ErrResourceMismatch)
	}
	if payload.Amount.LessThan(g.envelope.Price) {
		return Verified{}, BadRequest("insufficient payment amount: %s < %s",
			payload.Amount.String(), g.envelope.Price.String()).WithKind(ErrInsufficientAmount)
	}

	now := g.cfg.Now()
	ttl := time.Duration(g.envelope.TTL) * time.Second
	var issued time.Time
	switch {
	case payload.Timestamp > 0:
		issued = time.UnixMilli(payload.Timestamp)
		if issued.After(now.Add(ClockSkew)) {
			return Verified{}, BadRequest("payment timestamp is in the future").WithKind(ErrClockSkew)
		}
		if now.Sub(issued) > ttl {
			return Verified{}, BadRequest("payment expired (ttl exceeded)").WithKind(ErrExpired)
		}
	case g.cfg.Replay != nil || g.cfg.Verifier != nil:
		// a proof without a timestamp would outlive its replay window
		return Verified{}, BadRequest("payment timestamp required").WithKind(ErrMalformedProof)
	}

	if g.cfg.Verifier != nil {
		if err := g.cfg.Verifier.Verify(g.envelope.Address, proof.Payload, proof.Signature); err != nil {
			log.Printf("x402: signature rejected for %s: %v", g.envelope.Resource, err)
			return Verified{}, Unauthorized("bad payment signature").WithKind(ErrBadSignature)
		}
	}

	if g.cfg.Replay != nil {
		// held until the proof itself can no longer pass the ttl check
		fresh, err := g.cfg.Replay.Claim(ctx, replayKey(proof), issued.Add(ttl+ClockSkew).Sub(now))
		if err != nil {
			return Verified{}, Internal("replay check: %v", err)
		}
		if !fresh {
			return Verified{}, Conflict("payment proof already redeemed").WithKind(ErrProofReused)
		}
	}

	v := Verified{
		Proof:     *proof,
		Payload:   payload,
		ReceiptID: uuid.NewString(),
		Envelope:  g.envelope,
	}
	if g.cfg.Receipts != nil {
		token, err := g.cfg.Receipts.Issue(Receipt{
			ID:       v.ReceiptID,
			Resource: g.envelope.Resource,
			Amount:   payload.Amount.String(),
			PayTo:    g.envelope.Address,
			Payer:    payload.Payer,
			IssuedAt: now.Unix(),
		})
		if err != nil {
			return Verified{}, Internal("issue receipt: %v", err)
		}
		v.ReceiptToken = token
	}
	return v, nil
}

// ReceiptURL is the reference exposed to the caller for a verified payment.
func (g *Gate) ReceiptURL(v Verified) string {
	ref := v.ReceiptToken
	if ref == "" {
		ref = v.ReceiptID
	}
	return strings.TrimRight(g.cfg.ReceiptBaseURL, "/") + "/" + ref
}

// Handler returns the gin middleware enforcing the gate.
func (g *Gate) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(HeaderPayment)
		if header == "" {
			PaymentRequired(c, g.envelope)
			return
		}

		v, err := g.Verify(c.Request.Context(), header)
		if err != nil {
			e := AsError(err)
			c.AbortWithStatusJSON(e.Status, e.Body())
			return
		}

		c.Header(HeaderReceiptURL, g.ReceiptURL(v))
		c.Set(ContextKey, v)
		c.Next()
	}
}

// PaymentRequired writes the 402 challenge carrying env as headers and body.
func PaymentRequired(c *gin.Context, env Envelope) {
	c.Header(HeaderPrice, env.Price.String())
	c.Header(HeaderPaymentAddress, env.Address)
	c.Header(HeaderPaymentMethods, strings.Join(env.Methods, ", "))
	c.Header(HeaderTTL, strconv.Itoa(env.TTL))
	c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
		"error":    ErrorCode(http.StatusPaymentRequired),
		"status":   http.StatusPaymentRequired,
		"message":  env.Description,
		"price":    env.Price.String(),
		"address":  env.Address,
		"methods":  env.Methods,
		"ttl":      env.TTL,
		"envelope": env,
	})
}

// FromContext returns the verified payment attached by a gate.
func FromContext(c *gin.Context) (Verified, bool) {
	v, ok := c.Get(ContextKey)
	if !ok {
		return Verified{}, false
	}
	vv, ok := v.(Verified)
	return vv, ok
}

func replayKey(p *Proof) string {
	sum := sha256.Sum256([]byte(p.Signature + "|" + p.Payload))
	return "x402:proof:" + hex.EncodeToString(sum[:])
}
