package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Version is the protocol version a proof must carry.
const Version = "0.1.0"

// DefaultTTL is the envelope lifetime in seconds when none is given.
const DefaultTTL = 300

// SupportedMethods lists the payment networks a payer may settle on.
var SupportedMethods = []string{"base-sepolia", "base-mainnet", "solana"}

// Header names used on requests and responses.
const (
	HeaderPayment        = "X-Payment"
	HeaderPaymentMethod  = "X-Payment-Method"
	HeaderSwarmID        = "X-Swarm-ID"
	HeaderMoltStage      = "X-Molt-Stage"
	HeaderPrice          = "X-Price"
	HeaderPaymentAddress = "X-Payment-Address"
	HeaderPaymentMethods = "X-Payment-Methods"
	HeaderTTL            = "X-TTL"
	HeaderReceiptURL     = "X-Receipt-URL"
)

// Envelope describes what a caller must pay to reach a resource.
type Envelope struct {
	Price       decimal.Decimal `json:"price"`
	Methods     []string        `json:"methods"`
	Address     string          `json:"address"`
	TTL         int             `json:"ttl"`
	Resource    string          `json:"resource"`
	Description string          `json:"description"`
}

// Proof is the caller's claim of payment, carried base64-encoded in X-Payment.
type Proof struct {
	Version   string `json:"version"`
	Signature string `json:"signature"`
	Payload   string `json:"payload"`
}

// Payload is the decoded content of Proof.Payload.
type Payload struct {
	Resource  string          `json:"resource"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp int64           `json:"timestamp,omitempty"` // unix millis
	Payer     string          `json:"payer,omitempty"`
}

// NewEnvelope validates and builds an envelope. ttl <= 0 selects DefaultTTL;
// no methods selects all supported methods.
func NewEnvelope(price, address, resource, description string, ttl int, methods ...string) (Envelope, error) {
	p, err := decimal.NewFromString(strings.TrimSpace(price))
	if err != nil {
		return Envelope{}, fmt.Errorf("x402: invalid price %q: %w", price, err)
	}
	if p.IsNegative() {
		return Envelope{}, fmt.Errorf("x402: negative price %s", price)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if len(methods) == 0 {
		methods = append([]string(nil), SupportedMethods...)
	}
	if description == "" {
		description = "Access to " + resource
	}
	return Envelope{
		Price:       p,
		Methods:     methods,
		Address:     address,
		TTL:         ttl,
		Resource:    resource,
		Description: description,
	}, nil
}

// IsValidMethod reports whether method is a supported payment network.
func IsValidMethod(method string) bool {
	for _, m := range SupportedMethods {
		if m == method {
			return true
		}
	}
	return false
}

// ParseHeader decodes an X-Payment header. It returns false on any decode
// failure or when version, signature or payload is missing.
func ParseHeader(header string) (*Proof, bool) {
	raw, ok := decodeBase64(strings.TrimSpace(header))
	if !ok {
		return nil, false
	}
	var p Proof
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false
	}
	if p.Version == "" || p.Signature == "" || p.Payload == "" {
		return nil, false
	}
	return &p, true
}

// EncodeHeader is the inverse of ParseHeader.
func EncodeHeader(p Proof) string {
	raw, _ := json.Marshal(p)
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodePayload decodes a proof's base64 JSON payload.
func DecodePayload(payload string) (Payload, error) {
	raw, ok := decodeBase64(payload)
	if !ok {
		return Payload{}, fmt.Errorf("x402: payload is not base64")
	}
	var pl Payload
	if err := json.Unmarshal(raw, &pl); err != nil {
		return Payload{}, fmt.Errorf("x402: payload: %w", err)
	}
	return pl, nil
}

// EncodePayload is the inverse of DecodePayload.
func EncodePayload(pl Payload) string {
	raw, _ := json.Marshal(pl)
	return base64.StdEncoding.EncodeToString(raw)
}

func decodeBase64(s string) ([]byte, bool) {
	if s == "" {
		return nil, false
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if raw, err := enc.DecodeString(s); err == nil {
			return raw, true
		}
	}
	return nil, false
}
