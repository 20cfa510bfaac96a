package x402

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testResource = "/api/x402/premium-data"

var gateNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func init() { gin.SetMode(gin.TestMode) }

func newTestGate(t *testing.T, mutate func(*GateConfig)) *Gate {
	t.Helper()
	cfg := GateConfig{
		Price:    "0.001",
		Address:  "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY",
		Resource: testResource,
		Now:      func() time.Time { return gateNow },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	g, err := NewGate(cfg)
	require.NoError(t, err)
	return g
}

func serve(g *Gate, header string) *httptest.ResponseRecorder {
	r := gin.New()
	r.GET(testResource, g.Handler(), func(c *gin.Context) {
		v, ok := FromContext(c)
		if !ok {
			c.Status(http.StatusTeapot)
			return
		}
		c.JSON(http.StatusOK, gin.H{"receiptId": v.ReceiptID, "amount": v.Payload.Amount.String()})
	})
	req := httptest.NewRequest(http.MethodGet, testResource, nil)
	if header != "" {
		req.Header.Set(HeaderPayment, header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func proofFor(pl Payload, sig string) string {
	return EncodeHeader(Proof{Version: Version, Signature: sig, Payload: EncodePayload(pl)})
}

func body(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestGateChallengesWithoutHeader(t *testing.T) {
	w := serve(newTestGate(t, nil), "")

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "0.001", w.Header().Get(HeaderPrice))
	assert.Equal(t, "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY", w.Header().Get(HeaderPaymentAddress))
	assert.Equal(t, "base-sepolia, base-mainnet, solana", w.Header().Get(HeaderPaymentMethods))
	assert.Equal(t, "300", w.Header().Get(HeaderTTL))

	b := body(t, w)
	assert.Equal(t, "PAYMENT_REQUIRED", b["error"])
	assert.EqualValues(t, 402, b["status"])
	assert.Equal(t, "0.001", b["price"])
	env := b["envelope"].(map[string]any)
	assert.Equal(t, testResource, env["resource"])
}

func TestGateAcceptsValidProof(t *testing.T) {
	g := newTestGate(t, nil)
	pl := Payload{Resource: testResource, Amount: decimal.RequireFromString("0.001"), Timestamp: gateNow.Add(-time.Minute).UnixMilli()}

	w := serve(g, proofFor(pl, "0xsig"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	b := body(t, w)
	assert.NotEmpty(t, b["receiptId"])
	assert.Equal(t, "/api/x402/receipts/"+b["receiptId"].(string), w.Header().Get(HeaderReceiptURL))
}

func TestGateMissingTimestampIsAccepted(t *testing.T) {
	w := serve(newTestGate(t, nil), proofFor(Payload{Resource: testResource, Amount: decimal.NewFromInt(1)}, "s"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGateRejections(t *testing.T) {
	g := newTestGate(t, nil)
	fresh := gateNow.UnixMilli()

	cases := []struct {
		name   string
		header string
		kind   error
		msg    string
	}{
		{"undecodable", "!!!", ErrMalformedProof, "malformed payment header"},
		{"version", EncodeHeader(Proof{Version: "9.9.9", Signature: "s", Payload: EncodePayload(Payload{Resource: testResource})}), ErrMalformedProof, "unsupported version: 9.9.9"},
		{"payload", EncodeHeader(Proof{Version: Version, Signature: "s", Payload: "%%%"}), ErrMalformedProof, "invalid payload encoding"},
		{"resource", proofFor(Payload{Resource: "/other", Amount: decimal.NewFromInt(1), Timestamp: fresh}, "s"), ErrResourceMismatch, "resource mismatch"},
		{"amount", proofFor(Payload{Resource: testResource, Amount: decimal.RequireFromString("0.0009"), Timestamp: fresh}, "s"), ErrInsufficientAmount, "insufficient payment amount: 0.0009 < 0.001"},
		{"expired", proofFor(Payload{Resource: testResource, Amount: decimal.NewFromInt(1), Timestamp: gateNow.Add(-301 * time.Second).UnixMilli()}, "s"), ErrExpired, "payment expired (ttl exceeded)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := g.Verify(context.Background(), tc.header)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.kind))

			w := serve(g, tc.header)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			b := body(t, w)
			assert.Equal(t, "CRACKED_SHELL", b["error"])
			assert.Equal(t, tc.msg, b["message"])
		})
	}
}

func TestGateVerifiesSignature(t *testing.T) {
	kp := newKeypair(t)
	g := newTestGate(t, func(c *GateConfig) {
		c.Address = kp.address
		c.Verifier = SR25519Verifier{}
	})
	payload := EncodePayload(Payload{Resource: testResource, Amount: decimal.RequireFromString("0.01"), Timestamp: gateNow.UnixMilli()})

	good := EncodeHeader(Proof{Version: Version, Signature: kp.sign(t, payload), Payload: payload})
	assert.Equal(t, http.StatusOK, serve(g, good).Code)

	tampered := EncodePayload(Payload{Resource: testResource, Amount: decimal.RequireFromString("100"), Timestamp: gateNow.UnixMilli()})
	bad := EncodeHeader(Proof{Version: Version, Signature: kp.sign(t, payload), Payload: tampered})
	w := serve(g, bad)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "SHELL_REJECTED", body(t, w)["error"])
}

func TestGateRejectsReplayedProof(t *testing.T) {
	g := newTestGate(t, func(c *GateConfig) { c.Replay = NewMemoryReplayGuard() })
	h := proofFor(Payload{Resource: testResource, Amount: decimal.NewFromInt(1), Timestamp: gateNow.UnixMilli()}, "once")

	assert.Equal(t, http.StatusOK, serve(g, h).Code)
	w := serve(g, h)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "SHELL_CONFLICT", body(t, w)["error"])
}

func TestGateIssuesReceiptToken(t *testing.T) {
	issuer := NewReceiptIssuer([]byte("k"), time.Hour)
	g := newTestGate(t, func(c *GateConfig) {
		c.Receipts = issuer
		c.Now = time.Now
	})
	v, err := g.Verify(context.Background(), proofFor(Payload{Resource: testResource, Amount: decimal.NewFromInt(1), Payer: "crab"}, "s"))
	require.NoError(t, err)
	require.NotEmpty(t, v.ReceiptToken)
	assert.True(t, strings.HasSuffix(g.ReceiptURL(v), "/"+v.ReceiptToken))

	rc, err := issuer.Parse(v.ReceiptToken)
	require.NoError(t, err)
	assert.Equal(t, v.ReceiptID, rc.ID)
	assert.Equal(t, "crab", rc.Payer)
	assert.Equal(t, "1", rc.Amount)
}

func TestErrorBody(t *testing.T) {
	e := NotFound("task %s not found", "t1")
	assert.Equal(t, map[string]any{"error": "EMPTY_TIDE_POOL", "status": 404, "message": "task t1 not found"}, e.Body())
	assert.Equal(t, 500, AsError(errors.New("boom")).Status)
	assert.Equal(t, "SHELL_SHATTER", ErrorCode(418))
}

func TestGateProofCannotOutliveReplayWindow(t *testing.T) {
	now := gateNow
	g := newTestGate(t, func(c *GateConfig) {
		c.Replay = NewMemoryReplayGuard()
		c.Now = func() time.Time { return now }
	})
	h := proofFor(Payload{Resource: testResource, Amount: decimal.NewFromInt(1), Timestamp: gateNow.UnixMilli()}, "once")

	assert.Equal(t, http.StatusOK, serve(g, h).Code)
	assert.Equal(t, http.StatusConflict, serve(g, h).Code)

	now = gateNow.Add(301 * time.Second)
	_, err := g.Verify(context.Background(), h)
	assert.True(t, errors.Is(err, ErrExpired))
	assert.Equal(t, http.StatusBadRequest, serve(g, h).Code)
}

func TestGateRequiresTimestampWhenGuarded(t *testing.T) {
	g := newTestGate(t, func(c *GateConfig) { c.Replay = NewMemoryReplayGuard() })

	_, err := g.Verify(context.Background(), proofFor(Payload{Resource: testResource, Amount: decimal.NewFromInt(1)}, "s"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedProof))
	assert.Equal(t, "payment timestamp required", err.Error())
}

func TestGateRejectsFutureTimestamp(t *testing.T) {
	g := newTestGate(t, func(c *GateConfig) { c.Replay = NewMemoryReplayGuard() })

	ahead := proofFor(Payload{Resource: testResource, Amount: decimal.NewFromInt(1), Timestamp: gateNow.Add(24 * time.Hour).UnixMilli()}, "s")
	_, err := g.Verify(context.Background(), ahead)
	assert.True(t, errors.Is(err, ErrClockSkew))

	skewed := proofFor(Payload{Resource: testResource, Amount: decimal.NewFromInt(1), Timestamp: gateNow.Add(10 * time.Second).UnixMilli()}, "s")
	_, err = g.Verify(context.Background(), skewed)
	assert.NoError(t, err)
}
