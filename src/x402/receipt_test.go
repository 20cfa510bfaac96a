package x402

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReceiptRoundTrip(t *testing.T) {
	issuer := NewReceiptIssuer([]byte("s3cret"), time.Hour)
	rc := Receipt{ID: "r-1", Resource: "/api/x402/premium-data", Amount: "0.001", PayTo: "payee", IssuedAt: time.Now().Unix()}

	tok, err := issuer.Issue(rc)
	require.NoError(t, err)

	got, err := issuer.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, rc, got)

	_, err = NewReceiptIssuer([]byte("other"), time.Hour).Parse(tok)
	require.Error(t, err)
	assert.Equal(t, 404, AsError(err).Status)
}

func TestReceiptExpires(t *testing.T) {
	issuer := NewReceiptIssuer([]byte("s3cret"), time.Minute)
	tok, err := issuer.Issue(Receipt{ID: "old", IssuedAt: time.Now().Add(-time.Hour).Unix()})
	require.NoError(t, err)

	_, err = issuer.Parse(tok)
	assert.Error(t, err)
}

func TestMemoryReplayGuard(t *testing.T) {
	g := NewMemoryReplayGuard()
	now := time.Now()
	g.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := g.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = g.Claim(ctx, "k", time.Minute)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = g.Claim(ctx, "k", time.Minute)
	assert.True(t, ok)
}
