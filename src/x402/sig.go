package x402

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	schnorrkel "github.com/ChainSafe/go-schnorrkel"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// SigningContext is the sr25519 signing context proofs are signed under.
const SigningContext = "substrate"

// Verifier checks a proof signature over message against the key behind address.
type Verifier interface {
	Verify(address, message, signature string) error
}

// SR25519Verifier verifies schnorrkel signatures against SS58 (or 0x-hex) addresses.
type SR25519Verifier struct{}

func (SR25519Verifier) Verify(address, message, signature string) error {
	pubKeyBytes, err := DecodeAddress(address)
	if err != nil {
		return err
	}

	sigBytes, err := hex.DecodeString(strip0x(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sigBytes) != 64 {
		return fmt.Errorf("invalid signature length: %d", len(sigBytes))
	}

	var pkRaw [32]byte
	copy(pkRaw[:], pubKeyBytes)
	var sigRaw [64]byte
	copy(sigRaw[:], sigBytes)

	var pk schnorrkel.PublicKey
	if err := pk.Decode(pkRaw); err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	var sig schnorrkel.Signature
	if err := sig.Decode(sigRaw); err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}

	ctx := schnorrkel.NewSigningContext([]byte(SigningContext), []byte(message))
	valid, err := pk.Verify(&sig, ctx)
	if err != nil {
		return err
	}
	if !valid {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// DecodeAddress converts an SS58 address (or 0x-prefixed hex key) to the raw
// 32-byte public key, checking the SS58 checksum.
func DecodeAddress(addr string) ([]byte, error) {
	if strings.HasPrefix(addr, "0x") {
		raw, err := hex.DecodeString(addr[2:])
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("invalid hex public key")
		}
		return raw, nil
	}

	raw, err := base58.Decode(addr)
	if err != nil || len(raw) < 35 {
		return nil, fmt.Errorf("invalid ss58 address")
	}
	prefixLen := 1
	if raw[0]&0x40 != 0 {
		prefixLen = 2
	}
	if len(raw) != prefixLen+32+2 {
		return nil, fmt.Errorf("invalid ss58 address length")
	}
	body := raw[:prefixLen+32]
	sum := ss58Checksum(body)
	if !bytes.Equal(sum[:2], raw[prefixLen+32:]) {
		return nil, fmt.Errorf("invalid ss58 checksum")
	}
	return raw[prefixLen : prefixLen+32], nil
}

// EncodeAddress renders a public key as an SS58 address under network prefix.
func EncodeAddress(pub [32]byte, prefix uint16) string {
	payload := make([]byte, 0, 36)
	if prefix < 64 {
		payload = append(payload, byte(prefix))
	} else {
		payload = append(payload, 0x40|((byte(prefix>>8))&0x3f))
		payload = append(payload, byte(prefix&0xff))
	}
	payload = append(payload, pub[:]...)
	sum := ss58Checksum(payload)
	payload = append(payload, sum[0:2]...)
	return base58.Encode(payload)
}

func ss58Checksum(body []byte) []byte {
	h, _ := blake2b.New(64, nil)
	h.Write([]byte("SS58PRE"))
	h.Write(body)
	return h.Sum(nil)
}

func strip0x(s string) string {
	if len(s) > 1 && s[:2] == "0x" {
		return s[2:]
	}
	return s
}
