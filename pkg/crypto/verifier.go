package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/Assassin-1234/clawtrial/pkg/contracts"
)

// Verifier defines the interface for signature verification.
type Verifier interface {
	Verify(message []byte, signature []byte) bool
	VerifyCase(c *contracts.CaseRecord) (bool, error)
}

// Ed25519Verifier implements Verifier using Ed25519.
type Ed25519Verifier struct {
	PublicKey ed25519.PublicKey
}

// NewEd25519Verifier creates a new verifier.
func NewEd25519Verifier(pubKeyBytes []byte) (*Ed25519Verifier, error) {
	if len(pubKeyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size: %d", len(pubKeyBytes))
	}
	return &Ed25519Verifier{PublicKey: ed25519.PublicKey(pubKeyBytes)}, nil
}

// NewEd25519VerifierFromHex creates a verifier from a hex-encoded public key.
func NewEd25519VerifierFromHex(pubKeyHex string) (*Ed25519Verifier, error) {
	raw, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}
	return NewEd25519Verifier(raw)
}

func (v *Ed25519Verifier) Verify(message []byte, signature []byte) bool {
	return ed25519.Verify(v.PublicKey, message, signature)
}

func (v *Ed25519Verifier) VerifyCase(c *contracts.CaseRecord) (bool, error) {
	if c.Signature == "" {
		return false, fmt.Errorf("missing signature")
	}
	payload, err := SigningPayload(c)
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(c.Signature)
	if err != nil {
		return false, err
	}
	return v.Verify(payload, sig), nil
}
