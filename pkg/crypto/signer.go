// Package crypto signs and verifies case records with Ed25519.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/Assassin-1234/clawtrial/pkg/canonicalize"
	"github.com/Assassin-1234/clawtrial/pkg/contracts"
)

// ErrAlreadySigned is returned when a record that already carries a signature
// is signed again.
var ErrAlreadySigned = errors.New("crypto: case record already signed")

// Signature type prefix recorded in CaseRecord.KeyID.
const (
	SigSeparator     = ":"
	SigPrefixEd25519 = "ed25519"
)

// Signer interface for cryptographic signatures.
type Signer interface {
	Sign(data []byte) (string, error)
	PublicKey() string
	PublicKeyBytes() []byte
	SignCase(c *contracts.CaseRecord) error
	VerifyCase(c *contracts.CaseRecord) (bool, error)
}

// Ed25519Signer implementation.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	KeyID   string
}

func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  pub,
		KeyID:   keyID,
	}, nil
}

func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		KeyID:   keyID,
	}
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	sig := ed25519.Sign(s.privKey, data)
	return hex.EncodeToString(sig), nil
}

func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

func (s *Ed25519Signer) PublicKeyBytes() []byte {
	return s.pubKey
}

// SigningPayload returns the canonical bytes covered by a case signature:
// the JCS form of the record with its signature field cleared.
func SigningPayload(c *contracts.CaseRecord) ([]byte, error) {
	payload, err := canonicalize.JCS(c.Unsigned())
	if err != nil {
		return nil, fmt.Errorf("canonicalize case %s: %w", c.CaseID, err)
	}
	return payload, nil
}

// PayloadDigest returns the SHA-256 hex digest of the signing payload. It
// identifies a record's signed content without carrying the record.
func PayloadDigest(c *contracts.CaseRecord) (string, error) {
	digest, err := canonicalize.CanonicalHash(c.Unsigned())
	if err != nil {
		return "", fmt.Errorf("digest case %s: %w", c.CaseID, err)
	}
	return digest, nil
}

// SignCase stamps the key id and signs the finalized record. A record is
// signed exactly once.
func (s *Ed25519Signer) SignCase(c *contracts.CaseRecord) error {
	if c.Signed() {
		return fmt.Errorf("%w: %s", ErrAlreadySigned, c.CaseID)
	}
	c.KeyID = SigPrefixEd25519 + SigSeparator + s.KeyID
	payload, err := SigningPayload(c)
	if err != nil {
		c.KeyID = ""
		return err
	}
	sig, err := s.Sign(payload)
	if err != nil {
		c.KeyID = ""
		return err
	}
	c.Signature = sig
	return nil
}

// VerifyCase verifies a CaseRecord signature against this signer's key.
func (s *Ed25519Signer) VerifyCase(c *contracts.CaseRecord) (bool, error) {
	if c.Signature == "" {
		return false, fmt.Errorf("missing signature")
	}
	payload, err := SigningPayload(c)
	if err != nil {
		return false, err
	}
	return Verify(s.PublicKey(), c.Signature, payload)
}

// Verify verifies a signature against a public key.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}

	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size")
	}

	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}
