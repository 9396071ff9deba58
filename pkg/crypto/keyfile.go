package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// DefaultKeyID names the installation signing key.
const DefaultKeyID = "courtroom"

// LoadKey loads a hex-encoded Ed25519 seed from path.
func LoadKey(path, keyID string) (*Ed25519Signer, error) {
	keyHex, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(keyHex)))
	if err != nil {
		return nil, fmt.Errorf("invalid signing key format: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid signing key size: %d", len(seed))
	}
	return NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(seed), keyID), nil
}

// GenerateKey writes a fresh key pair: the seed to path (0600) and the
// public key to path+".pub".
func GenerateKey(path, keyID string) (*Ed25519Signer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}

	if err := os.WriteFile(path, []byte(hex.EncodeToString(priv.Seed())), 0o600); err != nil {
		return nil, fmt.Errorf("save signing key: %w", err)
	}
	if err := os.WriteFile(path+".pub", []byte(hex.EncodeToString(pub)), 0o644); err != nil { //nolint:gosec // public key
		slog.Warn("failed to save public key", "path", path+".pub", "error", err)
	}

	return NewEd25519SignerFromKey(priv, keyID), nil
}

// LoadOrGenerateKey loads the installation key, provisioning it on first use.
func LoadOrGenerateKey(path, keyID string) (*Ed25519Signer, error) {
	if _, err := os.Stat(path); err == nil {
		return LoadKey(path, keyID)
	}
	slog.Info("generating signing key", "path", path)
	return GenerateKey(path, keyID)
}
