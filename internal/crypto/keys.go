package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// KeySigner signs checkpoint digests with a single Ed25519 key.
type KeySigner struct {
	ID   string
	Priv ed25519.PrivateKey
}

func (s KeySigner) KeyID() string { return s.ID }

func (s KeySigner) Public() ed25519.PublicKey {
	return s.Priv.Public().(ed25519.PublicKey)
}

func (s KeySigner) SignEd25519(digest []byte) ([]byte, error) {
	return SignEd25519(s.Priv, digest)
}

// KeyPairFromSeed derives an Ed25519 keypair from a 32-byte seed.
func KeyPairFromSeed(seed []byte) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, nil, ErrInvalidSeedSize
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv, priv.Public().(ed25519.PublicKey), nil
}

// LoadSigner reads an Ed25519 key file and wraps it in a KeySigner.
// The file may hold a 32-byte seed or a 64-byte private key, raw or encoded
// as hex or base64 (optionally tagged "hex:" / "base64:").
func LoadSigner(keyID, path string) (KeySigner, error) {
	// #nosec G304 -- path is operator-configured.
	raw, err := os.ReadFile(path)
	if err != nil {
		return KeySigner{}, fmt.Errorf("read signing key: %w", err)
	}
	data, err := decodeKey(raw)
	if err != nil {
		return KeySigner{}, fmt.Errorf("decode signing key %s: %w", path, err)
	}

	switch len(data) {
	case ed25519.PrivateKeySize:
		return KeySigner{ID: keyID, Priv: ed25519.PrivateKey(data)}, nil
	case ed25519.SeedSize:
		return KeySigner{ID: keyID, Priv: ed25519.NewKeyFromSeed(data)}, nil
	default:
		return KeySigner{}, fmt.Errorf("unsupported private key length: %d", len(data))
	}
}

func decodeKey(raw []byte) ([]byte, error) {
	text := strings.TrimSpace(string(raw))
	switch {
	case text == "":
		return nil, fmt.Errorf("empty key file")
	case strings.HasPrefix(text, "hex:"):
		return hex.DecodeString(strings.TrimPrefix(text, "hex:"))
	case strings.HasPrefix(text, "base64:"):
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(text, "base64:"))
	}

	// binary key files
	if len(raw) == ed25519.PrivateKeySize || len(raw) == ed25519.SeedSize {
		return raw, nil
	}

	if out, err := hex.DecodeString(text); err == nil {
		return out, nil
	}
	if out, err := base64.StdEncoding.DecodeString(text); err == nil {
		return out, nil
	}
	return nil, fmt.Errorf("unrecognized key encoding")
}
