package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
)

const digestPrefix = "sha256:"

// DigestBytes returns the raw SHA-256 digest bytes.
func DigestBytes(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// DigestHex returns the SHA-256 digest as lowercase hex.
func DigestHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DigestWithPrefix returns the SHA-256 digest with the "sha256:" prefix.
func DigestWithPrefix(data []byte) string {
	return digestPrefix + DigestHex(data)
}

// DigestReader streams r through SHA-256 and returns the prefixed digest and
// the number of bytes read.
func DigestReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return digestPrefix + hex.EncodeToString(h.Sum(nil)), n, nil
}

// DecodeDigest parses a prefixed digest back into raw bytes.
func DecodeDigest(s string) ([]byte, error) {
	if !strings.HasPrefix(s, digestPrefix) {
		return nil, ErrMalformedDigest
	}
	hexPart := strings.TrimPrefix(s, digestPrefix)
	if len(hexPart) != sha256.Size*2 || strings.ToLower(hexPart) != hexPart {
		return nil, ErrMalformedDigest
	}
	raw, err := hex.DecodeString(hexPart)
	if err != nil {
		return nil, ErrMalformedDigest
	}
	return raw, nil
}

// SignEd25519 signs a digest using Ed25519.
func SignEd25519(privateKey ed25519.PrivateKey, digest []byte) ([]byte, error) {
	if len(digest) != sha256.Size {
		return nil, ErrInvalidDigestLen
	}
	return ed25519.Sign(privateKey, digest), nil
}

// VerifyEd25519 verifies a digest signature using Ed25519.
func VerifyEd25519(publicKey ed25519.PublicKey, digest, sig []byte) (bool, error) {
	if len(digest) != sha256.Size {
		return false, ErrInvalidDigestLen
	}
	return ed25519.Verify(publicKey, digest, sig), nil
}
