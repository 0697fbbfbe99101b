package ledger

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/davidahmann/surmed/internal/crypto"
)

const CheckpointSchema = "surmed.checkpoint.v1"

var (
	ErrCheckpointDigestMismatch = errors.New("checkpoint digest mismatch")
	ErrCheckpointSignature      = errors.New("checkpoint signature invalid")
)

type Signer interface {
	KeyID() string
	SignEd25519(digest []byte) ([]byte, error)
}

// Checkpoint is a signed statement of the chain length and tail hash at a
// point in time, shipped with exports so auditors can detect truncation.
type Checkpoint struct {
	Schema    string `json:"schema"`
	Entries   int64  `json:"entries"`
	TailHash  string `json:"tail_hash"`
	CreatedAt string `json:"created_at"`
	Digest    string `json:"digest"`
	KeyID     string `json:"key_id"`
	Sig       string `json:"sig"`
}

func checkpointBody(c Checkpoint) map[string]any {
	return map[string]any{
		"schema":     c.Schema,
		"entries":    c.Entries,
		"tail_hash":  c.TailHash,
		"created_at": c.CreatedAt,
	}
}

// MakeCheckpoint canonicalizes, hashes and signs the tail statement.
func MakeCheckpoint(tail Tail, createdAt string, signer Signer) (Checkpoint, error) {
	if tail.Hash == "" {
		return Checkpoint{}, fmt.Errorf("missing tail hash")
	}
	c := Checkpoint{Schema: CheckpointSchema, Entries: tail.Seq, TailHash: tail.Hash, CreatedAt: createdAt}

	canonical, err := crypto.Canonicalize(checkpointBody(c))
	if err != nil {
		return Checkpoint{}, err
	}
	sig, err := signer.SignEd25519(crypto.DigestBytes(canonical))
	if err != nil {
		return Checkpoint{}, err
	}

	c.Digest = crypto.DigestWithPrefix(canonical)
	c.KeyID = signer.KeyID()
	c.Sig = base64.StdEncoding.EncodeToString(sig)
	return c, nil
}

// VerifyCheckpoint checks the digest and signature of c.
func VerifyCheckpoint(c Checkpoint, publicKey ed25519.PublicKey) error {
	canonical, err := crypto.Canonicalize(checkpointBody(c))
	if err != nil {
		return err
	}
	if c.Digest != crypto.DigestWithPrefix(canonical) {
		return ErrCheckpointDigestMismatch
	}
	sig, err := base64.StdEncoding.DecodeString(c.Sig)
	if err != nil {
		return ErrCheckpointSignature
	}
	ok, err := crypto.VerifyEd25519(publicKey, crypto.DigestBytes(canonical), sig)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCheckpointSignature
	}
	return nil
}
