package ledger

import (
	"fmt"

	"github.com/davidahmann/surmed/internal/errs"
	"github.com/davidahmann/surmed/pkg/types"
)

// VerifyResult describes a walk of the chain from genesis. FirstInvalidIndex
// is the zero-based position of the first bad entry, or -1.
type VerifyResult struct {
	Valid             bool   `json:"valid"`
	Checked           int    `json:"checked"`
	FirstInvalidIndex int    `json:"first_invalid_index"`
	ExpectedHash      string `json:"expected_hash,omitempty"`
	FoundHash         string `json:"found_hash,omitempty"`
	Reason            string `json:"reason,omitempty"`
	TailHash          string `json:"tail_hash,omitempty"`
}

// Verify recomputes every entry hash and link in order and stops at the
// first divergence. It never repairs anything.
func Verify(entries []types.Decision) VerifyResult {
	prev := GenesisHash
	for i, d := range entries {
		if d.PreviousHash != prev {
			return invalidAt(i, prev, d.PreviousHash, "previous_hash does not link to the prior entry")
		}
		if field, ok := denormalizedField(d); ok {
			return invalidAt(i, "", d.Hash, fmt.Sprintf("%s is not stored in NFC form", field))
		}
		computed, err := EntryHash(d)
		if err != nil {
			return invalidAt(i, "", d.Hash, fmt.Sprintf("entry cannot be hashed: %v", err))
		}
		if computed != d.Hash {
			return invalidAt(i, computed, d.Hash, "this_hash does not match entry contents")
		}
		if d.Seq != int64(i+1) {
			return invalidAt(i, d.Hash, d.Hash, fmt.Sprintf("sequence %d at position %d", d.Seq, i+1))
		}
		prev = d.Hash
	}
	return VerifyResult{Valid: true, Checked: len(entries), FirstInvalidIndex: -1, TailHash: prev}
}

func invalidAt(i int, expected, found, reason string) VerifyResult {
	return VerifyResult{
		Valid:             false,
		Checked:           i + 1,
		FirstInvalidIndex: i,
		ExpectedHash:      expected,
		FoundHash:         found,
		Reason:            reason,
	}
}

// Err converts a failed result into a chain-divergence IntegrityError.
func (r VerifyResult) Err() error {
	if r.Valid {
		return nil
	}
	return &errs.IntegrityError{
		Kind:     errs.ChainDivergence,
		Index:    r.FirstInvalidIndex,
		Expected: r.ExpectedHash,
		Found:    r.FoundHash,
		Msg:      r.Reason,
	}
}
