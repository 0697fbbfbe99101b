// Package catalog holds the reference data a fresh installation starts with.
package catalog

import (
	"context"
	"errors"
	"strings"

	"github.com/davidahmann/surmed/internal/errs"
	"github.com/davidahmann/surmed/internal/ledger"
	"github.com/davidahmann/surmed/pkg/types"
)

var defaultReasonCodes = []struct {
	code     string
	category types.ReasonCategory
	desc     string
}{
	{"ACC-001", types.ReasonAcceptance, "Meets all safety and eligibility criteria. Sealed packaging, valid expiry, proper documentation."},
	{"ACC-002", types.ReasonAcceptance, "Acceptable with minor packaging concerns. Supply is safe for redistribution with appropriate handling."},
	{"ACC-003", types.ReasonAcceptance, "Priority acceptance due to high demand and short shelf life. Immediate redistribution recommended."},
	{"REV-001", types.ReasonReview, "Insufficient documentation provided. Additional evidence required before final decision."},
	{"REV-002", types.ReasonReview, "Packaging integrity concerns. Physical inspection required before acceptance."},
	{"REV-003", types.ReasonReview, "Storage conditions unclear. Need verification of proper handling before acceptance."},
	{"REV-004", types.ReasonReview, "Category requires specialist review. Escalating to senior reviewer."},
	{"REJ-001", types.ReasonRejection, "Expired supply. Cannot accept items past expiry date for safety reasons."},
	{"REJ-002", types.ReasonRejection, "Insufficient shelf life. Less than minimum required days until expiry."},
	{"REJ-003", types.ReasonRejection, "Damaged or compromised packaging. Safety and sterility cannot be guaranteed."},
	{"REJ-004", types.ReasonRejection, "Prescription medication. System does not accept controlled pharmaceutical drugs."},
	{"REJ-005", types.ReasonRejection, "Incomplete or missing batch information. Traceability requirements not met."},
	{"REJ-006", types.ReasonRejection, "Category not accepted. Item type outside program scope."},
}

// ReasonCodes returns the default catalog. Ids are the lower-cased codes.
func ReasonCodes() []types.ReasonCode {
	out := make([]types.ReasonCode, 0, len(defaultReasonCodes))
	for _, rc := range defaultReasonCodes {
		out = append(out, types.ReasonCode{
			ReasonCodeID: strings.ToLower(rc.code),
			Code:         rc.code,
			Category:     rc.category,
			Description:  rc.desc,
			Active:       true,
		})
	}
	return out
}

// Seed inserts catalog entries that are missing from store and returns how
// many were added. Existing entries are left as an administrator set them.
func Seed(ctx context.Context, store ledger.Store) (int, error) {
	added := 0
	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		for _, rc := range ReasonCodes() {
			_, err := tx.GetReasonCode(rc.ReasonCodeID)
			if err == nil {
				continue
			}
			if !errors.Is(err, errs.ErrNotFound) {
				return err
			}
			if err := tx.PutReasonCode(rc); err != nil {
				return err
			}
			added++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}
