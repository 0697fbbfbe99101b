package ledger

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/davidahmann/surmed/internal/crypto"
	"github.com/davidahmann/surmed/pkg/types"
)

// GenesisHash is the previous_hash of the first entry.
var GenesisHash = "sha256:" + strings.Repeat("0", 64)

// EntryHash computes this_hash for d: the digest of the canonical view of
// every recorded field plus the link to the previous entry.
func EntryHash(d types.Decision) (string, error) {
	hash, _, err := crypto.CanonicalDigest(map[string]any{
		"schema":        d.Schema,
		"sequence":      d.Seq,
		"decision_id":   d.DecisionID,
		"submission_id": d.SubmissionID,
		"decision_type": string(d.Type),
		"reason_code":   d.ReasonCode,
		"justification": d.Justification,
		"notes":         d.Notes,
		"decided_by":    d.DecidedBy,
		"tier":          string(d.Tier),
		"decided_at":    d.DecidedAt,
		"assessment":    assessmentView(d.Assessment),
		"previous_hash": d.PreviousHash,
	})
	return hash, err
}

func assessmentView(a types.Assessment) map[string]any {
	results := make([]any, 0, len(a.Results))
	for _, r := range a.Results {
		results = append(results, map[string]any{
			"rule_id":   r.RuleID,
			"rule_name": r.RuleName,
			"category":  r.Category,
			"severity":  r.Severity,
			"status":    string(r.Status),
			"message":   r.Message,
			"values":    valuesView(r.Values),
		})
	}

	view := map[string]any{
		"schema":            a.Schema,
		"submission_id":     a.SubmissionID,
		"evaluated_at":      a.EvaluatedAt,
		"rule_set_id":       a.RuleSetID,
		"rule_set_version":  a.RuleSetVersion,
		"rule_set_hash":     a.RuleSetHash,
		"expiry_date":       a.ExpiryDate,
		"days_until_expiry": a.DaysUntilExpiry,
		"outcome":           string(a.Outcome),
	}
	// Empty and absent collections hash the same so a stored entry survives a
	// JSON round trip.
	if len(results) > 0 {
		view["results"] = results
	}
	if len(a.Notes) > 0 {
		view["notes"] = a.Notes
	}
	return view
}

func valuesView(values map[string]int64) any {
	if len(values) == 0 {
		return nil
	}
	return values
}

type textField struct {
	name string
	ptr  *string
}

// textFields lists every hashed string of d. The canonical encoding hashes
// strings in NFC, so these must also be stored in NFC or a rewrite into
// another normalization form would go unnoticed.
func textFields(d *types.Decision) []textField {
	fields := []textField{
		{"schema", &d.Schema},
		{"decision_id", &d.DecisionID},
		{"submission_id", &d.SubmissionID},
		{"reason_code", &d.ReasonCode},
		{"justification", &d.Justification},
		{"notes", &d.Notes},
		{"decided_by", &d.DecidedBy},
		{"assessment.schema", &d.Assessment.Schema},
		{"assessment.submission_id", &d.Assessment.SubmissionID},
		{"assessment.rule_set_id", &d.Assessment.RuleSetID},
		{"assessment.rule_set_version", &d.Assessment.RuleSetVersion},
		{"assessment.rule_set_hash", &d.Assessment.RuleSetHash},
		{"assessment.expiry_date", &d.Assessment.ExpiryDate},
	}
	for i := range d.Assessment.Results {
		r := &d.Assessment.Results[i]
		fields = append(fields,
			textField{"assessment.results.rule_id", &r.RuleID},
			textField{"assessment.results.rule_name", &r.RuleName},
			textField{"assessment.results.category", &r.Category},
			textField{"assessment.results.severity", &r.Severity},
			textField{"assessment.results.message", &r.Message},
		)
	}
	for i := range d.Assessment.Notes {
		fields = append(fields, textField{"assessment.notes", &d.Assessment.Notes[i]})
	}
	return fields
}

// normalizeText rewrites the strings of d to NFC in place. d must not share
// its assessment slices with the caller.
func normalizeText(d *types.Decision) {
	for _, f := range textFields(d) {
		*f.ptr = norm.NFC.String(*f.ptr)
	}
}

// denormalizedField names the first string of d not stored in NFC.
func denormalizedField(d types.Decision) (string, bool) {
	for _, f := range textFields(&d) {
		if !norm.NFC.IsNormalString(*f.ptr) {
			return f.name, true
		}
	}
	return "", false
}
