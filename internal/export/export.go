// Package export renders the decision ledger for auditors: a flat CSV, a
// PDF report and a zip bundle carrying both plus verification artifacts.
// Every writer verifies the full chain first and refuses to render a
// chain that does not verify.
package export

import (
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/davidahmann/surmed/internal/errs"
	"github.com/davidahmann/surmed/internal/ledger"
	"github.com/davidahmann/surmed/internal/metrics"
	"github.com/davidahmann/surmed/pkg/types"
)

const (
	FormatCSV = "csv"
	FormatPDF = "pdf"
	FormatZip = "zip"
)

// Filter narrows the rendered rows. Dates are UTC calendar days and both
// ends are inclusive. Search is a case-insensitive substring of the
// submission id, item name, reviewer, reason code, justification or notes.
// Verification always covers the whole chain.
type Filter struct {
	From   string             `json:"date_from,omitempty"`
	To     string             `json:"date_to,omitempty"`
	Type   types.DecisionType `json:"decision_type,omitempty"`
	Search string             `json:"search,omitempty"`
}

func (f Filter) bounds() (from, to time.Time, err error) {
	if f.From != "" {
		if from, err = time.Parse(types.DateLayout, f.From); err != nil {
			return from, to, errs.Invalid("date_from", "must be YYYY-MM-DD, got %q", f.From)
		}
	}
	if f.To != "" {
		if to, err = time.Parse(types.DateLayout, f.To); err != nil {
			return from, to, errs.Invalid("date_to", "must be YYYY-MM-DD, got %q", f.To)
		}
		to = to.AddDate(0, 0, 1)
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return from, to, errs.Invalid("date_to", "%s is before date_from %s", f.To, f.From)
	}
	return from, to, nil
}

// Validate reports a ValidationError for malformed dates or an unknown
// decision type.
func (f Filter) Validate() error {
	if f.Type != "" && !f.Type.Valid() {
		return errs.Invalid("decision_type", "unknown decision type %q", f.Type)
	}
	_, _, err := f.bounds()
	return err
}

// Apply returns the entries matching f, in ledger order. submissions only
// supplies item names for Search and may be nil.
func (f Filter) Apply(entries []types.Decision, submissions map[string]types.Submission) ([]types.Decision, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	from, to, _ := f.bounds()
	fold := cases.Fold()
	needle := fold.String(norm.NFC.String(strings.TrimSpace(f.Search)))
	out := make([]types.Decision, 0, len(entries))
	for _, d := range entries {
		at := d.DecidedAt.UTC()
		if !from.IsZero() && at.Before(from) {
			continue
		}
		if !to.IsZero() && !at.Before(to) {
			continue
		}
		if f.Type != "" && d.Type != f.Type {
			continue
		}
		if needle != "" && !matches(fold, needle, d, submissions[d.SubmissionID].Name) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func matches(fold cases.Caser, needle string, d types.Decision, itemName string) bool {
	for _, field := range []string{d.SubmissionID, itemName, d.DecidedBy, d.ReasonCode, d.Justification, d.Notes} {
		if strings.Contains(fold.String(field), needle) {
			return true
		}
	}
	return false
}

// Describe renders the set criteria as "key=value" pairs, or "" for an
// empty filter.
func (f Filter) Describe() string {
	var parts []string
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	add("date_from", f.From)
	add("date_to", f.To)
	add("decision_type", string(f.Type))
	add("search", f.Search)
	return strings.Join(parts, ", ")
}

// ActivityFor is the export_generated entry for an export of rows decisions
// that actor took under filter.
func ActivityFor(id, actor, format string, filter Filter, rows int, at time.Time) types.Activity {
	details := map[string]string{
		"format": format,
		"rows":   strconv.Itoa(rows),
	}
	if desc := filter.Describe(); desc != "" {
		details["filter"] = desc
	}
	return types.Activity{
		ActivityID: id,
		Action:     types.ActivityExportGenerated,
		Actor:      actor,
		Details:    details,
		At:         at.UTC(),
	}
}

// Input is the material for one export. Entries must be the whole chain in
// append order; Submissions is optional and only supplies item names.
type Input struct {
	Entries     []types.Decision
	Submissions map[string]types.Submission
	Filter      Filter
	GeneratedAt time.Time
	// Signer, when set, adds a signed checkpoint to bundles.
	Signer ledger.Signer
}

// Rows returns the entries the filter selects, without verifying the chain.
func (in Input) Rows() ([]types.Decision, error) {
	return in.Filter.Apply(in.Entries, in.Submissions)
}

// prepared is an Input that passed verification.
type prepared struct {
	Input
	chain ledger.VerifyResult
	rows  []types.Decision
}

func prepare(in Input) (prepared, error) {
	chain := ledger.Verify(in.Entries)
	metrics.Verification(chain.Valid)
	if err := chain.Err(); err != nil {
		return prepared{}, err
	}
	rows, err := in.Rows()
	if err != nil {
		return prepared{}, err
	}
	if in.GeneratedAt.IsZero() {
		in.GeneratedAt = time.Now()
	}
	in.GeneratedAt = in.GeneratedAt.UTC()
	return prepared{Input: in, chain: chain, rows: rows}, nil
}

func (p prepared) itemName(submissionID string) string {
	if sub, ok := p.Submissions[submissionID]; ok {
		return sub.Name
	}
	return ""
}

func (p prepared) tail() ledger.Tail {
	if n := len(p.Entries); n > 0 {
		last := p.Entries[n-1]
		return ledger.Tail{Seq: last.Seq, Hash: last.Hash}
	}
	return ledger.Tail{Hash: ledger.GenesisHash}
}

func record(format string, err error) {
	switch {
	case err == nil:
		metrics.Export(format, "ok")
	case errs.IsIntegrity(err):
		metrics.Export(format, "refused")
	default:
		metrics.Export(format, "error")
	}
}
