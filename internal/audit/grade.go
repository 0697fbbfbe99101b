// Package audit grades recorded decisions and summarizes the ledger for
// reporting.
package audit

import (
	"sort"
	"strings"

	"github.com/davidahmann/surmed/pkg/types"
)

// minJustification is the shortest justification not flagged as thin.
const minJustification = 20

type Result struct {
	Grade   string   `json:"grade"`
	Reasons []string `json:"reasons,omitempty"`
}

// Grade rates how well a single decision is supported by its own record.
func Grade(d types.Decision) Result {
	flags := map[string]bool{}

	a := d.Assessment
	if a.RuleSetHash == "" || len(a.Results) == 0 {
		flags["missing_assessment"] = true
	}
	if a.SubmissionID != d.SubmissionID {
		flags["assessment_mismatch"] = true
	}
	if d.Type == types.DecisionAccept && a.Outcome == types.OutcomeIneligible {
		flags["accept_while_ineligible"] = true
	}
	if d.Type == types.DecisionReject && a.Outcome == types.OutcomeEligible {
		flags["reject_while_eligible"] = true
	}
	if d.Type == types.DecisionAccept && len(a.Advisories()) > 0 {
		flags["accept_with_advisories"] = true
	}
	if len(strings.TrimSpace(d.Justification)) < minJustification {
		flags["thin_justification"] = true
	}

	grade := "A"
	switch {
	case flags["missing_assessment"] || flags["assessment_mismatch"]:
		grade = "F"
	case flags["accept_while_ineligible"]:
		grade = "D"
	case flags["reject_while_eligible"]:
		grade = "C"
	case flags["accept_with_advisories"] || flags["thin_justification"]:
		grade = "B"
	}

	reasons := make([]string, 0, len(flags))
	for k := range flags {
		reasons = append(reasons, k)
	}
	sort.Strings(reasons)
	if len(reasons) == 0 {
		reasons = nil
	}
	return Result{Grade: grade, Reasons: reasons}
}

// Divergent reports whether the reviewer went against the evaluator.
func Divergent(d types.Decision) bool {
	switch d.Type {
	case types.DecisionAccept:
		return d.Assessment.Outcome == types.OutcomeIneligible
	case types.DecisionReject:
		return d.Assessment.Outcome == types.OutcomeEligible
	default:
		return false
	}
}
