package types

import "time"

const AssessmentSchema = "surmed.assessment.v1"

type Outcome string

const (
	OutcomeEligible              Outcome = "eligible"
	OutcomeConditionallyEligible Outcome = "conditionally_eligible"
	OutcomeIneligible            Outcome = "ineligible"
)

type RuleStatus string

const (
	RulePass     RuleStatus = "pass"
	RuleFail     RuleStatus = "fail"
	RuleAdvisory RuleStatus = "advisory"
)

type RuleResult struct {
	RuleID   string           `json:"rule_id"`
	RuleName string           `json:"rule_name"`
	Category string           `json:"category"`
	Severity string           `json:"severity"`
	Status   RuleStatus       `json:"status"`
	Message  string           `json:"message"`
	Values   map[string]int64 `json:"values,omitempty"`
}

// Assessment is the evaluator's recommendation for one submission against
// one rule set snapshot at one instant.
type Assessment struct {
	Schema          string       `json:"schema"`
	SubmissionID    string       `json:"submission_id"`
	EvaluatedAt     time.Time    `json:"evaluated_at"`
	RuleSetID       string       `json:"rule_set_id"`
	RuleSetVersion  string       `json:"rule_set_version"`
	RuleSetHash     string       `json:"rule_set_hash"`
	ExpiryDate      string       `json:"expiry_date"`
	DaysUntilExpiry int64        `json:"days_until_expiry"`
	Results         []RuleResult `json:"results"`
	Outcome         Outcome      `json:"outcome"`
	Notes           []string     `json:"notes,omitempty"`
}

func (a Assessment) withStatus(status RuleStatus) []RuleResult {
	var out []RuleResult
	for _, r := range a.Results {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

func (a Assessment) Failures() []RuleResult   { return a.withStatus(RuleFail) }
func (a Assessment) Advisories() []RuleResult { return a.withStatus(RuleAdvisory) }
