package eligibility

import (
	"fmt"
	"time"

	"github.com/davidahmann/surmed/internal/crypto"
	"github.com/davidahmann/surmed/internal/errs"
	"github.com/davidahmann/surmed/internal/validate"
	"github.com/davidahmann/surmed/pkg/types"
)

const (
	// ExpiryRuleID identifies the built-in expired-stock check carried by
	// every assessment.
	ExpiryRuleID = "builtin.not-expired"

	shortShelfLifeDays = 90
)

// Evaluate scores sub against the rule set snapshot rs as of at. It reads no
// clock and no shared state, so equal inputs always give equal assessments.
// Only active rules contribute results. Expired stock is ineligible under
// any rule set.
func Evaluate(sub types.Submission, rs RuleSet, at time.Time) (types.Assessment, error) {
	if err := validate.Struct(sub); err != nil {
		return types.Assessment{}, err
	}
	if at.IsZero() {
		return types.Assessment{}, errs.Invalid("evaluated_at", "is required")
	}

	rules, err := compile(rs)
	if err != nil {
		return types.Assessment{}, err
	}
	ruleSetHash, err := digest(rs, rules)
	if err != nil {
		return types.Assessment{}, err
	}

	expiry, err := time.Parse(types.DateLayout, sub.ExpiryDate)
	if err != nil {
		return types.Assessment{}, errs.Invalid("expiry_date", "%v", err)
	}
	days := DaysUntil(expiry, at)

	results := make([]types.RuleResult, 0, len(rules)+1)
	results = append(results, expiryHardStop(days))
	for _, r := range rules {
		if !r.rule.IsActive() {
			continue
		}
		results = append(results, r.evaluate(sub, days))
	}

	return types.Assessment{
		Schema:          types.AssessmentSchema,
		SubmissionID:    sub.SubmissionID,
		EvaluatedAt:     at.UTC(),
		RuleSetID:       rs.RuleSetID,
		RuleSetVersion:  rs.Version,
		RuleSetHash:     ruleSetHash,
		ExpiryDate:      sub.ExpiryDate,
		DaysUntilExpiry: days,
		Results:         results,
		Outcome:         Aggregate(results),
		Notes:           contextNotes(sub, days),
	}, nil
}

// Aggregate folds rule results into a recommendation: any failure makes the
// submission ineligible, otherwise any advisory flag makes it conditional.
func Aggregate(results []types.RuleResult) types.Outcome {
	outcome := types.OutcomeEligible
	for _, r := range results {
		switch r.Status {
		case types.RuleFail:
			return types.OutcomeIneligible
		case types.RuleAdvisory:
			outcome = types.OutcomeConditionallyEligible
		}
	}
	return outcome
}

const secondsPerDay = 24 * 60 * 60

// DaysUntil counts whole UTC calendar days from at to expiry. Both ends are
// UTC midnights, so their Unix seconds divide exactly and far dates do not
// overflow a time.Duration.
func DaysUntil(expiry, at time.Time) int64 {
	y, m, d := at.UTC().Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	ey, em, ed := expiry.Date()
	end := time.Date(ey, em, ed, 0, 0, 0, 0, time.UTC)
	return end.Unix()/secondsPerDay - today.Unix()/secondsPerDay
}

func expiryHardStop(days int64) types.RuleResult {
	v := verdict{
		msg:    fmt.Sprintf("%d days until expiry", days),
		values: map[string]int64{"days_until_expiry": days},
	}
	if days <= 0 {
		v.failed, v.hard, v.msg = true, true, expiredMessage(days)
	}
	return resultFor(ExpiryRuleID, "Not expired", CategoryShelfLife, SeverityBlocking, v)
}

func contextNotes(sub types.Submission, days int64) []string {
	var notes []string
	if days > 0 && days < shortShelfLifeDays {
		notes = append(notes, fmt.Sprintf("short shelf life: %d days remaining", days))
	}
	if sub.Packaging.Rank() >= types.PackagingMinorDamage.Rank() {
		notes = append(notes, fmt.Sprintf("packaging concern: %s", sub.Packaging))
	}
	if sub.Storage == "" || sub.Storage == types.StorageUnknown {
		notes = append(notes, "storage conditions unknown")
	}
	if sub.BatchNumber == "" {
		notes = append(notes, "no batch number recorded")
	}
	return notes
}

// Check validates rs without evaluating anything.
func Check(rs RuleSet) error {
	_, err := compile(rs)
	return err
}

// Digest returns the content hash of the normalized rule set. Two rule sets
// that configure the same checks hash equally regardless of source format.
func Digest(rs RuleSet) (string, error) {
	rules, err := compile(rs)
	if err != nil {
		return "", err
	}
	return digest(rs, rules)
}

func digest(rs RuleSet, rules []compiledRule) (string, error) {
	views := make([]any, 0, len(rules))
	for _, r := range rules {
		views = append(views, map[string]any{
			"id":       r.rule.ID,
			"name":     r.rule.Name,
			"category": string(r.rule.Category),
			"severity": string(r.severity),
			"active":   r.rule.IsActive(),
			"params":   r.params,
		})
	}
	hash, _, err := crypto.CanonicalDigest(map[string]any{
		"rule_set_id": rs.RuleSetID,
		"version":     rs.Version,
		"rules":       views,
	})
	if err != nil {
		return "", errs.Wrap(err, "hash rule set")
	}
	return hash, nil
}
