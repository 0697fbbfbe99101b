package eligibility

import (
	"fmt"
	"sort"
	"strings"

	"github.com/davidahmann/surmed/internal/errs"
	"github.com/davidahmann/surmed/pkg/types"
)

const (
	defaultMinShelfLifeDays = 60
	defaultMinQuantity      = 1
	defaultMinEvidence      = 1
)

// verdict is what a single check found before severity is applied.
type verdict struct {
	failed   bool
	hard     bool // blocking whatever the configured severity
	advisory bool // passes, but flags the submission for attention
	msg      string
	values   map[string]int64
}

type checkFunc func(sub types.Submission, daysUntilExpiry int64) verdict

type compiledRule struct {
	rule     Rule
	severity Severity
	params   map[string]any
	check    checkFunc
}

func (c compiledRule) evaluate(sub types.Submission, days int64) types.RuleResult {
	v := c.check(sub, days)
	return resultFor(c.rule.ID, c.rule.Name, c.rule.Category, c.severity, v)
}

func resultFor(id, name string, category Category, severity Severity, v verdict) types.RuleResult {
	status := types.RulePass
	switch {
	case v.failed && (v.hard || severity == SeverityBlocking):
		status = types.RuleFail
	case v.failed, v.advisory:
		status = types.RuleAdvisory
	}
	return types.RuleResult{
		RuleID:   id,
		RuleName: name,
		Category: string(category),
		Severity: string(severity),
		Status:   status,
		Message:  v.msg,
		Values:   v.values,
	}
}

// compile validates every rule in rs, active or not, and binds its
// parameters to a check.
func compile(rs RuleSet) ([]compiledRule, error) {
	if strings.TrimSpace(rs.RuleSetID) == "" {
		return nil, errs.Misconfigured("", "rule_set_id is required")
	}

	seen := make(map[string]bool, len(rs.Rules))
	out := make([]compiledRule, 0, len(rs.Rules))
	for i, r := range rs.Rules {
		if strings.TrimSpace(r.ID) == "" {
			return nil, errs.Misconfigured(fmt.Sprintf("#%d", i), "rule id is required")
		}
		if seen[r.ID] {
			return nil, errs.Misconfigured(r.ID, "duplicate rule id")
		}
		seen[r.ID] = true

		severity, err := severityFor(r)
		if err != nil {
			return nil, err
		}

		p := newParamReader(r)
		var (
			view  map[string]any
			check checkFunc
		)
		switch r.Category {
		case CategoryShelfLife:
			view, check, err = compileShelfLife(p)
		case CategoryRestriction:
			view, check, err = compileRestriction(p)
		case CategoryPackaging:
			view, check, err = compilePackaging(p)
		case CategoryEvidence:
			view, check, err = compileEvidence(p)
		case CategoryQuantity:
			view, check, err = compileQuantity(p)
		default:
			return nil, errs.Misconfigured(r.ID, "unknown rule category %q", r.Category)
		}
		if err != nil {
			return nil, err
		}
		if err := p.Close(); err != nil {
			return nil, err
		}
		out = append(out, compiledRule{rule: r, severity: severity, params: view, check: check})
	}
	return out, nil
}

func severityFor(r Rule) (Severity, error) {
	switch r.Severity {
	case SeverityBlocking, SeverityAdvisory:
		return r.Severity, nil
	case "":
		if r.Category == CategoryEvidence {
			return SeverityAdvisory, nil
		}
		return SeverityBlocking, nil
	default:
		return "", errs.Misconfigured(r.ID, "unknown severity %q", r.Severity)
	}
}

func compileShelfLife(p *paramReader) (map[string]any, checkFunc, error) {
	minDays, err := p.Int("min_days", defaultMinShelfLifeDays)
	if err != nil {
		return nil, nil, err
	}
	if minDays < 0 {
		return nil, nil, errs.Misconfigured(p.ruleID, "min_days must be >= 0, got %d", minDays)
	}

	check := func(_ types.Submission, days int64) verdict {
		values := map[string]int64{"days_until_expiry": days, "min_days": minDays}
		switch {
		case days <= 0:
			return verdict{failed: true, hard: true, msg: expiredMessage(days), values: values}
		case days < minDays:
			return verdict{failed: true, msg: fmt.Sprintf("%d days until expiry, minimum is %d", days, minDays), values: values}
		default:
			return verdict{msg: fmt.Sprintf("%d days until expiry meets minimum of %d", days, minDays), values: values}
		}
	}
	return map[string]any{"min_days": minDays}, check, nil
}

func expiredMessage(days int64) string {
	if days == 0 {
		return "item expires today"
	}
	return fmt.Sprintf("item expired %d day(s) ago", -days)
}

func compileRestriction(p *paramReader) (map[string]any, checkFunc, error) {
	allowed, err := p.Strings("allowed")
	if err != nil {
		return nil, nil, err
	}
	denied, err := p.Strings("denied")
	if err != nil {
		return nil, nil, err
	}
	allowed, denied = normalizeCategories(allowed), normalizeCategories(denied)
	allowSet, denySet := toSet(allowed), toSet(denied)

	check := func(sub types.Submission, _ int64) verdict {
		category := normalizeCategory(sub.Category)
		switch {
		case allowSet[category]:
			return verdict{msg: fmt.Sprintf("category %s is allowed", category)}
		case denySet[category]:
			return verdict{failed: true, msg: fmt.Sprintf("category %s is not accepted", category)}
		case len(allowSet) > 0:
			return verdict{failed: true, msg: fmt.Sprintf("category %s is not in the allowed list", category)}
		default:
			return verdict{msg: fmt.Sprintf("category %s is not restricted", category)}
		}
	}
	return map[string]any{"allowed": allowed, "denied": denied}, check, nil
}

func normalizeCategory(c string) string { return strings.ToLower(strings.TrimSpace(c)) }

func normalizeCategories(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, c := range in {
		out = append(out, normalizeCategory(c))
	}
	sort.Strings(out)
	return out
}

func toSet(in []string) map[string]bool {
	set := make(map[string]bool, len(in))
	for _, s := range in {
		set[s] = true
	}
	return set
}

func compilePackaging(p *paramReader) (map[string]any, checkFunc, error) {
	raw, err := p.String("tolerance", string(types.PackagingMinorDamage))
	if err != nil {
		return nil, nil, err
	}
	tolerance := types.PackagingStatus(raw)
	if !tolerance.Valid() {
		return nil, nil, errs.Misconfigured(p.ruleID, "unknown packaging tolerance %q", raw)
	}

	check := func(sub types.Submission, _ int64) verdict {
		rank := sub.Packaging.Rank()
		values := map[string]int64{"packaging_rank": int64(rank), "tolerance_rank": int64(tolerance.Rank())}
		switch {
		case rank > tolerance.Rank():
			return verdict{failed: true, msg: fmt.Sprintf("packaging %s exceeds tolerance %s", sub.Packaging, tolerance), values: values}
		case rank > 0:
			return verdict{advisory: true, msg: fmt.Sprintf("packaging %s accepted with wear", sub.Packaging), values: values}
		default:
			return verdict{msg: "packaging sealed and unopened", values: values}
		}
	}
	return map[string]any{"tolerance": string(tolerance)}, check, nil
}

func compileEvidence(p *paramReader) (map[string]any, checkFunc, error) {
	minItems, err := p.Int("min_items", defaultMinEvidence)
	if err != nil {
		return nil, nil, err
	}
	if minItems < 0 {
		return nil, nil, errs.Misconfigured(p.ruleID, "min_items must be >= 0, got %d", minItems)
	}
	requirePhoto, err := p.Bool("require_photo", true)
	if err != nil {
		return nil, nil, err
	}

	check := func(sub types.Submission, _ int64) verdict {
		count, photos := int64(len(sub.Evidence)), int64(sub.PhotoCount())
		values := map[string]int64{"evidence_count": count, "photo_count": photos, "min_items": minItems}
		switch {
		case count < minItems:
			return verdict{failed: true, msg: fmt.Sprintf("%d evidence item(s) attached, minimum is %d", count, minItems), values: values}
		case requirePhoto && photos == 0:
			return verdict{failed: true, msg: "no photographic evidence attached", values: values}
		default:
			return verdict{msg: fmt.Sprintf("%d evidence item(s) attached", count), values: values}
		}
	}
	return map[string]any{"min_items": minItems, "require_photo": requirePhoto}, check, nil
}

func compileQuantity(p *paramReader) (map[string]any, checkFunc, error) {
	minQty, err := p.Int("min", defaultMinQuantity)
	if err != nil {
		return nil, nil, err
	}
	maxQty, hasMax, err := p.OptionalInt("max")
	if err != nil {
		return nil, nil, err
	}
	if minQty < 0 {
		return nil, nil, errs.Misconfigured(p.ruleID, "min must be >= 0, got %d", minQty)
	}
	if hasMax && maxQty < minQty {
		return nil, nil, errs.Misconfigured(p.ruleID, "max %d is below min %d", maxQty, minQty)
	}

	view := map[string]any{"min": minQty}
	if hasMax {
		view["max"] = maxQty
	}

	check := func(sub types.Submission, _ int64) verdict {
		qty := int64(sub.Quantity)
		values := map[string]int64{"quantity": qty, "min": minQty}
		if hasMax {
			values["max"] = maxQty
		}
		switch {
		case qty < minQty:
			return verdict{failed: true, msg: fmt.Sprintf("quantity %d is below minimum %d", qty, minQty), values: values}
		case hasMax && qty > maxQty:
			return verdict{failed: true, msg: fmt.Sprintf("quantity %d exceeds maximum %d", qty, maxQty), values: values}
		default:
			return verdict{msg: fmt.Sprintf("quantity %d is within limits", qty), values: values}
		}
	}
	return view, check, nil
}
