package eligibility

type Category string

const (
	CategoryShelfLife   Category = "shelf_life"
	CategoryRestriction Category = "category_restriction"
	CategoryPackaging   Category = "packaging"
	CategoryEvidence    Category = "evidence"
	CategoryQuantity    Category = "quantity"
)

type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityAdvisory Severity = "advisory"
)

// RuleSet is an administrator-managed snapshot of eligibility rules.
type RuleSet struct {
	RuleSetID string `yaml:"rule_set_id" json:"rule_set_id"`
	Version   string `yaml:"version" json:"version"`
	Rules     []Rule `yaml:"rules" json:"rules"`
}

type Rule struct {
	ID       string         `yaml:"id" json:"id"`
	Name     string         `yaml:"name" json:"name"`
	Category Category       `yaml:"category" json:"category"`
	Severity Severity       `yaml:"severity,omitempty" json:"severity,omitempty"`
	Active   *bool          `yaml:"active,omitempty" json:"active,omitempty"`
	Params   map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// IsActive treats an unset flag as active.
func (r Rule) IsActive() bool { return r.Active == nil || *r.Active }

// Clone returns a deep copy so callers cannot alter a shared snapshot.
func (rs RuleSet) Clone() RuleSet {
	out := RuleSet{RuleSetID: rs.RuleSetID, Version: rs.Version}
	if rs.Rules == nil {
		return out
	}
	out.Rules = make([]Rule, len(rs.Rules))
	for i, r := range rs.Rules {
		c := r
		if r.Active != nil {
			active := *r.Active
			c.Active = &active
		}
		if r.Params != nil {
			c.Params = cloneValue(r.Params).(map[string]any)
		}
		out.Rules[i] = c
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = cloneValue(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = cloneValue(val)
		}
		return s
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
