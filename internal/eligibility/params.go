package eligibility

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"

	"github.com/davidahmann/surmed/internal/errs"
)

// paramReader decodes rule parameters and remembers which keys were read so
// that leftovers can be reported as unknown.
type paramReader struct {
	ruleID string
	raw    map[string]any
	read   map[string]bool
}

func newParamReader(r Rule) *paramReader {
	return &paramReader{ruleID: r.ID, raw: r.Params, read: map[string]bool{}}
}

func (p *paramReader) take(key string) (any, bool) {
	p.read[key] = true
	v, ok := p.raw[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func (p *paramReader) Int(key string, def int64) (int64, error) {
	n, ok, err := p.OptionalInt(key)
	if err != nil || !ok {
		return def, err
	}
	return n, nil
}

func (p *paramReader) OptionalInt(key string) (int64, bool, error) {
	v, ok := p.take(key)
	if !ok {
		return 0, false, nil
	}
	n, ok := toInt(v)
	if !ok {
		return 0, false, errs.Misconfigured(p.ruleID, "parameter %q must be an integer, got %v", key, v)
	}
	return n, true, nil
}

func (p *paramReader) Bool(key string, def bool) (bool, error) {
	v, ok := p.take(key)
	if !ok {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, errs.Misconfigured(p.ruleID, "parameter %q must be a boolean, got %v", key, v)
	}
	return b, nil
}

func (p *paramReader) String(key, def string) (string, error) {
	v, ok := p.take(key)
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", errs.Misconfigured(p.ruleID, "parameter %q must be a string, got %v", key, v)
	}
	return s, nil
}

func (p *paramReader) Strings(key string) ([]string, error) {
	v, ok := p.take(key)
	if !ok {
		return nil, nil
	}
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...), nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, errs.Misconfigured(p.ruleID, "parameter %q must be a list of strings, found %v", key, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, errs.Misconfigured(p.ruleID, "parameter %q must be a list of strings, got %v", key, v)
	}
}

// Close fails on any parameter the rule category does not define.
func (p *paramReader) Close() error {
	var unknown []string
	for k := range p.raw {
		if !p.read[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return errs.Misconfigured(p.ruleID, "unknown parameter %q", unknown[0])
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), n <= math.MaxInt64
	case uint64:
		return int64(n), n <= math.MaxInt64
	case float64:
		if n != math.Trunc(n) || math.Abs(n) > 1<<53 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := strconv.ParseInt(n.String(), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}
