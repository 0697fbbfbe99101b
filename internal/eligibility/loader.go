package eligibility

import (
	"bytes"
	"errors"
	"io"
	"os"

	"github.com/davidahmann/surmed/internal/errs"
	"gopkg.in/yaml.v3"
)

type LoadedRuleSet struct {
	RuleSet RuleSet
	Hash    string
	Bytes   []byte
}

// LoadRuleSet reads and validates a YAML rule set file.
func LoadRuleSet(path string) (LoadedRuleSet, error) {
	// #nosec G304 -- path comes from operator-configured rules path.
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadedRuleSet{}, err
	}
	loaded, err := ParseRuleSet(data)
	if err != nil {
		return LoadedRuleSet{}, errs.Wrapf(err, "rule set %s", path)
	}
	return loaded, nil
}

// ParseRuleSet decodes YAML rule set bytes. Unknown top-level or rule
// fields, unknown categories and unknown parameters are configuration errors.
func ParseRuleSet(data []byte) (LoadedRuleSet, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var rs RuleSet
	if err := dec.Decode(&rs); err != nil && !errors.Is(err, io.EOF) {
		return LoadedRuleSet{}, &errs.ConfigurationError{Msg: err.Error()}
	}

	hash, err := Digest(rs)
	if err != nil {
		return LoadedRuleSet{}, err
	}
	return LoadedRuleSet{RuleSet: rs, Hash: hash, Bytes: data}, nil
}
