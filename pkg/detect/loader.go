package detect

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ruleFile is the on-disk shape of an external rule set.
type ruleFile struct {
	Rules []RuleSpec `yaml:"rules"`
}

// LoadRules reads an ordered rule set from a YAML file. A missing or
// unparsable file is a recoverable configuration error: the caller falls
// back to BuiltinRules. Individual bad patterns are handled later, at
// compile time, so this function does not validate them.
func LoadRules(path string) ([]RuleSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule file: %w", err)
	}

	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing rule file: %w", err)
	}
	return rf.Rules, nil
}
