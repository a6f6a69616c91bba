package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RuleFile is the on-disk rule set:
//
//	rules:
//	  - name: note-comments
//	    trigger: "step:completed"
//	    enabled: true
//	    predicate: field_equals
//	    predicate_params:
//	      field: kind
//	      value: comment
//	    action: log
type RuleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRuleFile parses a YAML rule file.
func LoadRuleFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("engine: read rule file: %w", err)
	}
	var f RuleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("engine: parse rule file %s: %w", path, err)
	}
	return f.Rules, nil
}

// SubscribeFile loads path and subscribes every rule in file order. It
// returns how many rules were added; the first bad rule aborts the
// load.
func (r *Rules) SubscribeFile(path string) (int, error) {
	rules, err := LoadRuleFile(path)
	if err != nil {
		return 0, err
	}
	for i, rule := range rules {
		if err := r.Subscribe(rule); err != nil {
			return i, err
		}
	}
	return len(rules), nil
}
