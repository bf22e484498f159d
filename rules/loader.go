package rules

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Loader reads rule lists from YAML or JSON documents.
// A document is a mapping from rule name to definition:
//
//	rule_01:
//	  connector: and
//	  rules:
//	    - type: number
//	      field: count
//	      operator: greater_than_or_equal_to
//	      value: 10
type Loader struct{}

// NewLoader creates a new rule loader
func NewLoader() *Loader {
	return &Loader{}
}

// LoadFromFile reads and validates the rule list stored at path
func (l *Loader) LoadFromFile(path string) (RuleList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules %s: %w", path, err)
	}

	list, err := l.LoadFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("loading rules %s: %w", path, err)
	}
	return list, nil
}

// LoadFromBytes parses and validates a rule list. JSON is accepted as YAML.
// Unknown keys are rejected so typos in operator or connector fields surface early.
func (l *Loader) LoadFromBytes(data []byte) (RuleList, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrRulesEmpty
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var list RuleList
	if err := dec.Decode(&list); err != nil {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}

	if err := ValidateRuleList(list); err != nil {
		return nil, err
	}
	return list, nil
}
