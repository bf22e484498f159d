package rules

import "errors"

var (
	// ErrMisconfiguredRule is returned when a rule definition cannot be compiled
	ErrMisconfiguredRule = errors.New("misconfigured rule")

	// ErrEvaluation is returned when a compiled rule fails against a state
	ErrEvaluation = errors.New("rule evaluation failed")

	// ErrRulesEmpty is returned when a rule file has no content
	ErrRulesEmpty = errors.New("rule definitions are empty")

	ErrRuleSetNotFound = errors.New("rule set not found")
	ErrRuleSetExists   = errors.New("rule set already exists")
)
