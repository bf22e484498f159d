package rules

import "time"

// Field is the derived field under which rule results are stored
const Field = "rules"

// Connector joins the conditions of a rule or group
type Connector string

const (
	And Connector = "and"
	Or  Connector = "or"
)

// Kind is the value kind a leaf condition compares
type Kind string

const (
	KindNumber  Kind = "number"
	KindString  Kind = "string"
	KindBoolean Kind = "boolean"
)

// Operator is a leaf comparison
type Operator string

const (
	Equals               Operator = "equals"
	NotEquals            Operator = "not_equals"
	GreaterThan          Operator = "greater_than"
	GreaterThanOrEqualTo Operator = "greater_than_or_equal_to"
	LessThan             Operator = "less_than"
	LessThanOrEqualTo    Operator = "less_than_or_equal_to"
	Contains             Operator = "contains"
	DoesNotContain       Operator = "does_not_contain"
	StartsWith           Operator = "starts_with"
	EndsWith             Operator = "ends_with"
	IsTrue               Operator = "is_true"
	IsFalse              Operator = "is_false"
)

// Condition is either a leaf predicate (Type, Field, Operator, Value)
// or a nested group (Connector, Rules).
type Condition struct {
	Type     Kind     `json:"type,omitempty" yaml:"type,omitempty"`
	Field    string   `json:"field,omitempty" yaml:"field,omitempty"`
	Operator Operator `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    any      `json:"value" yaml:"value"`

	Connector Connector   `json:"connector,omitempty" yaml:"connector,omitempty"`
	Rules     []Condition `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// IsGroup reports whether c nests further conditions
func (c Condition) IsGroup() bool {
	return c.Connector != "" || len(c.Rules) > 0
}

// Definition describes one named boolean rule
type Definition struct {
	Connector Connector   `json:"connector" yaml:"connector" validate:"required,oneof=and or"`
	Rules     []Condition `json:"rules" yaml:"rules" validate:"required,min=1"`
}

// RuleList maps rule names to their definitions
type RuleList map[string]Definition

// Result maps rule names to their outcome for one evaluation
type Result map[string]bool

// RuleSet is a named, persisted RuleList
type RuleSet struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Rules     RuleList  `json:"rules"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
