package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	maxRules      = 200
	maxConditions = 100
	maxDepth      = 8
	maxNameLength = 100
)

var (
	validate        = validator.New()
	validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// operatorsByKind lists the operators each value kind accepts
var operatorsByKind = map[Kind]map[Operator]bool{
	KindNumber: {
		Equals: true, NotEquals: true,
		GreaterThan: true, GreaterThanOrEqualTo: true,
		LessThan: true, LessThanOrEqualTo: true,
	},
	KindString: {
		Equals: true, NotEquals: true,
		GreaterThan: true, GreaterThanOrEqualTo: true,
		LessThan: true, LessThanOrEqualTo: true,
		Contains: true, DoesNotContain: true,
		StartsWith: true, EndsWith: true,
	},
	KindBoolean: {
		IsTrue: true, IsFalse: true,
		Equals: true, NotEquals: true,
	},
}

// ValidateRuleList checks every rule in list without compiling it
func ValidateRuleList(list RuleList) error {
	if len(list) == 0 {
		return fmt.Errorf("%w: rule list must contain at least one rule", ErrMisconfiguredRule)
	}
	if len(list) > maxRules {
		return fmt.Errorf("%w: rule list contains %d rules, maximum allowed is %d", ErrMisconfiguredRule, len(list), maxRules)
	}

	names := make([]string, 0, len(list))
	for name := range list {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := validateName(name); err != nil {
			return fmt.Errorf("%w: invalid rule name %q: %w", ErrMisconfiguredRule, name, err)
		}
		if err := ValidateDefinition(list[name]); err != nil {
			return fmt.Errorf("rule %q: %w", name, err)
		}
	}
	return nil
}

// ValidateDefinition checks connector, operators and value kinds of def
func ValidateDefinition(def Definition) error {
	if err := validateGroup(def.Connector, def.Rules, 0); err != nil {
		return fmt.Errorf("%w: %w", ErrMisconfiguredRule, err)
	}
	return nil
}

func validateGroup(connector Connector, conds []Condition, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("groups nested deeper than %d levels", maxDepth)
	}

	if err := validate.Struct(Definition{Connector: connector, Rules: conds}); err != nil {
		return describeValidation(err)
	}
	if len(conds) > maxConditions {
		return fmt.Errorf("group contains %d conditions, maximum allowed is %d", len(conds), maxConditions)
	}

	for i, c := range conds {
		var err error
		if c.IsGroup() {
			err = validateGroup(c.Connector, c.Rules, depth+1)
		} else {
			err = validateLeaf(c)
		}
		if err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}
	return nil
}

func validateLeaf(c Condition) error {
	if err := validateIdentifier(c.Field); err != nil {
		return fmt.Errorf("invalid field name %q: %w", c.Field, err)
	}

	ops, ok := operatorsByKind[c.Type]
	if !ok {
		return fmt.Errorf("field %q has invalid type %q (must be one of: number, string, boolean)", c.Field, c.Type)
	}
	if !ops[c.Operator] {
		return fmt.Errorf("operator %q is not supported for %s field %q", c.Operator, c.Type, c.Field)
	}

	switch c.Type {
	case KindNumber:
		if _, err := numberValue(c.Value); err != nil {
			return fmt.Errorf("field %q: %w", c.Field, err)
		}
	case KindString:
		if _, ok := c.Value.(string); !ok {
			return fmt.Errorf("field %q: value %v (%T) is not a string", c.Field, c.Value, c.Value)
		}
	case KindBoolean:
		if c.Operator == IsTrue || c.Operator == IsFalse {
			if c.Value != nil {
				if _, ok := c.Value.(bool); !ok {
					return fmt.Errorf("field %q: value %v (%T) is not a boolean", c.Field, c.Value, c.Value)
				}
			}
			break
		}
		if _, ok := c.Value.(bool); !ok {
			return fmt.Errorf("field %q: value %v (%T) is not a boolean", c.Field, c.Value, c.Value)
		}
	}
	return nil
}

// number is a numeric literal, integral when isInt is set
type number struct {
	i     int64
	f     float64
	isInt bool
}

// numberValue accepts any Go numeric value plus json.Number
func numberValue(v any) (number, error) {
	switch n := v.(type) {
	case int:
		return number{i: int64(n), isInt: true}, nil
	case int8:
		return number{i: int64(n), isInt: true}, nil
	case int16:
		return number{i: int64(n), isInt: true}, nil
	case int32:
		return number{i: int64(n), isInt: true}, nil
	case int64:
		return number{i: n, isInt: true}, nil
	case uint:
		return fromUint(uint64(n))
	case uint8:
		return fromUint(uint64(n))
	case uint16:
		return fromUint(uint64(n))
	case uint32:
		return fromUint(uint64(n))
	case uint64:
		return fromUint(n)
	case float32:
		return fromFloat(float64(n))
	case float64:
		return fromFloat(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return number{i: i, isInt: true}, nil
		}
		f, err := n.Float64()
		if err != nil {
			return number{}, fmt.Errorf("value %q is not a number", n.String())
		}
		return fromFloat(f)
	default:
		return number{}, fmt.Errorf("value %v (%T) is not a number", v, v)
	}
}

func fromUint(u uint64) (number, error) {
	if u > math.MaxInt64 {
		return fromFloat(float64(u))
	}
	return number{i: int64(u), isInt: true}, nil
}

func fromFloat(f float64) (number, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return number{}, fmt.Errorf("value %v is not a finite number", f)
	}
	// integral values that fit exactly become int literals so they compare
	// naturally against integer fields
	if f == math.Trunc(f) && math.Abs(f) <= 1<<53 {
		return number{i: int64(f), isInt: true}, nil
	}
	return number{f: f}, nil
}

// describeValidation turns validator errors into a single readable error
func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", strings.ToLower(fe.Field())))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s %q must be one of: %s", strings.ToLower(fe.Field()), fe.Value(), fe.Param()))
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must contain at least %s entries", strings.ToLower(fe.Field()), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", strings.ToLower(fe.Field()), fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// validateName checks a rule name: 1-100 characters, no surrounding whitespace
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("name length %d exceeds maximum of %d characters", len(name), maxNameLength)
	}
	if strings.TrimSpace(name) != name {
		return fmt.Errorf("name has leading/trailing whitespace")
	}
	return nil
}

// validateIdentifier validates a field name so it can be used as a CEL variable.
// Must match ^[a-zA-Z_][a-zA-Z0-9_]*$, be 1-100 characters and not be reserved.
func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(name), maxNameLength)
	}

	if !validIdentifier.MatchString(name) {
		return fmt.Errorf("must match pattern ^[a-zA-Z_][a-zA-Z0-9_]*$ (start with letter or underscore, followed by letters, digits, or underscores)")
	}

	if isReservedKeyword(name) {
		return fmt.Errorf("cannot use reserved keyword %q as identifier", name)
	}

	return nil
}

// isReservedKeyword checks if a name is a CEL reserved keyword or type name
func isReservedKeyword(name string) bool {
	reservedKeywords := map[string]bool{
		// Boolean and null literals
		"true":  true,
		"false": true,
		"null":  true,
		// Control flow
		"if":       true,
		"else":     true,
		"for":      true,
		"while":    true,
		"break":    true,
		"continue": true,
		"return":   true,
		// Declarations
		"var":      true,
		"let":      true,
		"const":    true,
		"function": true,
		// Other keywords
		"in":        true,
		"as":        true,
		"import":    true,
		"package":   true,
		"namespace": true,
		"loop":      true,
		"void":      true,
		// Type identifiers referenced by compiled rules
		"type":      true,
		"int":       true,
		"uint":      true,
		"double":    true,
		"string":    true,
		"bool":      true,
		"bytes":     true,
		"list":      true,
		"map":       true,
		"dyn":       true,
		"null_type": true,
	}

	return reservedKeywords[name]
}
