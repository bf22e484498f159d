package rules

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/interpreter"
	"github.com/liamcoop/computedrules/computed"
)

// DefaultCostLimit bounds the runtime cost of a single rule evaluation
const DefaultCostLimit = 1000000

// Root is the compiled, immutable form of one Definition.
// Only the Engine that produced a Root can evaluate it.
type Root interface {
	// Expression returns a human readable form of the compiled rule
	Expression() string
	// Fields returns every state field the rule may read, sorted
	Fields() []string
}

// Engine compiles rule definitions and evaluates them against state
type Engine interface {
	Compile(def Definition) (Root, error)
	Evaluate(root Root, r computed.Reader) (bool, error)
}

// CELEngine compiles definitions to CEL programs.
// Field reads go through the supplied Reader, so only the fields a program
// actually touches (respecting && / || short-circuiting) are observed.
type CELEngine struct {
	costLimit uint64
}

// CELOption configures a CELEngine
type CELOption func(*CELEngine)

// WithCostLimit overrides DefaultCostLimit
func WithCostLimit(limit uint64) CELOption {
	return func(e *CELEngine) {
		e.costLimit = limit
	}
}

// NewCELEngine creates a CEL-backed engine
func NewCELEngine(opts ...CELOption) *CELEngine {
	e := &CELEngine{costLimit: DefaultCostLimit}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type celRoot struct {
	expr    string
	source  string
	fields  []string
	program cel.Program
}

func (r *celRoot) Expression() string { return r.expr }
func (r *celRoot) Fields() []string   { return append([]string(nil), r.fields...) }

// Compile validates def, renders it as a CEL expression and builds a program.
// Each field the rule mentions is declared as a dynamically typed variable.
// The program guards every leaf with a type check on its field, so a leaf
// whose field is missing, null or of another kind evaluates to false.
func (e *CELEngine) Compile(def Definition) (Root, error) {
	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}

	fieldSet := make(map[string]struct{})
	expr, err := renderGroup(def.Connector, def.Rules, fieldSet, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMisconfiguredRule, err)
	}
	source, err := renderGroup(def.Connector, def.Rules, fieldSet, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMisconfiguredRule, err)
	}

	fields := make([]string, 0, len(fieldSet))
	for f := range fieldSet {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	// JSON-decoded state carries doubles where rules often hold ints
	opts := make([]cel.EnvOption, 0, len(fields)+1)
	opts = append(opts, cel.CrossTypeNumericComparisons(true))
	for _, f := range fields {
		opts = append(opts, cel.Variable(f, cel.DynType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CEL environment: %w", ErrMisconfiguredRule, err)
	}

	ast, issues := env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: compile error: %w", ErrMisconfiguredRule, issues.Err())
	}

	prog, err := env.Program(ast, cel.CostLimit(e.costLimit))
	if err != nil {
		return nil, fmt.Errorf("%w: program creation error: %w", ErrMisconfiguredRule, err)
	}

	return &celRoot{expr: expr, source: source, fields: fields, program: prog}, nil
}

// Evaluate runs root against the fields visible through r.
// Only engine faults are errors: a cost limit overrun, a non-boolean result
// or a root from another engine.
func (e *CELEngine) Evaluate(root Root, r computed.Reader) (bool, error) {
	cr, ok := root.(*celRoot)
	if !ok {
		return false, fmt.Errorf("%w: root %T was not compiled by the CEL engine", ErrEvaluation, root)
	}

	out, _, err := cr.program.Eval(readerActivation{r: r})
	if err != nil {
		return false, fmt.Errorf("%w: %s: %w", ErrEvaluation, cr.expr, err)
	}

	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s: result %v is not a boolean", ErrEvaluation, cr.expr, out.Value())
	}
	return matched, nil
}

// readerActivation resolves CEL variables through a computed.Reader
type readerActivation struct {
	r computed.Reader
}

// ResolveName reports absent and nil fields as CEL null
func (a readerActivation) ResolveName(name string) (any, bool) {
	v, ok := a.r.Get(name)
	if !ok || v == nil {
		return types.NullValue, true
	}
	return v, true
}

func (a readerActivation) Parent() interpreter.Activation {
	return nil
}

func renderGroup(connector Connector, conds []Condition, fields map[string]struct{}, guarded bool) (string, error) {
	sep := " && "
	if connector == Or {
		sep = " || "
	}

	parts := make([]string, 0, len(conds))
	for _, c := range conds {
		var (
			part string
			err  error
		)
		if c.IsGroup() {
			part, err = renderGroup(c.Connector, c.Rules, fields, guarded)
		} else {
			part, err = renderLeaf(c)
			if err == nil && guarded {
				part = "(" + kindGuard(c.Type, c.Field) + " && " + part + ")"
			}
			fields[c.Field] = struct{}{}
		}
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}

	if len(parts) == 1 {
		return parts[0], nil
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

var comparisonOps = map[Operator]string{
	Equals:               "==",
	NotEquals:            "!=",
	GreaterThan:          ">",
	GreaterThanOrEqualTo: ">=",
	LessThan:             "<",
	LessThanOrEqualTo:    "<=",
}

func renderLeaf(c Condition) (string, error) {
	switch c.Operator {
	case IsTrue:
		return c.Field + " == true", nil
	case IsFalse:
		return c.Field + " == false", nil
	}

	lit, err := literal(c.Type, c.Value)
	if err != nil {
		return "", err
	}

	if op, ok := comparisonOps[c.Operator]; ok {
		return c.Field + " " + op + " " + lit, nil
	}

	switch c.Operator {
	case Contains:
		return c.Field + ".contains(" + lit + ")", nil
	case DoesNotContain:
		return "!" + c.Field + ".contains(" + lit + ")", nil
	case StartsWith:
		return c.Field + ".startsWith(" + lit + ")", nil
	case EndsWith:
		return c.Field + ".endsWith(" + lit + ")", nil
	}
	return "", fmt.Errorf("unknown operator %q", c.Operator)
}

// kindGuard renders a check that field holds a value of the given kind
func kindGuard(kind Kind, field string) string {
	switch kind {
	case KindNumber:
		return "(type(" + field + ") == int || type(" + field + ") == uint || type(" + field + ") == double)"
	case KindString:
		return "type(" + field + ") == string"
	}
	return "type(" + field + ") == bool"
}

// literal renders v as a CEL literal of the given kind
func literal(kind Kind, v any) (string, error) {
	switch kind {
	case KindNumber:
		n, err := numberValue(v)
		if err != nil {
			return "", err
		}
		if n.isInt {
			return strconv.FormatInt(n.i, 10), nil
		}
		s := strconv.FormatFloat(n.f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return s, nil
	case KindString:
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("value %v (%T) is not a string", v, v)
		}
		return strconv.Quote(s), nil
	case KindBoolean:
		b, ok := v.(bool)
		if !ok {
			return "", fmt.Errorf("value %v (%T) is not a boolean", v, v)
		}
		return strconv.FormatBool(b), nil
	}
	return "", fmt.Errorf("invalid type %q", kind)
}
