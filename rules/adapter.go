package rules

import (
	"fmt"
	"sort"

	"github.com/liamcoop/computedrules/computed"
	"github.com/liamcoop/computedrules/store"
)

type namedRoot struct {
	name string
	root Root
}

// Compiled is a RuleList whose roots were compiled once and are reused for
// every evaluation.
type Compiled struct {
	engine Engine
	roots  []namedRoot
}

// Compile validates and compiles every rule in list with engine.
// A nil engine selects the CEL engine.
func Compile(engine Engine, list RuleList) (*Compiled, error) {
	if engine == nil {
		engine = NewCELEngine()
	}
	if err := ValidateRuleList(list); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(list))
	for name := range list {
		names = append(names, name)
	}
	sort.Strings(names)

	roots := make([]namedRoot, 0, len(names))
	for _, name := range names {
		root, err := engine.Compile(list[name])
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", name, err)
		}
		roots = append(roots, namedRoot{name: name, root: root})
	}

	return &Compiled{engine: engine, roots: roots}, nil
}

// Evaluate evaluates every rule against r, in name order
func (c *Compiled) Evaluate(r computed.Reader) (Result, error) {
	result := make(Result, len(c.roots))
	for _, nr := range c.roots {
		matched, err := c.engine.Evaluate(nr.root, r)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", nr.name, err)
		}
		result[nr.name] = matched
	}
	return result, nil
}

// Expressions returns the compiled form of every rule keyed by name
func (c *Compiled) Expressions() map[string]string {
	out := make(map[string]string, len(c.roots))
	for _, nr := range c.roots {
		out[nr.name] = nr.root.Expression()
	}
	return out
}

// ComputeStep adapts c to a compute step producing {"rules": Result}
func (c *Compiled) ComputeStep() computed.ComputeFunc {
	return func(r computed.Reader) (store.State, error) {
		result, err := c.Evaluate(r)
		if err != nil {
			return nil, err
		}
		return store.State{Field: result}, nil
	}
}

// BuildComputeStep compiles list once and returns the compute step that
// evaluates the cached roots on every call.
func BuildComputeStep(engine Engine, list RuleList) (computed.ComputeFunc, error) {
	c, err := Compile(engine, list)
	if err != nil {
		return nil, err
	}
	return c.ComputeStep(), nil
}

// NewOrchestrator compiles list and wraps the compute step in an Orchestrator
func NewOrchestrator(engine Engine, list RuleList, opts ...computed.Option) (*computed.Orchestrator, error) {
	step, err := BuildComputeStep(engine, list)
	if err != nil {
		return nil, err
	}
	return computed.New(step, opts...), nil
}

// Middleware compiles list with the CEL engine and returns store middleware
// that keeps rule results under the "rules" field.
// Misconfigured rules fail here, before any store exists.
func Middleware(list RuleList, opts ...computed.Option) (store.Middleware, error) {
	o, err := NewOrchestrator(nil, list, opts...)
	if err != nil {
		return nil, err
	}
	return o.Wrap, nil
}

// Of returns the rule results held in state, or nil when there are none
func Of(state store.State) Result {
	r, _ := state[Field].(Result)
	return r
}
