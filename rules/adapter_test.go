package rules

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/liamcoop/computedrules/computed"
	"github.com/liamcoop/computedrules/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sameResult(a, b Result) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

func newRulesStore(t *testing.T, list RuleList, initial store.State, opts ...computed.Option) *store.Store {
	t.Helper()

	mw, err := Middleware(list, opts...)
	require.NoError(t, err)

	s, err := store.New(mw(func(store.SetFunc, store.GetFunc, *store.API) (store.State, error) {
		return initial.Clone(), nil
	}))
	require.NoError(t, err)
	return s
}

func TestRulesMiddlewareSingleThreshold(t *testing.T) {
	for _, policy := range []computed.Policy{computed.ValueChange, computed.KeyMembership} {
		t.Run(policy.String(), func(t *testing.T) {
			list := RuleList{
				"rule_01": {Connector: And, Rules: []Condition{
					leaf(KindNumber, "count", GreaterThanOrEqualTo, 10),
				}},
			}
			s := newRulesStore(t, list, store.State{"count": 1, "x": 0}, computed.WithPolicy(policy))

			assert.Equal(t, Result{"rule_01": false}, Of(s.GetState()))

			require.NoError(t, s.SetState(store.Patch{"count": 10}))
			after := Of(s.GetState())
			assert.Equal(t, Result{"rule_01": true}, after)

			require.NoError(t, s.SetState(store.Patch{"x": 5}))
			assert.True(t, sameResult(after, Of(s.GetState())))
			assert.Equal(t, 5, s.GetState()["x"])
		})
	}
}

func TestRulesMiddlewareThresholdsAndCompound(t *testing.T) {
	list := RuleList{
		"champion": {Connector: And, Rules: []Condition{
			leaf(KindNumber, "points", GreaterThanOrEqualTo, 50),
			leaf(KindBoolean, "beatFinalBoss", IsTrue, nil),
		}},
	}
	thresholds := []int{10, 20, 30, 40, 50}
	for _, th := range thresholds {
		list[fmt.Sprintf("points_%d", th)] = Definition{Connector: And, Rules: []Condition{
			leaf(KindNumber, "points", GreaterThanOrEqualTo, th),
		}}
	}

	s := newRulesStore(t, list, store.State{"points": 0, "beatFinalBoss": false})

	for _, points := range []int{0, 5, 10, 25, 40, 49, 50, 75} {
		require.NoError(t, s.SetState(store.Patch{"points": points}))
		got := Of(s.GetState())

		for _, th := range thresholds {
			name := fmt.Sprintf("points_%d", th)
			assert.Equal(t, points >= th, got[name], "points=%d rule=%s", points, name)
		}
		assert.False(t, got["champion"], "boss not beaten yet at points=%d", points)
	}

	require.NoError(t, s.SetState(store.Patch{"beatFinalBoss": true}))
	assert.True(t, Of(s.GetState())["champion"])

	require.NoError(t, s.SetState(store.Patch{"points": 10}))
	got := Of(s.GetState())
	assert.False(t, got["champion"])
	assert.True(t, got["points_10"])
	assert.False(t, got["points_20"])
}

func TestRulesMiddlewareShortCircuitDiscoversDependencies(t *testing.T) {
	list := RuleList{
		"champion": {Connector: And, Rules: []Condition{
			leaf(KindNumber, "points", GreaterThanOrEqualTo, 50),
			leaf(KindBoolean, "beatFinalBoss", IsTrue, nil),
		}},
	}
	o, err := NewOrchestrator(nil, list)
	require.NoError(t, err)

	s, err := store.New(o.Wrap(func(store.SetFunc, store.GetFunc, *store.API) (store.State, error) {
		return store.State{"points": 0, "beatFinalBoss": false}, nil
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"points"}, o.Dependencies().Fields())

	// not tracked yet, so the boss flag alone cannot flip the rule
	before := Of(s.GetState())
	require.NoError(t, s.SetState(store.Patch{"beatFinalBoss": true}))
	assert.True(t, sameResult(before, Of(s.GetState())))

	require.NoError(t, s.SetState(store.Patch{"points": 50}))
	assert.True(t, Of(s.GetState())["champion"])
	assert.Equal(t, []string{"beatFinalBoss", "points"}, o.Dependencies().Fields())
}

func TestRulesMiddlewareMisconfigured(t *testing.T) {
	_, err := Middleware(RuleList{
		"bad": {Connector: And, Rules: []Condition{leaf(KindBoolean, "b", GreaterThan, true)}},
	})
	assert.ErrorIs(t, err, ErrMisconfiguredRule)
	assert.Contains(t, err.Error(), `"bad"`)

	_, err = Middleware(RuleList{})
	assert.ErrorIs(t, err, ErrMisconfiguredRule)
}

func TestRulesMiddlewareOptionalFields(t *testing.T) {
	list := RuleList{
		"has_level": {Connector: And, Rules: []Condition{
			leaf(KindNumber, "level", GreaterThanOrEqualTo, 2),
		}},
	}

	s := newRulesStore(t, list, store.State{"count": 1})
	assert.Equal(t, Result{"has_level": false}, Of(s.GetState()))

	require.NoError(t, s.SetState(store.Patch{"level": 3}))
	assert.Equal(t, Result{"has_level": true}, Of(s.GetState()))

	require.NoError(t, s.SetState(store.Patch{"level": "3"}))
	assert.Equal(t, Result{"has_level": false}, Of(s.GetState()))

	require.NoError(t, s.SetState(store.Patch{"level": 2.5}))
	assert.Equal(t, Result{"has_level": true}, Of(s.GetState()))

	require.NoError(t, s.SetState(store.Patch{"level": nil}))
	assert.Equal(t, Result{"has_level": false}, Of(s.GetState()))
}

// faultyEngine fails every evaluation while the state's fault field is true
type faultyEngine struct {
	Engine
}

func (e faultyEngine) Evaluate(root Root, r computed.Reader) (bool, error) {
	if v, _ := r.Get("fault"); v == true {
		return false, fmt.Errorf("%w: injected fault", ErrEvaluation)
	}
	return e.Engine.Evaluate(root, r)
}

func newFaultyStore(list RuleList, initial store.State) (*store.Store, error) {
	o, err := NewOrchestrator(faultyEngine{Engine: NewCELEngine()}, list)
	if err != nil {
		return nil, err
	}
	return store.New(o.Wrap(func(store.SetFunc, store.GetFunc, *store.API) (store.State, error) {
		return initial.Clone(), nil
	}))
}

func TestRulesMiddlewareEvaluationFailure(t *testing.T) {
	list := RuleList{
		"rule_01": {Connector: And, Rules: []Condition{
			leaf(KindNumber, "count", GreaterThanOrEqualTo, 10),
		}},
	}

	// engine fault at construction
	_, err := newFaultyStore(list, store.State{"count": 1, "fault": true})
	assert.ErrorIs(t, err, computed.ErrComputeStep)
	assert.ErrorIs(t, err, ErrEvaluation)

	// engine fault on mutation leaves the state untouched
	s, err := newFaultyStore(list, store.State{"count": 1, "fault": false})
	require.NoError(t, err)
	before := s.GetState()

	err = s.SetState(store.Patch{"count": 20, "fault": true})
	assert.True(t, errors.Is(err, ErrEvaluation), "got %v", err)
	assert.Equal(t, 1, s.GetState()["count"])
	assert.True(t, sameResult(Of(before), Of(s.GetState())))
}

// countingEngine wraps an Engine and counts calls
type countingEngine struct {
	Engine
	compiles    int
	evaluations int
}

func (e *countingEngine) Compile(def Definition) (Root, error) {
	e.compiles++
	return e.Engine.Compile(def)
}

func (e *countingEngine) Evaluate(root Root, r computed.Reader) (bool, error) {
	e.evaluations++
	return e.Engine.Evaluate(root, r)
}

func TestBuildComputeStepCompilesOnce(t *testing.T) {
	engine := &countingEngine{Engine: NewCELEngine()}
	list := RuleList{
		"a": {Connector: And, Rules: []Condition{leaf(KindNumber, "n", GreaterThan, 1)}},
		"b": {Connector: And, Rules: []Condition{leaf(KindNumber, "n", LessThan, 5)}},
	}

	step, err := BuildComputeStep(engine, list)
	require.NoError(t, err)
	assert.Equal(t, 2, engine.compiles)

	for i := 0; i < 3; i++ {
		out, err := step(mapReader{"n": i})
		require.NoError(t, err)
		assert.Len(t, Of(out), 2)
	}
	assert.Equal(t, 2, engine.compiles)
	assert.Equal(t, 6, engine.evaluations)
}

func TestCompiledExpressions(t *testing.T) {
	c, err := Compile(nil, RuleList{
		"adult": {Connector: And, Rules: []Condition{leaf(KindNumber, "age", GreaterThanOrEqualTo, 18)}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"adult": "age >= 18"}, c.Expressions())
}

func TestOfWithoutRules(t *testing.T) {
	assert.Nil(t, Of(store.State{"count": 1}))
}
