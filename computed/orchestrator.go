package computed

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/liamcoop/computedrules/store"
)

// Snapshot is the two-part view of a wrapped store: the fields supplied by
// mutations and the fields derived from them.
type Snapshot struct {
	Base    store.State
	Derived store.State
}

// View composes base and derived fields into the state consumers see
func (s Snapshot) View() store.State {
	return store.Merge(s.Base, s.Derived)
}

// Orchestrator intercepts a store's SetState, decides through its Gate whether
// the derived fields can be reused, and recomputes them through Track when not.
// One Orchestrator serves exactly one store.
type Orchestrator struct {
	id       string
	name     string
	compute  ComputeFunc
	gate     Gate
	deps     *Dependencies
	observer Observer
	logger   *slog.Logger

	derived     store.State
	derivedKeys map[string]struct{}
	mu          sync.RWMutex // guards derived and derivedKeys

	next  store.SetFunc
	get   store.GetFunc
	bound atomic.Bool

	computations atomic.Int64
	skips        atomic.Int64
	unchanged    atomic.Int64
	failures     atomic.Int64
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithPolicy selects the gate policy (ValueChange by default)
func WithPolicy(p Policy) Option {
	return func(o *Orchestrator) {
		o.gate.Policy = p
	}
}

// WithObserver registers an observer for every decision
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		o.observer = obs
	}
}

// WithLogger sets the logger used for debug output
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithName labels the orchestrator in logs and events. Defaults to a random UUID.
func WithName(name string) Option {
	return func(o *Orchestrator) {
		if name != "" {
			o.name = name
		}
	}
}

// New creates an unbound orchestrator for compute
func New(compute ComputeFunc, opts ...Option) *Orchestrator {
	id := uuid.NewString()
	o := &Orchestrator{
		id:          id,
		name:        id,
		compute:     compute,
		gate:        Gate{Policy: ValueChange},
		deps:        NewDependencies(),
		logger:      slog.Default(),
		derived:     store.State{},
		derivedKeys: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Middleware wraps a store creator with a fresh orchestrator for compute.
// Derived fields are inlined into the store state.
func Middleware(compute ComputeFunc, opts ...Option) store.Middleware {
	return New(compute, opts...).Wrap
}

// Wrap returns a creator whose store runs every mutation through o.
// The compute step runs once, unconditionally, on the initial state.
func (o *Orchestrator) Wrap(create store.Creator) store.Creator {
	return func(set store.SetFunc, get store.GetFunc, api *store.API) (store.State, error) {
		if o.compute == nil {
			return nil, fmt.Errorf("%w: compute step is nil", ErrComputeStep)
		}
		if !o.bound.CompareAndSwap(false, true) {
			return nil, ErrAlreadyBound
		}

		o.next = set
		o.get = get
		api.SetState = o.setState

		base, err := create(o.setState, get, api)
		if err != nil {
			o.bound.Store(false)
			return nil, err
		}
		if base == nil {
			base = store.State{}
		}

		derived, err := o.recompute(base, OutcomeInitial)
		if err != nil {
			o.fail(err)
			o.bound.Store(false)
			return nil, err
		}
		o.commit(derived)

		return store.Merge(base, derived), nil
	}
}

// Snapshot splits the store's current state into base and derived fields
func (o *Orchestrator) Snapshot() Snapshot {
	var state store.State
	if o.get != nil {
		state = o.get()
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	base := make(store.State, len(state))
	for k, v := range state {
		if _, ok := o.derivedKeys[k]; !ok {
			base[k] = v
		}
	}
	return Snapshot{Base: base, Derived: o.derived}
}

// Derived returns the derived-fields map from the last computation that ran.
// The same map is returned until the gate requires a recomputation.
func (o *Orchestrator) Derived() store.State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.derived
}

// Dependencies returns the live dependency set
func (o *Orchestrator) Dependencies() *Dependencies {
	return o.deps
}

// Name returns the orchestrator label
func (o *Orchestrator) Name() string {
	return o.name
}

// Policy returns the gate policy in use
func (o *Orchestrator) Policy() Policy {
	return o.gate.Policy
}

// Stats returns cumulative decision counters
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Computations: o.computations.Load(),
		Skips:        o.skips.Load(),
		Unchanged:    o.unchanged.Load(),
		Failures:     o.failures.Load(),
	}
}

// setState is installed as the store's SetState. The whole decision runs
// inside one Transform so the lower primitive applies and notifies once.
func (o *Orchestrator) setState(u store.Update) error {
	if err := store.Validate(u); err != nil {
		o.fail(err)
		return err
	}

	err := o.next(store.Transform(func(prev store.State) (store.State, error) {
		return o.apply(u, prev)
	}))
	if err != nil {
		o.fail(err)
		return err
	}
	return nil
}

// apply resolves u against prev and returns the patch the store should merge
func (o *Orchestrator) apply(u store.Update, prev store.State) (store.State, error) {
	resolved, err := store.Resolve(u, prev)
	if err != nil {
		return nil, err
	}

	base, update := o.split(prev, resolved)

	if o.gate.Policy == ValueChange {
		update = changedOnly(base, update)
		if len(update) == 0 {
			o.unchanged.Add(1)
			o.emit(Event{Outcome: OutcomeUnchanged, Dependencies: o.deps.Len()})
			return store.State{}, nil
		}
	}

	if !o.gate.ShouldRecompute(o.deps, base, update) {
		o.skips.Add(1)
		o.emit(Event{Outcome: OutcomeSkipped, Dependencies: o.deps.Len()})
		return update, nil
	}

	derived, err := o.recompute(store.Merge(base, update), OutcomeRecomputed)
	if err != nil {
		return nil, err
	}

	patch := store.Merge(update, o.dropped(derived), derived)
	o.commit(derived)
	return patch, nil
}

// split separates prev into base fields and strips derived fields from update
func (o *Orchestrator) split(prev, update store.State) (store.State, store.State) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	base := make(store.State, len(prev))
	for k, v := range prev {
		if _, ok := o.derivedKeys[k]; !ok {
			base[k] = v
		}
	}

	clean := make(store.State, len(update))
	for k, v := range update {
		if _, ok := o.derivedKeys[k]; !ok {
			clean[k] = v
		}
	}
	return base, clean
}

// dropped returns nil entries for derived fields the new result no longer has
func (o *Orchestrator) dropped(derived store.State) store.State {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := store.State{}
	for k := range o.derived {
		if _, ok := derived[k]; !ok {
			out[k] = nil
		}
	}
	return out
}

func (o *Orchestrator) recompute(base store.State, outcome Outcome) (store.State, error) {
	o.computations.Add(1)

	start := time.Now()
	derived, err := Track(base, o.deps, o.compute)
	elapsed := time.Since(start)
	if err != nil {
		return nil, err
	}

	o.logger.Debug("derived fields computed",
		"store", o.name,
		"outcome", string(outcome),
		"dependencies", o.deps.Len(),
		"duration", elapsed,
	)
	o.emit(Event{Outcome: outcome, Duration: elapsed, Dependencies: o.deps.Len()})
	return derived, nil
}

func (o *Orchestrator) commit(derived store.State) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.derived = derived
	for k := range derived {
		o.derivedKeys[k] = struct{}{}
	}
}

func (o *Orchestrator) fail(err error) {
	o.failures.Add(1)
	o.logger.Debug("mutation rejected", "store", o.name, "error", err)
	o.emit(Event{Outcome: OutcomeFailed, Dependencies: o.deps.Len(), Err: err})
}

func (o *Orchestrator) emit(e Event) {
	if o.observer == nil {
		return
	}
	e.Store = o.name
	o.observer.Observe(e)
}
