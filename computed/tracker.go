package computed

import (
	"fmt"
	"sort"
	"sync"

	"github.com/liamcoop/computedrules/store"
)

// Dependencies is the append-only set of fields a compute step has read.
// Safe for concurrent use.
type Dependencies struct {
	fields map[string]struct{}
	mu     sync.RWMutex
}

// NewDependencies creates an empty dependency set
func NewDependencies() *Dependencies {
	return &Dependencies{fields: make(map[string]struct{})}
}

// Add records field. Fields are never removed.
func (d *Dependencies) Add(field string) {
	d.mu.RLock()
	_, ok := d.fields[field]
	d.mu.RUnlock()
	if ok {
		return
	}

	d.mu.Lock()
	d.fields[field] = struct{}{}
	d.mu.Unlock()
}

// Has reports whether field has ever been read
func (d *Dependencies) Has(field string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.fields[field]
	return ok
}

// Len returns the number of tracked fields
func (d *Dependencies) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.fields)
}

// Fields returns the tracked fields sorted by name
func (d *Dependencies) Fields() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.fields))
	for f := range d.fields {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Reader gives a compute step access to state fields.
// Every Get on a tracking Reader is recorded as a dependency, hit or miss.
type Reader interface {
	Get(field string) (any, bool)
}

// ComputeFunc derives fields from the state visible through r
type ComputeFunc func(r Reader) (store.State, error)

type trackingReader struct {
	state store.State
	deps  *Dependencies
}

func (r *trackingReader) Get(field string) (any, bool) {
	r.deps.Add(field)
	v, ok := r.state[field]
	return v, ok
}

// Track runs compute against state and records every field it reads into deps.
// Only top-level fields are tracked. Errors and panics from compute are
// wrapped in ErrComputeStep.
func Track(state store.State, deps *Dependencies, compute ComputeFunc) (derived store.State, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			derived = nil
			err = fmt.Errorf("%w: panic: %v", ErrComputeStep, rec)
		}
	}()

	derived, err = compute(&trackingReader{state: state, deps: deps})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrComputeStep, err)
	}
	if derived == nil {
		derived = store.State{}
	}
	return derived, nil
}

// Lookup reads field through r and asserts it to T
func Lookup[T any](r Reader, field string) (T, bool) {
	var zero T
	v, ok := r.Get(field)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// Value is Lookup without the ok flag
func Value[T any](r Reader, field string) T {
	v, _ := Lookup[T](r, field)
	return v
}
