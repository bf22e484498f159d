package store

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidUpdate is returned when SetState receives something that is
// neither a Patch nor a Transform, or a Transform yields no mapping.
var ErrInvalidUpdate = errors.New("update is invalid")

// State is a keyed snapshot of store fields.
// Snapshots are never mutated in place; use Merge to derive a new one.
type State map[string]any

// Clone returns a shallow copy of the state
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Keys returns the field names in sorted order
func (s State) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge builds a new state by shallow-merging patches over base, left to right.
// base and patches are left untouched.
func Merge(base State, patches ...State) State {
	size := len(base)
	for _, p := range patches {
		size += len(p)
	}

	out := make(State, size)
	for k, v := range base {
		out[k] = v
	}
	for _, p := range patches {
		for k, v := range p {
			out[k] = v
		}
	}
	return out
}

// Update is either a Patch or a Transform.
type Update interface {
	update()
}

// Patch overwrites the fields it contains and leaves the rest alone.
type Patch State

func (Patch) update() {}

// Transform computes a full or partial state from the previous full state.
type Transform func(prev State) (State, error)

func (Transform) update() {}

// Validate reports whether u is a usable update without applying it
func Validate(u Update) error {
	switch v := u.(type) {
	case Patch:
		if v == nil {
			return fmt.Errorf("%w: nil patch", ErrInvalidUpdate)
		}
	case Transform:
		if v == nil {
			return fmt.Errorf("%w: nil transform", ErrInvalidUpdate)
		}
	default:
		return fmt.Errorf("%w: unsupported update %T", ErrInvalidUpdate, u)
	}
	return nil
}

// Resolve normalizes u into a plain partial state against prev.
// Errors returned by a Transform are passed through unchanged.
func Resolve(u Update, prev State) (State, error) {
	if err := Validate(u); err != nil {
		return nil, err
	}

	switch v := u.(type) {
	case Patch:
		return State(v), nil
	case Transform:
		next, err := v(prev)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, fmt.Errorf("%w: transform returned no state", ErrInvalidUpdate)
		}
		return next, nil
	}

	// unreachable, Validate rejects everything else
	return nil, ErrInvalidUpdate
}
