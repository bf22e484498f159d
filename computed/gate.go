package computed

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/liamcoop/computedrules/store"
)

// Policy selects how the Gate decides whether derived fields may have changed
type Policy int

const (
	// ValueChange recomputes only when a tracked field receives a value
	// that is not deeply equal to its current one.
	ValueChange Policy = iota
	// KeyMembership recomputes whenever a tracked field is assigned,
	// even if the new value equals the old one.
	KeyMembership
)

func (p Policy) String() string {
	switch p {
	case ValueChange:
		return "value"
	case KeyMembership:
		return "keys"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy accepts "value" or "keys" (case-insensitive)
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "value", "value-change", "value_change":
		return ValueChange, nil
	case "keys", "key-membership", "key_membership":
		return KeyMembership, nil
	default:
		return ValueChange, fmt.Errorf("unknown gate policy %q (use value or keys)", s)
	}
}

// Gate decides whether an update can skip recomputation
type Gate struct {
	Policy Policy
}

// ShouldRecompute reports whether applying update on top of prevBase could
// change the derived fields, given the fields read so far.
// An empty dependency set or an empty update never requires recomputation.
func (g Gate) ShouldRecompute(deps *Dependencies, prevBase, update store.State) bool {
	if len(update) == 0 || deps.Len() == 0 {
		return false
	}

	for field, next := range update {
		if !deps.Has(field) {
			continue
		}
		if g.Policy == KeyMembership {
			return true
		}
		if changed(prevBase, field, next) {
			return true
		}
	}
	return false
}

// changed reports whether assigning next to field alters prev.
// Going from absent to present counts as a change, even for nil.
func changed(prev store.State, field string, next any) bool {
	cur, ok := prev[field]
	if !ok {
		return true
	}

	// DeepEqual never treats non-nil funcs as equal; actions stored in
	// state would otherwise look changed on every full-state transform.
	if cur != nil && next != nil {
		ct, nt := reflect.TypeOf(cur), reflect.TypeOf(next)
		if ct == nt && ct.Kind() == reflect.Func {
			return reflect.ValueOf(cur).Pointer() != reflect.ValueOf(next).Pointer()
		}
	}
	return !reflect.DeepEqual(cur, next)
}

// changedOnly drops the keys of update whose value already equals prev's
func changedOnly(prev, update store.State) store.State {
	out := make(store.State, len(update))
	for field, next := range update {
		if changed(prev, field, next) {
			out[field] = next
		}
	}
	return out
}
