package computed

import "time"

// Outcome classifies one orchestrator decision
type Outcome string

const (
	OutcomeInitial    Outcome = "initial"    // construction-time computation
	OutcomeRecomputed Outcome = "recomputed" // gate required a new computation
	OutcomeSkipped    Outcome = "skipped"    // gate allowed reuse of derived fields
	OutcomeUnchanged  Outcome = "unchanged"  // update carried no new values, write elided
	OutcomeFailed     Outcome = "failed"     // invalid update or compute step error
)

// Event describes one decision taken while handling a mutation or construction
type Event struct {
	Store        string
	Outcome      Outcome
	Duration     time.Duration // time spent in the compute step, zero when it did not run
	Dependencies int
	Err          error
}

// Observer receives an Event for every orchestrator decision.
// Observe runs inline with the mutation and must not call back into the store.
type Observer interface {
	Observe(e Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(e Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Stats are cumulative counters for one orchestrator
type Stats struct {
	Computations int64 `json:"computations"` // compute step invocations, including the initial one
	Skips        int64 `json:"skips"`
	Unchanged    int64 `json:"unchanged"`
	Failures     int64 `json:"failures"`
}
