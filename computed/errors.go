package computed

import (
	"errors"

	"github.com/liamcoop/computedrules/store"
)

var (
	// ErrInvalidUpdate is the store's invalid-update error, re-exported for callers of this package
	ErrInvalidUpdate = store.ErrInvalidUpdate

	// ErrComputeStep wraps any error or panic raised by a compute step
	ErrComputeStep = errors.New("compute step failed")

	// ErrAlreadyBound is returned when one Orchestrator is used to wrap a second store
	ErrAlreadyBound = errors.New("orchestrator is already bound to a store")
)
