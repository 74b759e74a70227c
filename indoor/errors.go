package indoor

import "errors"

var (
	// ErrLocked is returned by mutators and Estimate while an estimation is
	// already running on the same instance. Callers must wait for the in
	// flight call to return, the instance never queues work.
	ErrLocked = errors.New("indoor: estimator is locked")

	// ErrNotReady is returned by Estimate when sources or fingerprint are
	// missing or do not satisfy the minimum count invariants.
	ErrNotReady = errors.New("indoor: estimator is not ready")

	// ErrInvalidInput is returned by setters for out of range values,
	// undersized collections or mismatched dimensions.
	ErrInvalidInput = errors.New("indoor: invalid input")
)
