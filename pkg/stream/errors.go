package stream

import "errors"

// Sentinel errors for the session controller. Engine-side failures
// ([engine.ErrInference], [engine.ErrAllocation]) pass through wrapped and
// stay distinguishable via [errors.Is].
var (
	// ErrConfig means New was given an unusable configuration. No session
	// is produced.
	ErrConfig = errors.New("invalid session configuration")

	// ErrInvalidInput means Submit was called with no samples. The session
	// state is untouched.
	ErrInvalidInput = errors.New("invalid input")
)
