package engine

import "errors"

// Sentinel errors distinguishing the failure classes an engine can hit.
// Implementations wrap these with backend detail; callers test with
// [errors.Is].
var (
	// ErrModel means the model reference was bad or the model could not be
	// loaded. Fatal at construction time; no engine is produced.
	ErrModel = errors.New("model unavailable")

	// ErrAllocation means decoder state could not be allocated for a call.
	// Distinct from ErrInference so callers can tell "decoding failed" from
	// "we never got to decode".
	ErrAllocation = errors.New("decoder state allocation failed")

	// ErrInference means the decode itself failed. The submitted audio was
	// not consumed; callers may retry with the same or more audio.
	ErrInference = errors.New("inference failed")
)
