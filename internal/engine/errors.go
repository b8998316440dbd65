package engine

import "errors"

// Sentinel errors for the engine's failure taxonomy. "Not found" is a nil
// result or a structured outcome, never an error.
var (
	// ErrNotInitialized is returned for operations before Open/setup.
	ErrNotInitialized = errors.New("engine not initialized")

	// ErrDimensionMismatch is returned when a vector's length differs from
	// the store's fixed dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrAlreadyRunning is returned when a maintenance pass is triggered
	// while an identical pass is still in flight.
	ErrAlreadyRunning = errors.New("maintenance pass already running")

	// ErrProviderUnavailable is returned when the embedding or summarizer
	// provider fails and no fallback applies.
	ErrProviderUnavailable = errors.New("provider unavailable")
)
