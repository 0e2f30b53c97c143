package core

import "errors"

// Error taxonomy shared by every archive component. Callers match with
// errors.Is; implementations wrap these with context.
var (
	// ErrInvalidEvent rejects a malformed or out-of-place event.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrNotFound means the id is unknown to the tier that was asked.
	ErrNotFound = errors.New("not found")

	// ErrStorageFailure wraps an I/O failure in either store.
	ErrStorageFailure = errors.New("storage failure")

	// ErrEmbeddingUnavailable is retryable: the model is not ready or the
	// call timed out.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrIndexInsertFailure means a vector batch was not committed.
	ErrIndexInsertFailure = errors.New("index insert failure")
)
