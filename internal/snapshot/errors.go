package snapshot

import "errors"

// Error taxonomy shared by the cache, the remote adapters and the engine.
// Callers match with errors.Is; concrete errors wrap one of these.
var (
	// ErrLocalPersistence marks a failed local cache read or write
	// (quota, disabled storage, serialization).
	ErrLocalPersistence = errors.New("local persistence failed")

	// ErrRemoteUnavailable marks a remote store that could not be reached.
	ErrRemoteUnavailable = errors.New("remote unavailable")

	// ErrStaleWrite marks a remote write whose version did not advance the
	// stored document.
	ErrStaleWrite = errors.New("stale write rejected")

	// ErrMalformedDocument marks a document that failed to parse or validate.
	ErrMalformedDocument = errors.New("malformed document")
)
