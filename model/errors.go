package model

import "errors"

// Typed business failures. They are returned synchronously, never retried,
// and detectable via errors.Is.

var (
	// ErrDepthExceeded is returned when a thread at the maximum nesting depth
	// attempts to spawn a child.
	ErrDepthExceeded = errors.New("delegation depth exceeded")

	// ErrNotAChild is returned when a run referenced by a delegation call does
	// not belong to a child thread of the caller.
	ErrNotAChild = errors.New("run is not a child of the calling thread")
)
