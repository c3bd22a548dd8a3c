package store

import "errors"

// Sentinel errors shared by all store implementations. Using sentinel
// variables lets callers detect conditions via errors.Is instead of string
// comparison.

var (
	// ErrNotFound is returned when the requested key does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrReadTimeout is returned by Subscription.Read when the bounded wait
	// elapsed without a message.
	ErrReadTimeout = errors.New("store: read timeout")

	// ErrPoolExhausted is returned when the fast pool could not be acquired
	// within its short timeout.
	ErrPoolExhausted = errors.New("store: connection pool exhausted")

	// ErrClosed is returned on operations against a closed store or
	// subscription.
	ErrClosed = errors.New("store: closed")
)
