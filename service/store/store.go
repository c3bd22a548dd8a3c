package store

import (
	"context"
	"time"
)

// LogEntry is a single record read back from an append-only log. Sequence ids
// are opaque but strictly ordered within one key.
type LogEntry struct {
	Sequence string `json:"sequence"`
	Payload  string `json:"payload"`
}

// Message is a single pub/sub delivery.
type Message struct {
	Channel string `json:"channel"`
	Payload string `json:"payload"`
}

// Subscription is a long-lived consumer of one or more pub/sub channels.
// Read blocks for at most the supplied timeout and returns ErrReadTimeout
// when nothing arrived, so callers can interleave housekeeping between reads.
type Subscription interface {
	Read(ctx context.Context, timeout time.Duration) (*Message, error)
	Close() error
}

// Store is the shared low-latency data service the engine runs against. It
// exposes key/value state with expiry, an append-only per-key log with bounded
// trimming, and pub/sub channels.
//
// Implementations maintain two independent connection pools: a fast pool for
// the short non-blocking operations below, and a blocking pool reserved for
// Subscribe, so long-lived consumers never starve producers. The fast pool
// fails fast with ErrPoolExhausted instead of queueing indefinitely.
type Store interface {
	// Set stores value under key; ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the value under key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Delete removes key; deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Append adds payload to the log under key, trimming the log to
	// approximately maxLen most-recent entries, and returns the sequence id.
	Append(ctx context.Context, key, payload string, maxLen int64) (string, error)

	// ReadRange returns all retained entries under key in append order.
	ReadRange(ctx context.Context, key string) ([]LogEntry, error)

	// SetTTL refreshes the expiry of the log under key.
	SetTTL(ctx context.Context, key string, ttl time.Duration) error

	// Publish sends payload to every current subscriber of channel.
	Publish(ctx context.Context, channel, payload string) error

	// Subscribe opens a subscription on the blocking pool.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	// Close releases both pools.
	Close() error
}
