package orchestrator

import (
	"math"
	"time"
)

// RetryPolicy governs activity retries. Cancellation is never retried; the
// policy only applies to activity failures and infrastructure errors.
type RetryPolicy struct {
	// MaxAttempts bounds the total number of activity attempts.
	MaxAttempts int `json:"maxAttempts" yaml:"maxAttempts"`

	// InitialDelay is the backoff before the first retry.
	InitialDelay time.Duration `json:"initialDelay" yaml:"initialDelay"`

	// Multiplier grows the delay exponentially per attempt; values <= 1 fall
	// back to 2.
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`

	// MaxDelay caps the backoff.
	MaxDelay time.Duration `json:"maxDelay" yaml:"maxDelay"`
}

// DefaultRetryPolicy returns the default activity retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
	}
}

// Next returns (retry?, delay) after the supplied number of completed
// attempts.
func (p RetryPolicy) Next(attempts int) (bool, time.Duration) {
	if attempts >= p.MaxAttempts {
		return false, 0
	}
	multiplier := p.Multiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	delay := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempts-1))
	if p.MaxDelay > 0 && time.Duration(delay) > p.MaxDelay {
		delay = float64(p.MaxDelay)
	}
	return true, time.Duration(delay)
}
