package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyBackoff(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 4, InitialDelay: time.Second, Multiplier: 2, MaxDelay: 3 * time.Second}

	retry, delay := policy.Next(1)
	assert.True(t, retry)
	assert.Equal(t, time.Second, delay)

	retry, delay = policy.Next(2)
	assert.True(t, retry)
	assert.Equal(t, 2*time.Second, delay)

	// capped by MaxDelay
	retry, delay = policy.Next(3)
	assert.True(t, retry)
	assert.Equal(t, 3*time.Second, delay)

	retry, _ = policy.Next(4)
	assert.False(t, retry)
}

func TestRetryPolicyDefaultMultiplier(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, InitialDelay: 100 * time.Millisecond}
	_, first := policy.Next(1)
	_, second := policy.Next(2)
	assert.Equal(t, 100*time.Millisecond, first)
	assert.Equal(t, 200*time.Millisecond, second)
}

func TestInstanceIDDeterministic(t *testing.T) {
	assert.Equal(t, "run-abc", InstanceID("abc"))
	assert.Equal(t, InstanceID("abc"), InstanceID("abc"))
}
