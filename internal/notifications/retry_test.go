// internal/notifications/retry_test.go
package notifications

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts: 5,
		Base:        30 * time.Second,
		Multiplier:  2.0,
		Max:         15 * time.Minute,
	}

	assert.Equal(t, 30*time.Second, p.Backoff(1))
	assert.Equal(t, time.Minute, p.Backoff(2))
	assert.Equal(t, 2*time.Minute, p.Backoff(3))
	assert.Equal(t, 4*time.Minute, p.Backoff(4))
	assert.Equal(t, 8*time.Minute, p.Backoff(5))

	// Capped from here on.
	assert.Equal(t, 15*time.Minute, p.Backoff(6))
	assert.Equal(t, 15*time.Minute, p.Backoff(60))
}

func TestRetryPolicy_BackoffMonotone(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Multiplier: 1.7, Max: time.Hour}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 30; attempt++ {
		d := p.Backoff(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, time.Hour)
		prev = d
	}
}

func TestRetryPolicy_BackoffClampsBadInput(t *testing.T) {
	p := RetryPolicy{Base: 30 * time.Second, Multiplier: 2.0, Max: 15 * time.Minute}

	assert.Equal(t, 30*time.Second, p.Backoff(0))
	assert.Equal(t, 30*time.Second, p.Backoff(-4))
}
