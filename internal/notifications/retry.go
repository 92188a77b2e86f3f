// internal/notifications/retry.go - Backoff schedule for failed deliveries
package notifications

import (
	"math"
	"time"

	"fleetwatch/internal/config"
)

// RetryPolicy shapes redelivery: up to MaxAttempts tries per notification
// with exponential backoff between them.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Multiplier  float64
	Max         time.Duration
}

func policyFromConfig(cfg config.NotificationsConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Base:        cfg.BackoffBase,
		Multiplier:  cfg.BackoffMultiplier,
		Max:         cfg.BackoffMax,
	}
}

// Backoff returns the delay before the retry that follows the given
// failed attempt (1-based): Base, Base*Multiplier, Base*Multiplier², ...
// capped at Max.
func (p RetryPolicy) Backoff(failedAttempt int) time.Duration {
	if failedAttempt < 1 {
		failedAttempt = 1
	}

	delay := time.Duration(float64(p.Base) * math.Pow(p.Multiplier, float64(failedAttempt-1)))
	if delay <= 0 || delay > p.Max {
		// Overflowed or past the cap.
		return p.Max
	}
	return delay
}
