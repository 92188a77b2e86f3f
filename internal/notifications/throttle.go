// internal/notifications/throttle.go - Sliding-window dispatch rate limiting
package notifications

import (
	"sync"
	"time"

	"fleetwatch/internal/config"
)

// Throttler caps how many notifications may be dispatched inside a
// sliding window, per device and across the whole fleet. A nil Throttler
// allows everything, so callers never have to branch on configuration.
type Throttler struct {
	window       time.Duration
	maxPerDevice int
	maxTotal     int

	mu       sync.Mutex
	byDevice map[string][]time.Time
}

// NewThrottler returns nil when throttling is disabled.
func NewThrottler(cfg config.ThrottleConfig) *Throttler {
	if !cfg.Enabled {
		return nil
	}
	return &Throttler{
		window:       cfg.Window,
		maxPerDevice: cfg.MaxPerDevice,
		maxTotal:     cfg.MaxTotal,
		byDevice:     make(map[string][]time.Time),
	}
}

// Allow reports whether one more notification may go out for the device
// and records it when allowed. Stale timestamps are pruned on every call,
// so the map never outgrows the recent dispatch volume.
func (t *Throttler) Allow(deviceID string) bool {
	if t == nil {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-t.window)
	total := 0
	for id, stamps := range t.byDevice {
		kept := stamps[:0]
		for _, ts := range stamps {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(t.byDevice, id)
			continue
		}
		t.byDevice[id] = kept
		total += len(kept)
	}

	if len(t.byDevice[deviceID]) >= t.maxPerDevice || total >= t.maxTotal {
		return false
	}

	t.byDevice[deviceID] = append(t.byDevice[deviceID], time.Now())
	return true
}
