// internal/monitoring/scheduler_test.go
package monitoring

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/config"
)

func schedulerConfig(interval time.Duration) config.MonitoringConfig {
	return config.MonitoringConfig{
		Interval:      interval,
		ErrorCooldown: 150 * time.Millisecond,
		StopGrace:     time.Second,
	}
}

func waitForTicks(t *testing.T, ticks <-chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ticks:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for tick %d of %d", i+1, n)
		}
	}
}

func TestScheduler_RunsImmediatelyAndPeriodically(t *testing.T) {
	ticks := make(chan struct{}, 32)
	var count atomic.Int64
	tick := func(ctx context.Context) (int, error) {
		count.Add(1)
		ticks <- struct{}{}
		return 5, nil
	}

	s := NewScheduler(schedulerConfig(20*time.Millisecond), tick)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	// First tick fires on start, not one interval later.
	waitForTicks(t, ticks, 1)
	waitForTicks(t, ticks, 2)
	assert.GreaterOrEqual(t, count.Load(), int64(3))
	assert.True(t, s.Running())
}

func TestScheduler_StartIdempotent(t *testing.T) {
	ticks := make(chan struct{}, 32)
	tick := func(ctx context.Context) (int, error) {
		select {
		case ticks <- struct{}{}:
		default:
		}
		return 0, nil
	}

	s := NewScheduler(schedulerConfig(time.Hour), tick)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	waitForTicks(t, ticks, 1)
	assert.True(t, s.Running())
}

func TestScheduler_Stop(t *testing.T) {
	var count atomic.Int64
	ticks := make(chan struct{}, 32)
	tick := func(ctx context.Context) (int, error) {
		count.Add(1)
		select {
		case ticks <- struct{}{}:
		default:
		}
		return 0, nil
	}

	s := NewScheduler(schedulerConfig(10*time.Millisecond), tick)
	require.NoError(t, s.Start(context.Background()))
	waitForTicks(t, ticks, 1)

	s.Stop()
	assert.False(t, s.Running())

	settled := count.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, count.Load(), "ticks continued after stop")

	// Stopping twice is harmless.
	s.Stop()
}

func TestScheduler_ErrorCooldown(t *testing.T) {
	var mu sync.Mutex
	var stamps []time.Time
	ticks := make(chan struct{}, 32)
	tick := func(ctx context.Context) (int, error) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		ticks <- struct{}{}
		return 0, fmt.Errorf("probe backend unavailable")
	}

	s := NewScheduler(schedulerConfig(10*time.Millisecond), tick)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	waitForTicks(t, ticks, 2)

	mu.Lock()
	gap := stamps[1].Sub(stamps[0])
	mu.Unlock()
	// Failed sweeps back off for the cooldown, not the regular interval.
	assert.GreaterOrEqual(t, gap, 100*time.Millisecond)
}

func TestScheduler_Status(t *testing.T) {
	ticks := make(chan struct{}, 32)
	tick := func(ctx context.Context) (int, error) {
		select {
		case ticks <- struct{}{}:
		default:
		}
		return 7, nil
	}

	s := NewScheduler(schedulerConfig(time.Hour), tick)

	status := s.Status()
	assert.False(t, status.Running)
	assert.Nil(t, status.NextSweep)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	waitForTicks(t, ticks, 1)

	// Give the loop a moment to record the tick outcome.
	require.Eventually(t, func() bool {
		st := s.Status()
		return st.LastSweepEnd != nil && st.NextSweep != nil
	}, 2*time.Second, 10*time.Millisecond)

	status = s.Status()
	assert.True(t, status.Running)
	assert.Equal(t, time.Hour, status.Interval)
	assert.Equal(t, 7, status.LastSweepDevices)
	require.NotNil(t, status.LastSweepStart)
	require.NotNil(t, status.NextSweep)
	assert.True(t, status.NextSweep.After(*status.LastSweepStart))
}

func TestScheduler_StopGrace(t *testing.T) {
	started := make(chan struct{})
	tick := func(ctx context.Context) (int, error) {
		close(started)
		// Ignore cancellation to simulate a wedged sweep.
		time.Sleep(3 * time.Second)
		return 0, nil
	}

	cfg := schedulerConfig(time.Hour)
	cfg.StopGrace = 50 * time.Millisecond

	s := NewScheduler(cfg, tick)
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("tick never started")
	}

	begin := time.Now()
	s.Stop()
	assert.Less(t, time.Since(begin), time.Second, "stop should give up after the grace period")
	assert.False(t, s.Running())
}
