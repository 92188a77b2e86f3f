// internal/monitoring/scheduler.go - Sweep cadence and lifecycle
package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fleetwatch/internal/config"
)

// TickFunc runs one sweep and reports how many devices it covered.
type TickFunc func(ctx context.Context) (int, error)

// Scheduler drives the sweep loop: one tick immediately on start, then
// one per interval. A failing tick is logged and followed by a shorter
// cooldown wait instead of killing the loop. There is exactly one loop
// goroutine per started scheduler.
type Scheduler struct {
	interval  time.Duration
	cooldown  time.Duration
	stopGrace time.Duration
	tick      TickFunc

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	statusMu         sync.RWMutex
	lastSweepStart   *time.Time
	lastSweepEnd     *time.Time
	lastSweepDevices int
	nextSweep        *time.Time
}

// SchedulerStatus is a point-in-time snapshot for the ops surface.
type SchedulerStatus struct {
	Running          bool          `json:"running"`
	Interval         time.Duration `json:"interval"`
	LastSweepStart   *time.Time    `json:"last_sweep_start,omitempty"`
	LastSweepEnd     *time.Time    `json:"last_sweep_end,omitempty"`
	LastSweepDevices int           `json:"last_sweep_devices"`
	NextSweep        *time.Time    `json:"next_sweep,omitempty"`
}

func NewScheduler(cfg config.MonitoringConfig, tick TickFunc) *Scheduler {
	return &Scheduler{
		interval:  cfg.Interval,
		cooldown:  cfg.ErrorCooldown,
		stopGrace: cfg.StopGrace,
		tick:      tick,
	}
}

// Start spawns the sweep loop. Starting a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(loopCtx)

	logrus.WithField("interval", s.interval).Info("Monitoring scheduler started")
	return nil
}

// Stop cancels the loop and waits up to the stop grace period for the
// in-flight sweep to finish. Probes already running complete on their own
// timeouts; nothing is hard-killed.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()

	select {
	case <-done:
	case <-time.After(s.stopGrace):
		logrus.Warn("Sweep still running after stop grace period; abandoning it")
	}

	s.mu.Lock()
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	logrus.Info("Monitoring scheduler stopped")
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	s.statusMu.RLock()
	defer s.statusMu.RUnlock()

	status := SchedulerStatus{
		Running:          running,
		Interval:         s.interval,
		LastSweepStart:   s.lastSweepStart,
		LastSweepEnd:     s.lastSweepEnd,
		LastSweepDevices: s.lastSweepDevices,
	}
	if running {
		status.NextSweep = s.nextSweep
	}
	return status
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := s.runTick(ctx)

		wait := s.interval
		if err != nil {
			wait = s.cooldown
		}

		next := time.Now().Add(wait)
		s.statusMu.Lock()
		s.nextSweep = &next
		s.statusMu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) error {
	start := time.Now()
	s.statusMu.Lock()
	s.lastSweepStart = &start
	s.statusMu.Unlock()

	devices, err := s.tick(ctx)

	end := time.Now()
	s.statusMu.Lock()
	s.lastSweepEnd = &end
	s.lastSweepDevices = devices
	s.statusMu.Unlock()

	if err != nil {
		logrus.WithError(err).WithField("cooldown", s.cooldown).Error("Sweep failed; backing off")
		return err
	}

	logrus.WithFields(logrus.Fields{
		"devices":  devices,
		"duration": end.Sub(start),
	}).Debug("Sweep completed")
	return nil
}
