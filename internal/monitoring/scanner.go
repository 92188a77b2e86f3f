// internal/monitoring/scanner.go - Concurrent fleet sweeps
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fleetwatch/internal/config"
	"fleetwatch/internal/database"
)

// ErrSweepAbandoned marks a device whose probe never started before the
// sweep deadline. The device keeps its previous status for this sweep.
var ErrSweepAbandoned = errors.New("sweep deadline exceeded")

// ProbeResult is one device's outcome from a sweep. Err is non-nil only
// when the probe could not run: the address was invalid or the sweep
// deadline expired first. Every network-level failure is plain result
// data (Reachable false plus an ErrorReason).
type ProbeResult struct {
	DeviceID    string
	Reachable   bool
	LatencyMs   *float64
	ErrorReason string
	Timestamp   time.Time
	Err         error
}

// FleetScanner probes a device list over a bounded worker pool. The pool
// is spawned fresh for each sweep and torn down when it returns.
type FleetScanner struct {
	prober       Prober
	workers      int
	probeTimeout time.Duration
	sweepTimeout time.Duration
}

func NewFleetScanner(prober Prober, cfg config.MonitoringConfig) *FleetScanner {
	return &FleetScanner{
		prober:       prober,
		workers:      cfg.MaxConcurrentProbes,
		probeTimeout: cfg.ProbeTimeout,
		sweepTimeout: cfg.SweepTimeout,
	}
}

// Sweep probes every device and returns exactly one result per device.
// A failing probe never aborts the sweep; devices whose probe could not
// start before the sweep deadline come back with ErrSweepAbandoned.
func (s *FleetScanner) Sweep(ctx context.Context, devices []database.Device) []ProbeResult {
	if len(devices) == 0 {
		return nil
	}

	sweepCtx, cancel := context.WithTimeout(ctx, s.sweepTimeout)
	defer cancel()

	workers := s.workers
	if workers > len(devices) {
		workers = len(devices)
	}

	jobs := make(chan database.Device)
	out := make(chan ProbeResult, len(devices))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for device := range jobs {
				out <- s.probeDevice(sweepCtx, device)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, device := range devices {
			select {
			case jobs <- device:
			case <-sweepCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(out)
	}()

	results := make([]ProbeResult, 0, len(devices))
	probed := make(map[string]bool, len(devices))
	for result := range out {
		results = append(results, result)
		probed[result.DeviceID] = true
	}

	// Devices never handed to a worker before the deadline still get a result.
	for _, device := range devices {
		if probed[device.ID] {
			continue
		}
		logrus.WithFields(logrus.Fields{
			"device_id": device.ID,
			"device":    device.Name,
		}).Warn("Sweep deadline reached before device was probed")
		results = append(results, ProbeResult{
			DeviceID:    device.ID,
			Timestamp:   time.Now(),
			ErrorReason: ErrSweepAbandoned.Error(),
			Err:         ErrSweepAbandoned,
		})
	}

	return results
}

type probeReply struct {
	outcome ProbeOutcome
	err     error
}

// probeDevice runs one probe with its own deadline. The probe executes in
// a child goroutine so a prober that ignores its context cannot stall the
// worker, and a panicking prober is downgraded to a failed result.
func (s *FleetScanner) probeDevice(ctx context.Context, device database.Device) ProbeResult {
	result := ProbeResult{DeviceID: device.ID, Timestamp: time.Now()}

	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	replyCh := make(chan probeReply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logrus.WithFields(logrus.Fields{
					"device_id": device.ID,
					"address":   device.Address,
					"panic":     r,
				}).Error("Probe panicked")
				replyCh <- probeReply{outcome: ProbeOutcome{ErrorReason: fmt.Sprintf("probe panic: %v", r)}}
			}
		}()
		outcome, err := s.prober.Probe(probeCtx, device.Address, s.probeTimeout)
		replyCh <- probeReply{outcome: outcome, err: err}
	}()

	select {
	case <-probeCtx.Done():
		result.ErrorReason = "timeout"
		return result
	case reply := <-replyCh:
		if reply.err != nil {
			result.Err = reply.err
			return result
		}
		result.Reachable = reply.outcome.Reachable
		result.LatencyMs = reply.outcome.LatencyMs
		result.ErrorReason = reply.outcome.ErrorReason
		return result
	}
}
