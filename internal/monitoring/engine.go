// internal/monitoring/engine.go - Wires prober, scanner, alerts and scheduler
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
	"fleetwatch/internal/metrics"
)

// ErrSweepInProgress is returned when a sweep is requested while another
// one is still running. The caller decides whether that is a warning (the
// scheduler skips the tick) or an API conflict.
var ErrSweepInProgress = errors.New("sweep already in progress")

// Notifier is the engine's view of the notification dispatcher. Dispatch
// calls return how many notifications were queued so the alert's counter
// can be updated.
type Notifier interface {
	Start(ctx context.Context) error
	Stop()
	DispatchAlert(ctx context.Context, alert *database.Alert, device *database.Device) (int, error)
	DispatchRecovery(ctx context.Context, alert *database.Alert, device *database.Device) (int, error)
}

// Broadcaster pushes engine events to connected clients. The engine holds
// it optionally; a nil broadcaster silently drops events.
type Broadcaster interface {
	BroadcastDeviceStatus(device *database.Device)
	BroadcastAlert(event string, alert *database.Alert)
}

// Engine owns the monitoring pipeline: sweep the fleet, detect
// transitions, persist status, drive the alert lifecycle and hand new
// alerts to the dispatcher.
type Engine struct {
	cfg       *config.Config
	store     database.Store
	collector *metrics.Collector
	notifier  Notifier

	prober    Prober
	scanner   *FleetScanner
	alerts    *AlertManager
	scheduler *Scheduler

	broadcaster Broadcaster

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc

	sweepMu sync.Mutex
}

func NewEngine(cfg *config.Config, store database.Store, collector *metrics.Collector, notifier Notifier) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}

	prober := NewPingProber(cfg.Monitoring.Privileged)
	engine := &Engine{
		cfg:       cfg,
		store:     store,
		collector: collector,
		notifier:  notifier,
		prober:    prober,
		scanner:   NewFleetScanner(prober, cfg.Monitoring),
		alerts:    NewAlertManager(store, cfg.Alerting, cfg.Database),
	}
	engine.scheduler = NewScheduler(cfg.Monitoring, engine.sweepTick)
	return engine, nil
}

// SetBroadcaster attaches the event sink. Call before Start.
func (e *Engine) SetBroadcaster(b Broadcaster) {
	e.broadcaster = b
}

// Alerts exposes the lifecycle manager for the ops surface.
func (e *Engine) Alerts() *AlertManager {
	return e.alerts
}

// Start syncs the device inventory, launches background maintenance and
// the sweep scheduler. Starting a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)

	if err := e.syncDevices(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to sync device inventory: %w", err)
	}

	e.alerts.SchedulePeriodicPurge(runCtx, e.cfg.Database.CleanupInterval)
	if interval := e.cfg.Database.CompactInterval; interval > 0 {
		e.scheduleCompaction(runCtx, interval)
	}

	if e.notifier != nil {
		if err := e.notifier.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("failed to start notification dispatcher: %w", err)
		}
	}

	if err := e.scheduler.Start(runCtx); err != nil {
		cancel()
		return err
	}

	e.cancel = cancel
	e.running = true
	logrus.Info("Monitoring engine started")
	return nil
}

// Stop shuts the scheduler and dispatcher down and cancels background
// maintenance.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}

	e.scheduler.Stop()
	if e.notifier != nil {
		e.notifier.Stop()
	}
	e.cancel()
	e.cancel = nil
	e.running = false

	logrus.Info("Monitoring engine stopped")
}

// RefreshConfig re-syncs the device inventory from configuration. Runtime
// state on existing devices is preserved.
func (e *Engine) RefreshConfig(ctx context.Context) error {
	return e.syncDevices(ctx)
}

// syncDevices upserts configured devices into the store. Runtime fields
// (status, last seen, latency) survive config reloads.
func (e *Engine) syncDevices(ctx context.Context) error {
	for _, dc := range e.cfg.Devices {
		device := database.Device{
			ID:                dc.ID,
			Name:              dc.Name,
			Address:           dc.Address,
			Class:             dc.Class,
			Location:          dc.Location,
			Group:             dc.Group,
			Tags:              dc.Tags,
			MonitoringEnabled: dc.Enabled,
		}

		existing, err := e.store.GetDevice(ctx, dc.ID)
		if errors.Is(err, database.ErrNotFound) {
			device.Status = database.StatusUnknown
			if err := e.store.CreateDevice(ctx, &device); err != nil {
				return fmt.Errorf("failed to create device %s: %w", dc.ID, err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load device %s: %w", dc.ID, err)
		}

		device.Status = existing.Status
		device.LastSeen = existing.LastSeen
		device.ResponseTimeMs = existing.ResponseTimeMs
		device.CreatedAt = existing.CreatedAt
		if err := e.store.UpdateDevice(ctx, &device); err != nil {
			return fmt.Errorf("failed to update device %s: %w", dc.ID, err)
		}
	}

	logrus.WithField("devices", len(e.cfg.Devices)).Info("Device inventory synced")
	return nil
}

func (e *Engine) scheduleCompaction(ctx context.Context, interval time.Duration) {
	maint, ok := e.store.(database.MaintenanceStore)
	if !ok {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := maint.Compact(ctx); err != nil {
					logrus.WithError(err).Error("Database compaction failed")
				}
			}
		}
	}()

	logrus.WithField("interval", interval).Info("Scheduled database compaction")
}

// sweepTick adapts runSweep for the scheduler: a sweep already in flight
// is a skipped tick, not an error.
func (e *Engine) sweepTick(ctx context.Context) (int, error) {
	results, err := e.runSweep(ctx)
	if errors.Is(err, ErrSweepInProgress) {
		logrus.Warn("Previous sweep still running; skipping tick")
		return 0, nil
	}
	return len(results), err
}

// RunOnce performs a single sweep outside the scheduler, used by the
// -once flag and the ops surface.
func (e *Engine) RunOnce(ctx context.Context) ([]ProbeResult, error) {
	return e.runSweep(ctx)
}

func (e *Engine) runSweep(ctx context.Context) ([]ProbeResult, error) {
	if !e.sweepMu.TryLock() {
		return nil, ErrSweepInProgress
	}
	defer e.sweepMu.Unlock()

	start := time.Now()

	enabled := true
	devices, err := e.store.GetDevices(ctx, database.DeviceFilters{Enabled: &enabled})
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	if len(devices) == 0 {
		logrus.Debug("No monitored devices; skipping sweep")
		return nil, nil
	}

	results := e.scanner.Sweep(ctx, devices)

	byID := make(map[string]*database.Device, len(devices))
	for i := range devices {
		byID[devices[i].ID] = &devices[i]
	}

	for i := range results {
		device, ok := byID[results[i].DeviceID]
		if !ok {
			continue
		}
		if err := e.applyResult(ctx, device, &results[i]); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"device_id": device.ID,
				"device":    device.Name,
			}).Error("Failed to apply probe result")
		}
	}

	if e.collector != nil {
		e.collector.RecordSweep(time.Since(start), len(devices))
	}
	return results, nil
}

// applyResult runs the per-device pipeline for one probe result: status
// transition, persistence, latency history, alert lifecycle, events.
// The device carries its pre-sweep status on entry.
func (e *Engine) applyResult(ctx context.Context, device *database.Device, result *ProbeResult) error {
	if result.Err != nil {
		// Unprobeable this sweep: previous status stands.
		logrus.WithFields(logrus.Fields{
			"device_id": device.ID,
			"device":    device.Name,
			"address":   device.Address,
		}).WithError(result.Err).Warn("Device skipped this sweep")
		return nil
	}

	newStatus, changed := DetectTransition(device.Status, result.Reachable)

	var lastSeen *time.Time
	if result.Reachable {
		lastSeen = &result.Timestamp
	}
	if err := e.store.UpdateDeviceStatus(ctx, device.ID, newStatus, lastSeen, result.LatencyMs); err != nil {
		return fmt.Errorf("failed to update device status: %w", err)
	}

	if result.Reachable && result.LatencyMs != nil {
		sample := database.MetricSample{
			DeviceID:  device.ID,
			Kind:      database.MetricLatency,
			Value:     *result.LatencyMs,
			Timestamp: result.Timestamp,
		}
		if err := e.store.AppendMetric(ctx, sample); err != nil {
			logrus.WithError(err).WithField("device_id", device.ID).Warn("Failed to record latency sample")
		}
	}

	if e.collector != nil {
		e.collector.RecordProbe(device.Name, device.Group, newStatus, result.LatencyMs)
	}

	if changed {
		logrus.WithFields(logrus.Fields{
			"device": device.Name,
			"from":   device.Status,
			"to":     newStatus,
		}).Info("Device status changed")
	}

	// The alert lifecycle runs on every result, not only on transitions,
	// so a still-offline device keeps bumping its alert's occurrence count.
	if result.Reachable {
		if err := e.processOnline(ctx, device); err != nil {
			return err
		}
	} else {
		if err := e.processOffline(ctx, device, result.ErrorReason); err != nil {
			return err
		}
	}

	if changed {
		updated := *device
		updated.Status = newStatus
		updated.ResponseTimeMs = result.LatencyMs
		if lastSeen != nil {
			updated.LastSeen = lastSeen
		}
		e.broadcastDevice(&updated)
	}

	return nil
}

func (e *Engine) processOnline(ctx context.Context, device *database.Device) error {
	resolved, err := e.alerts.OnOnline(ctx, device, "system")
	if err != nil {
		return fmt.Errorf("failed to process recovery: %w", err)
	}
	if resolved == nil {
		return nil
	}

	if e.collector != nil {
		e.collector.RecordAlertEvent("resolved", resolved.Severity)
	}
	e.broadcastAlert("alert_resolved", resolved)

	if e.notifier != nil && e.cfg.Notifications.SendRecovery {
		queued, err := e.notifier.DispatchRecovery(ctx, resolved, device)
		if err != nil {
			logrus.WithError(err).WithField("alert_id", resolved.ID).Warn("Failed to dispatch recovery notification")
			return nil
		}
		if err := e.alerts.RecordNotifications(ctx, resolved.ID, queued); err != nil {
			logrus.WithError(err).WithField("alert_id", resolved.ID).Warn("Failed to record notification count")
		}
	}
	return nil
}

func (e *Engine) processOffline(ctx context.Context, device *database.Device, errorReason string) error {
	alert, created, err := e.alerts.OnOffline(ctx, device, errorReason)
	if err != nil {
		return fmt.Errorf("failed to process offline result: %w", err)
	}
	if !created {
		return nil
	}

	if e.collector != nil {
		e.collector.RecordAlertEvent("created", alert.Severity)
	}
	e.broadcastAlert("alert_created", alert)

	if e.notifier != nil {
		queued, err := e.notifier.DispatchAlert(ctx, alert, device)
		if err != nil {
			logrus.WithError(err).WithField("alert_id", alert.ID).Warn("Failed to dispatch alert notifications")
			return nil
		}
		if err := e.alerts.RecordNotifications(ctx, alert.ID, queued); err != nil {
			logrus.WithError(err).WithField("alert_id", alert.ID).Warn("Failed to record notification count")
		}
	}
	return nil
}

// ProbeDevice probes a single device on demand and runs the result
// through the same pipeline as a sweep. ErrInvalidAddress surfaces to the
// caller; the device is left untouched in that case.
func (e *Engine) ProbeDevice(ctx context.Context, id string) (*ProbeResult, error) {
	device, err := e.store.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}

	outcome, err := e.prober.Probe(ctx, device.Address, e.cfg.Monitoring.ProbeTimeout)
	if err != nil {
		return nil, err
	}

	result := ProbeResult{
		DeviceID:    device.ID,
		Reachable:   outcome.Reachable,
		LatencyMs:   outcome.LatencyMs,
		ErrorReason: outcome.ErrorReason,
		Timestamp:   time.Now(),
	}
	if err := e.applyResult(ctx, device, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// EngineStatus is the ops-surface snapshot of the whole engine.
type EngineStatus struct {
	Scheduler    SchedulerStatus `json:"scheduler"`
	Devices      map[string]int  `json:"devices"`
	ActiveAlerts int             `json:"active_alerts"`
}

func (e *Engine) Status(ctx context.Context) (*EngineStatus, error) {
	devices, err := e.store.GetDevices(ctx, database.DeviceFilters{})
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	counts := map[string]int{"total": len(devices)}
	for _, device := range devices {
		counts[string(device.Status)]++
	}

	active, err := e.store.GetAlerts(ctx, database.AlertFilters{Status: database.AlertActive})
	if err != nil {
		return nil, fmt.Errorf("failed to list active alerts: %w", err)
	}

	return &EngineStatus{
		Scheduler:    e.scheduler.Status(),
		Devices:      counts,
		ActiveAlerts: len(active),
	}, nil
}

func (e *Engine) broadcastDevice(device *database.Device) {
	if e.broadcaster != nil {
		e.broadcaster.BroadcastDeviceStatus(device)
	}
}

func (e *Engine) broadcastAlert(event string, alert *database.Alert) {
	if e.broadcaster != nil {
		e.broadcaster.BroadcastAlert(event, alert)
	}
}
