// internal/monitoring/alerts.go - Alert lifecycle and deduplication
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fleetwatch/internal/config"
	"fleetwatch/internal/database"
)

// ErrInvalidTransition is returned when an alert is asked to leave a state
// it is not in, e.g. acknowledging an already-resolved alert.
var ErrInvalidTransition = errors.New("invalid alert state transition")

// statusMetricName is the metric offline alerts are keyed under. Together
// with the offline value it forms the dedup identity: at most one active
// alert exists per (device, device_status, offline).
const statusMetricName = "device_status"

// AlertManager owns the alert state machine. All mutations for one device
// run under that device's lock, which together with the store's active
// index keeps the dedup invariant under concurrent sweeps.
type AlertManager struct {
	store             database.Store
	serverPattern     string
	resolvedRetention time.Duration
	metricRetention   time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewAlertManager(store database.Store, alerting config.AlertingConfig, db config.DatabaseConfig) *AlertManager {
	return &AlertManager{
		store:             store,
		serverPattern:     strings.ToLower(alerting.ServerClassPattern),
		resolvedRetention: db.ResolvedAlertRetention,
		metricRetention:   db.MetricRetention,
		locks:             make(map[string]*sync.Mutex),
	}
}

func (m *AlertManager) deviceLock(deviceID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[deviceID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[deviceID] = lock
	}
	return lock
}

func (m *AlertManager) severityFor(device *database.Device) database.AlertSeverity {
	if m.serverPattern != "" && strings.Contains(strings.ToLower(device.Class), m.serverPattern) {
		return database.SeverityCritical
	}
	return database.SeverityWarning
}

// OnOffline is called for every offline probe result, not just on status
// transitions. An existing active alert is re-confirmed in place; a
// missing one is created. The boolean reports whether a new alert was
// created, which is what triggers notification dispatch.
func (m *AlertManager) OnOffline(ctx context.Context, device *database.Device, errorReason string) (*database.Alert, bool, error) {
	lock := m.deviceLock(device.ID)
	lock.Lock()
	defer lock.Unlock()

	alert, err := m.store.FindActiveAlert(ctx, device.ID, statusMetricName, string(database.StatusOffline))
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to look up active alert: %w", err)
	}

	now := time.Now()
	if err == nil {
		alert.OccurrenceCount++
		alert.LastOccurred = now
		if saveErr := m.store.SaveAlert(ctx, alert); saveErr != nil {
			return nil, false, fmt.Errorf("failed to update alert occurrence: %w", saveErr)
		}
		logrus.WithFields(logrus.Fields{
			"alert_id":    alert.ID,
			"device":      device.Name,
			"occurrences": alert.OccurrenceCount,
		}).Debug("Offline alert re-confirmed")
		return alert, false, nil
	}

	message := fmt.Sprintf("Device %s (%s) has gone offline.", device.Name, device.Address)
	if errorReason != "" {
		message += fmt.Sprintf(" Error: %s", errorReason)
	}

	alert = &database.Alert{
		DeviceID:        device.ID,
		Title:           fmt.Sprintf("Device Offline: %s", device.Name),
		Message:         message,
		Severity:        m.severityFor(device),
		Status:          database.AlertActive,
		MetricName:      statusMetricName,
		CurrentValue:    string(database.StatusOffline),
		ThresholdValue:  string(device.Status),
		OccurrenceCount: 1,
		FirstOccurred:   now,
		LastOccurred:    now,
	}
	if err := m.store.CreateAlert(ctx, alert); err != nil {
		return nil, false, fmt.Errorf("failed to create alert: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"alert_id": alert.ID,
		"device":   device.Name,
		"severity": alert.Severity,
	}).Info("Offline alert created")
	return alert, true, nil
}

// OnOnline resolves the device's active offline alert if one exists and
// returns it; with nothing to resolve it is a no-op returning (nil, nil).
func (m *AlertManager) OnOnline(ctx context.Context, device *database.Device, resolvedBy string) (*database.Alert, error) {
	lock := m.deviceLock(device.ID)
	lock.Lock()
	defer lock.Unlock()

	alert, err := m.store.FindActiveAlert(ctx, device.ID, statusMetricName, string(database.StatusOffline))
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up active alert: %w", err)
	}

	if resolvedBy == "" {
		resolvedBy = "system"
	}
	now := time.Now()
	alert.Status = database.AlertResolved
	alert.ResolvedAt = &now
	alert.ResolvedBy = resolvedBy
	alert.ResolutionNote = "Device came back online"
	if err := m.store.SaveAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to resolve alert: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"alert_id": alert.ID,
		"device":   device.Name,
	}).Info("Offline alert resolved")
	return alert, nil
}

// Acknowledge moves an alert from active to acknowledged. Any other
// starting state is rejected with ErrInvalidTransition and the alert is
// left untouched.
func (m *AlertManager) Acknowledge(ctx context.Context, alertID, actor, note string) (*database.Alert, error) {
	alert, lock, err := m.lockAndReload(ctx, alertID)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	if alert.Status != database.AlertActive {
		return nil, fmt.Errorf("%w: cannot acknowledge alert in status %q", ErrInvalidTransition, alert.Status)
	}

	now := time.Now()
	alert.Status = database.AlertAcknowledged
	alert.AcknowledgedAt = &now
	alert.AcknowledgedBy = actor
	alert.AcknowledgmentNote = note
	if err := m.store.SaveAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to acknowledge alert: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"alert_id": alert.ID,
		"actor":    actor,
	}).Info("Alert acknowledged")
	return alert, nil
}

// Resolve moves an alert from active or acknowledged to resolved.
// Resolved is terminal; resolving again is rejected.
func (m *AlertManager) Resolve(ctx context.Context, alertID, actor, note string) (*database.Alert, error) {
	alert, lock, err := m.lockAndReload(ctx, alertID)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	if alert.Status == database.AlertResolved {
		return nil, fmt.Errorf("%w: alert is already resolved", ErrInvalidTransition)
	}

	now := time.Now()
	alert.Status = database.AlertResolved
	alert.ResolvedAt = &now
	alert.ResolvedBy = actor
	alert.ResolutionNote = note
	if err := m.store.SaveAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to resolve alert: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"alert_id": alert.ID,
		"actor":    actor,
	}).Info("Alert resolved")
	return alert, nil
}

// lockAndReload looks the alert up to learn its device, takes that
// device's lock and reloads the row under it. The caller unlocks.
func (m *AlertManager) lockAndReload(ctx context.Context, alertID string) (*database.Alert, *sync.Mutex, error) {
	alert, err := m.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, nil, err
	}

	lock := m.deviceLock(alert.DeviceID)
	lock.Lock()

	alert, err = m.store.GetAlert(ctx, alertID)
	if err != nil {
		lock.Unlock()
		return nil, nil, err
	}
	return alert, lock, nil
}

// RecordNotifications bumps an alert's notification counter after the
// dispatcher has queued deliveries for it.
func (m *AlertManager) RecordNotifications(ctx context.Context, alertID string, count int) error {
	if count <= 0 {
		return nil
	}

	alert, lock, err := m.lockAndReload(ctx, alertID)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	alert.NotificationCount += count
	return m.store.SaveAlert(ctx, alert)
}

type BulkFailure struct {
	AlertID string `json:"alert_id"`
	Reason  string `json:"reason"`
}

// BulkResult reports a bulk operation: how many alerts were updated and
// which ones failed. Successes are never rolled back.
type BulkResult struct {
	Count    int           `json:"count"`
	Failures []BulkFailure `json:"failures,omitempty"`
}

// BulkAcknowledge acknowledges each alert in turn, continuing past
// failures.
func (m *AlertManager) BulkAcknowledge(ctx context.Context, ids []string, actor, note string) BulkResult {
	if note == "" {
		note = "Bulk acknowledgment"
	}

	var result BulkResult
	for _, id := range ids {
		if _, err := m.Acknowledge(ctx, id, actor, note); err != nil {
			result.Failures = append(result.Failures, BulkFailure{AlertID: id, Reason: err.Error()})
			continue
		}
		result.Count++
	}
	return result
}

// BulkResolve resolves each alert in turn, continuing past failures.
func (m *AlertManager) BulkResolve(ctx context.Context, ids []string, actor, note string) BulkResult {
	var result BulkResult
	for _, id := range ids {
		if _, err := m.Resolve(ctx, id, actor, note); err != nil {
			result.Failures = append(result.Failures, BulkFailure{AlertID: id, Reason: err.Error()})
			continue
		}
		result.Count++
	}
	return result
}

// AcknowledgeAll acknowledges every active alert matching the filters.
// The status filter is forced to active; severity and device filters are
// honored as given.
func (m *AlertManager) AcknowledgeAll(ctx context.Context, filters database.AlertFilters, actor, note string) (BulkResult, error) {
	filters.Status = database.AlertActive
	alerts, err := m.store.GetAlerts(ctx, filters)
	if err != nil {
		return BulkResult{}, fmt.Errorf("failed to list active alerts: %w", err)
	}

	ids := make([]string, 0, len(alerts))
	for _, alert := range alerts {
		ids = append(ids, alert.ID)
	}
	return m.BulkAcknowledge(ctx, ids, actor, note), nil
}

// SchedulePeriodicPurge runs the retention purges immediately and then on
// every interval tick until the context is cancelled. Stores without
// maintenance support are left alone.
func (m *AlertManager) SchedulePeriodicPurge(ctx context.Context, interval time.Duration) {
	maint, ok := m.store.(database.MaintenanceStore)
	if !ok {
		logrus.Warn("Store has no maintenance support; retention purging disabled")
		return
	}

	go func() {
		m.runPurge(ctx, maint)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logrus.Debug("Stopping periodic purge scheduler")
				return
			case <-ticker.C:
				m.runPurge(ctx, maint)
			}
		}
	}()

	logrus.WithField("interval", interval).Info("Scheduled periodic retention purging")
}

func (m *AlertManager) runPurge(ctx context.Context, maint database.MaintenanceStore) {
	now := time.Now()

	if n, err := maint.PurgeResolvedAlertsBefore(ctx, now.Add(-m.resolvedRetention)); err != nil {
		logrus.WithError(err).Error("Failed to purge resolved alerts")
	} else if n > 0 {
		logrus.WithField("purged", n).Info("Purged resolved alerts")
	}

	if n, err := maint.PurgeNotificationsBefore(ctx, now.Add(-m.resolvedRetention)); err != nil {
		logrus.WithError(err).Error("Failed to purge notification records")
	} else if n > 0 {
		logrus.WithField("purged", n).Info("Purged notification records")
	}

	if n, err := maint.PurgeMetricsBefore(ctx, now.Add(-m.metricRetention)); err != nil {
		logrus.WithError(err).Error("Failed to purge metric history")
	} else if n > 0 {
		logrus.WithField("purged", n).Info("Purged metric samples")
	}
}
