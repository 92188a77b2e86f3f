// internal/metrics/prometheus.go
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"fleetwatch/internal/database"
)

// Prometheus metrics
var (
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_probes_total",
			Help: "Total number of reachability probes executed",
		},
		[]string{"device", "result"},
	)

	ProbeLatency = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetwatch_device_latency_ms",
			Help: "Last observed round-trip latency per device in milliseconds",
		},
		[]string{"device"},
	)

	DeviceStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetwatch_device_status",
			Help: "Current device status (0=online, 1=warning, 2=offline, 3=unknown, 4=maintenance)",
		},
		[]string{"device", "group"},
	)

	FleetDevices = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetwatch_fleet_devices",
			Help: "Number of devices per status",
		},
		[]string{"status"},
	)

	SweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetwatch_sweeps_total",
			Help: "Total number of fleet sweeps started",
		},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetwatch_sweep_duration_seconds",
			Help:    "Time spent running fleet sweeps",
			Buckets: prometheus.DefBuckets,
		},
	)

	MonitoredDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetwatch_monitored_devices",
			Help: "Number of devices with monitoring enabled",
		},
	)

	ActiveAlerts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetwatch_active_alerts",
			Help: "Number of alerts currently in active status",
		},
	)

	AlertEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_alert_events_total",
			Help: "Alert lifecycle events by kind and severity",
		},
		[]string{"event", "severity"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_notifications_total",
			Help: "Notification delivery outcomes by channel",
		},
		[]string{"type", "status"},
	)

	DatabaseOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_database_operations_total",
			Help: "Total database operations performed",
		},
		[]string{"operation", "status"},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetwatch_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)
)

type Collector struct {
	store database.Store
}

func NewCollector(store database.Store) *Collector {
	return &Collector{store: store}
}

// RecordProbe tracks one probe outcome and refreshes the per-device gauges.
func (c *Collector) RecordProbe(device, group string, status database.DeviceStatus, latencyMs *float64) {
	ProbesTotal.WithLabelValues(device, string(status)).Inc()
	DeviceStatus.WithLabelValues(device, group).Set(statusCode(status))
	if latencyMs != nil {
		ProbeLatency.WithLabelValues(device).Set(*latencyMs)
	} else {
		ProbeLatency.DeleteLabelValues(device)
	}
}

func (c *Collector) RecordSweep(duration time.Duration, devices int) {
	SweepsTotal.Inc()
	SweepDuration.Observe(duration.Seconds())
}

func (c *Collector) RecordAlertEvent(event string, severity database.AlertSeverity) {
	AlertEvents.WithLabelValues(event, string(severity)).Inc()
}

// RecordNotification counts a delivery outcome. Outcomes are the stored
// statuses plus "throttled" for suppressed notifications.
func (c *Collector) RecordNotification(notificationType database.NotificationType, outcome string) {
	NotificationsTotal.WithLabelValues(string(notificationType), outcome).Inc()
}

func (c *Collector) RecordWebSocketConnection(delta int) {
	WebSocketConnections.Add(float64(delta))
}

// UpdateSystemMetrics refreshes the fleet-wide gauges from the store.
func (c *Collector) UpdateSystemMetrics(ctx context.Context) error {
	devices, err := c.store.GetDevices(ctx, database.DeviceFilters{})
	if err != nil {
		DatabaseOperations.WithLabelValues("get_devices", "error").Inc()
		return err
	}
	DatabaseOperations.WithLabelValues("get_devices", "success").Inc()

	monitored := 0
	perStatus := make(map[database.DeviceStatus]int)
	for _, device := range devices {
		if device.MonitoringEnabled {
			monitored++
		}
		perStatus[device.Status]++
	}
	MonitoredDevices.Set(float64(monitored))
	for _, status := range database.AllDeviceStatuses {
		FleetDevices.WithLabelValues(string(status)).Set(float64(perStatus[status]))
	}

	alerts, err := c.store.GetAlerts(ctx, database.AlertFilters{Status: database.AlertActive})
	if err != nil {
		DatabaseOperations.WithLabelValues("get_alerts", "error").Inc()
		return err
	}
	DatabaseOperations.WithLabelValues("get_alerts", "success").Inc()
	ActiveAlerts.Set(float64(len(alerts)))

	return nil
}

func statusCode(status database.DeviceStatus) float64 {
	switch status {
	case database.StatusOnline:
		return 0
	case database.StatusWarning:
		return 1
	case database.StatusOffline:
		return 2
	case database.StatusMaintenance:
		return 4
	default:
		return 3
	}
}
