// internal/database/models.go
package database

import (
	"time"
)

// DeviceStatus is the operational state of a device in the inventory.
type DeviceStatus string

const (
	StatusOnline      DeviceStatus = "online"
	StatusOffline     DeviceStatus = "offline"
	StatusWarning     DeviceStatus = "warning"
	StatusUnknown     DeviceStatus = "unknown"
	StatusMaintenance DeviceStatus = "maintenance"
)

// AllDeviceStatuses lists every status a device can carry, in reporting order.
var AllDeviceStatuses = []DeviceStatus{
	StatusOnline,
	StatusOffline,
	StatusWarning,
	StatusUnknown,
	StatusMaintenance,
}

// AlertSeverity classifies how urgent an alert is.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// AlertStatus is the lifecycle state of an alert.
// Alerts move active -> acknowledged -> resolved, or active -> resolved
// directly; resolved is terminal.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// NotificationType is the delivery channel for a notification.
type NotificationType string

const (
	NotificationEmail   NotificationType = "email"
	NotificationWebhook NotificationType = "webhook"
)

// NotificationStatus tracks a delivery attempt record.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
	NotificationRetry   NotificationStatus = "retry"
)

// Device is one entry in the monitored inventory. Status, LastSeen and
// ResponseTimeMs are runtime fields owned by the monitoring engine; the
// rest comes from configuration.
type Device struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Address           string            `json:"address"`
	Class             string            `json:"class"`
	Location          string            `json:"location"`
	Group             string            `json:"group"`
	Tags              map[string]string `json:"tags"`
	MonitoringEnabled bool              `json:"monitoring_enabled"`
	Status            DeviceStatus      `json:"status"`
	LastSeen          *time.Time        `json:"last_seen"`
	ResponseTimeMs    *float64          `json:"response_time_ms"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Alert is one open-or-closed condition on one device. At most one active
// alert may exist per (device, metric_name, current_value) tuple; repeat
// detections bump OccurrenceCount/LastOccurred on the existing row.
type Alert struct {
	ID                 string        `json:"id"`
	DeviceID           string        `json:"device_id"`
	Title              string        `json:"title"`
	Message            string        `json:"message"`
	Severity           AlertSeverity `json:"severity"`
	Status             AlertStatus   `json:"status"`
	MetricName         string        `json:"metric_name"`
	CurrentValue       string        `json:"current_value"`
	ThresholdValue     string        `json:"threshold_value"`
	OccurrenceCount    int           `json:"occurrence_count"`
	FirstOccurred      time.Time     `json:"first_occurred"`
	LastOccurred       time.Time     `json:"last_occurred"`
	AcknowledgedAt     *time.Time    `json:"acknowledged_at"`
	AcknowledgedBy     string        `json:"acknowledged_by"`
	AcknowledgmentNote string        `json:"acknowledgment_note"`
	ResolvedAt         *time.Time    `json:"resolved_at"`
	ResolvedBy         string        `json:"resolved_by"`
	ResolutionNote     string        `json:"resolution_note"`
	NotificationCount  int           `json:"notification_count"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// AlertNotification is one delivery attempt record per alert per
// recipient/channel. Attempts only ever grows; NextRetry is meaningful
// only while Status is retry, and once Attempts reaches MaxAttempts the
// terminal status is failed.
type AlertNotification struct {
	ID              string             `json:"id"`
	AlertID         string             `json:"alert_id"`
	Type            NotificationType   `json:"type"`
	Recipient       string             `json:"recipient"`
	Status          NotificationStatus `json:"status"`
	Attempts        int                `json:"attempts"`
	MaxAttempts     int                `json:"max_attempts"`
	LastAttempt     *time.Time         `json:"last_attempt"`
	NextRetry       *time.Time         `json:"next_retry"`
	Subject         string             `json:"subject"`
	Body            string             `json:"body"`
	ResponseMessage string             `json:"response_message"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// MetricSample is a thin latency-history side effect of a successful
// probe, not a general time-series store.
type MetricSample struct {
	DeviceID  string    `json:"device_id"`
	Kind      string    `json:"kind"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

const MetricLatency = "latency"

type DeviceFilters struct {
	Group   string
	Status  DeviceStatus
	Enabled *bool
}

type AlertFilters struct {
	DeviceID string
	Status   AlertStatus
	Severity AlertSeverity
	Limit    int
}

type NotificationFilters struct {
	AlertID   string
	Status    NotificationStatus
	DueBefore *time.Time
	Limit     int
}
