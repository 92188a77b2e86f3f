// internal/database/store.go
package database

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup misses. Callers distinguish it
// from genuine repository failures with errors.Is.
var ErrNotFound = errors.New("not found")

// Store defines the interface for database operations
type Store interface {
	// Device operations
	GetDevices(ctx context.Context, filters DeviceFilters) ([]Device, error)
	GetDevice(ctx context.Context, id string) (*Device, error)
	CreateDevice(ctx context.Context, device *Device) error
	UpdateDevice(ctx context.Context, device *Device) error
	DeleteDevice(ctx context.Context, id string) error

	// UpdateDeviceStatus is the per-device write a sweep commits: the new
	// status, lastSeen (nil leaves the stored value untouched), and the
	// measured latency (nil clears it). One transactional write per device.
	UpdateDeviceStatus(ctx context.Context, id string, status DeviceStatus, lastSeen *time.Time, responseTimeMs *float64) error

	// Alert operations
	GetAlerts(ctx context.Context, filters AlertFilters) ([]Alert, error)
	GetAlert(ctx context.Context, id string) (*Alert, error)
	CreateAlert(ctx context.Context, alert *Alert) error
	SaveAlert(ctx context.Context, alert *Alert) error

	// FindActiveAlert returns the single active alert for a
	// (device, metric, value) tuple, or ErrNotFound.
	FindActiveAlert(ctx context.Context, deviceID, metricName, currentValue string) (*Alert, error)

	// Notification operations
	GetNotifications(ctx context.Context, filters NotificationFilters) ([]AlertNotification, error)
	GetNotification(ctx context.Context, id string) (*AlertNotification, error)
	CreateNotification(ctx context.Context, n *AlertNotification) error
	SaveNotification(ctx context.Context, n *AlertNotification) error

	// Metric history (thin side effect of successful probes)
	AppendMetric(ctx context.Context, sample MetricSample) error
	GetMetrics(ctx context.Context, deviceID string, since time.Time) ([]MetricSample, error)

	// Close the database connection
	Close() error
}

// MaintenanceStore extends Store with retention and upkeep operations.
type MaintenanceStore interface {
	Store

	PurgeResolvedAlertsBefore(ctx context.Context, cutoff time.Time) (int, error)
	PurgeNotificationsBefore(ctx context.Context, cutoff time.Time) (int, error)
	PurgeMetricsBefore(ctx context.Context, cutoff time.Time) (int, error)

	Stats(ctx context.Context) (*StoreStats, error)
	Compact(ctx context.Context) error
}

// StoreStats provides information about database size and health
type StoreStats struct {
	TotalDevices       int       `json:"total_devices"`
	TotalAlerts        int       `json:"total_alerts"`
	TotalNotifications int       `json:"total_notifications"`
	TotalMetricSamples int       `json:"total_metric_samples"`
	DatabaseSize       int64     `json:"database_size_bytes"`
	OldestMetric       time.Time `json:"oldest_metric"`
	NewestMetric       time.Time `json:"newest_metric"`
}
