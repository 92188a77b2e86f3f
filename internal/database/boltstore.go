// internal/database/boltstore.go - BoltDB implementation of Store
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	DevicesBucket       = []byte("devices")
	AlertsBucket        = []byte("alerts")
	ActiveAlertsBucket  = []byte("alerts_active")
	NotificationsBucket = []byte("notifications")
	MetricsBucket       = []byte("metric_history")
	MetaBucket          = []byte("meta")
)

// errStopIteration aborts a ForEach early once a result limit is reached.
var errStopIteration = errors.New("stop iteration")

type BoltStore struct {
	db   *bbolt.DB
	path string
}

func NewBoltStore(path string) (Store, error) {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open BoltDB: %w", err)
	}

	store := &BoltStore{db: db, path: path}

	if err := store.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return store, nil
}

func (s *BoltStore) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{DevicesBucket, AlertsBucket, ActiveAlertsBucket, NotificationsBucket, MetricsBucket, MetaBucket}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

// activeAlertKey indexes the single active alert per (device, metric, value)
// tuple. The index entry lives and dies in the same transaction as the
// alert row it points at.
func activeAlertKey(deviceID, metricName, currentValue string) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s", deviceID, metricName, currentValue))
}

func metricKey(deviceID string, ts time.Time) []byte {
	return []byte(fmt.Sprintf("%s:%s", deviceID, ts.UTC().Format(time.RFC3339Nano)))
}

func (s *BoltStore) GetDevices(ctx context.Context, filters DeviceFilters) ([]Device, error) {
	var devices []Device

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(DevicesBucket)
		return b.ForEach(func(k, v []byte) error {
			var device Device
			if err := json.Unmarshal(v, &device); err != nil {
				return fmt.Errorf("failed to unmarshal device %s: %w", k, err)
			}

			if filters.Group != "" && device.Group != filters.Group {
				return nil
			}
			if filters.Status != "" && device.Status != filters.Status {
				return nil
			}
			if filters.Enabled != nil && device.MonitoringEnabled != *filters.Enabled {
				return nil
			}

			devices = append(devices, device)
			return nil
		})
	})

	return devices, err
}

func (s *BoltStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	var device Device

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(DevicesBucket)
		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("device %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(v, &device)
	})

	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (s *BoltStore) CreateDevice(ctx context.Context, device *Device) error {
	if device.ID == "" {
		device.ID = uuid.New().String()
	}
	if device.Status == "" {
		device.Status = StatusUnknown
	}
	device.CreatedAt = time.Now()
	device.UpdatedAt = time.Now()

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(DevicesBucket)

		data, err := json.Marshal(device)
		if err != nil {
			return fmt.Errorf("failed to marshal device: %w", err)
		}

		return b.Put([]byte(device.ID), data)
	})
}

func (s *BoltStore) UpdateDevice(ctx context.Context, device *Device) error {
	device.UpdatedAt = time.Now()

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(DevicesBucket)

		data, err := json.Marshal(device)
		if err != nil {
			return fmt.Errorf("failed to marshal device: %w", err)
		}

		return b.Put([]byte(device.ID), data)
	})
}

func (s *BoltStore) DeleteDevice(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(DevicesBucket)
		return b.Delete([]byte(id))
	})
}

// UpdateDeviceStatus commits one sweep's result for one device in a single
// transaction. lastSeen is only advanced when the probe succeeded (non-nil);
// responseTimeMs mirrors the probe exactly, so nil clears a stale reading.
func (s *BoltStore) UpdateDeviceStatus(ctx context.Context, id string, status DeviceStatus, lastSeen *time.Time, responseTimeMs *float64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(DevicesBucket)
		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("device %s: %w", id, ErrNotFound)
		}

		var device Device
		if err := json.Unmarshal(v, &device); err != nil {
			return fmt.Errorf("failed to unmarshal device %s: %w", id, err)
		}

		device.Status = status
		if lastSeen != nil {
			device.LastSeen = lastSeen
		}
		device.ResponseTimeMs = responseTimeMs
		device.UpdatedAt = time.Now()

		data, err := json.Marshal(&device)
		if err != nil {
			return fmt.Errorf("failed to marshal device: %w", err)
		}

		return b.Put([]byte(device.ID), data)
	})
}

func (s *BoltStore) GetAlerts(ctx context.Context, filters AlertFilters) ([]Alert, error) {
	var alerts []Alert

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(AlertsBucket)
		return b.ForEach(func(k, v []byte) error {
			var alert Alert
			if err := json.Unmarshal(v, &alert); err != nil {
				return fmt.Errorf("failed to unmarshal alert %s: %w", k, err)
			}

			if filters.DeviceID != "" && alert.DeviceID != filters.DeviceID {
				return nil
			}
			if filters.Status != "" && alert.Status != filters.Status {
				return nil
			}
			if filters.Severity != "" && alert.Severity != filters.Severity {
				return nil
			}

			alerts = append(alerts, alert)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// Most recent first, so Limit returns the alerts that matter.
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].LastOccurred.After(alerts[j].LastOccurred)
	})

	if filters.Limit > 0 && len(alerts) > filters.Limit {
		alerts = alerts[:filters.Limit]
	}

	return alerts, nil
}

func (s *BoltStore) GetAlert(ctx context.Context, id string) (*Alert, error) {
	var alert Alert

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(AlertsBucket)
		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("alert %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(v, &alert)
	})

	if err != nil {
		return nil, err
	}
	return &alert, nil
}

func (s *BoltStore) CreateAlert(ctx context.Context, alert *Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	now := time.Now()
	alert.CreatedAt = now
	alert.UpdatedAt = now
	if alert.FirstOccurred.IsZero() {
		alert.FirstOccurred = now
	}
	if alert.LastOccurred.IsZero() {
		alert.LastOccurred = now
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if alert.Status == AlertActive {
			idx := tx.Bucket(ActiveAlertsBucket)
			key := activeAlertKey(alert.DeviceID, alert.MetricName, alert.CurrentValue)
			if existing := idx.Get(key); existing != nil {
				return fmt.Errorf("active alert already exists for device %s (%s=%s)",
					alert.DeviceID, alert.MetricName, alert.CurrentValue)
			}
			if err := idx.Put(key, []byte(alert.ID)); err != nil {
				return err
			}
		}

		data, err := json.Marshal(alert)
		if err != nil {
			return fmt.Errorf("failed to marshal alert: %w", err)
		}

		return tx.Bucket(AlertsBucket).Put([]byte(alert.ID), data)
	})
}

func (s *BoltStore) SaveAlert(ctx context.Context, alert *Alert) error {
	alert.UpdatedAt = time.Now()

	return s.db.Update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(ActiveAlertsBucket)
		key := activeAlertKey(alert.DeviceID, alert.MetricName, alert.CurrentValue)

		if alert.Status == AlertActive {
			if err := idx.Put(key, []byte(alert.ID)); err != nil {
				return err
			}
		} else if existing := idx.Get(key); existing != nil && string(existing) == alert.ID {
			// Only unlink the index when it still points at this alert; a
			// newer active alert for the same tuple owns the entry otherwise.
			if err := idx.Delete(key); err != nil {
				return err
			}
		}

		data, err := json.Marshal(alert)
		if err != nil {
			return fmt.Errorf("failed to marshal alert: %w", err)
		}

		return tx.Bucket(AlertsBucket).Put([]byte(alert.ID), data)
	})
}

func (s *BoltStore) FindActiveAlert(ctx context.Context, deviceID, metricName, currentValue string) (*Alert, error) {
	var alert Alert

	err := s.db.View(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(ActiveAlertsBucket)
		id := idx.Get(activeAlertKey(deviceID, metricName, currentValue))
		if id == nil {
			return fmt.Errorf("active alert for device %s: %w", deviceID, ErrNotFound)
		}

		v := tx.Bucket(AlertsBucket).Get(id)
		if v == nil {
			return fmt.Errorf("alert %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(v, &alert)
	})

	if err != nil {
		return nil, err
	}
	return &alert, nil
}

func (s *BoltStore) GetNotifications(ctx context.Context, filters NotificationFilters) ([]AlertNotification, error) {
	var notifications []AlertNotification

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(NotificationsBucket)
		err := b.ForEach(func(k, v []byte) error {
			var n AlertNotification
			if err := json.Unmarshal(v, &n); err != nil {
				return fmt.Errorf("failed to unmarshal notification %s: %w", k, err)
			}

			if filters.AlertID != "" && n.AlertID != filters.AlertID {
				return nil
			}
			if filters.Status != "" && n.Status != filters.Status {
				return nil
			}
			if filters.DueBefore != nil {
				if n.NextRetry == nil || n.NextRetry.After(*filters.DueBefore) {
					return nil
				}
			}

			notifications = append(notifications, n)

			if filters.Limit > 0 && len(notifications) >= filters.Limit {
				return errStopIteration
			}
			return nil
		})
		if errors.Is(err, errStopIteration) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(notifications, func(i, j int) bool {
		return notifications[i].CreatedAt.Before(notifications[j].CreatedAt)
	})

	return notifications, nil
}

func (s *BoltStore) GetNotification(ctx context.Context, id string) (*AlertNotification, error) {
	var n AlertNotification

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(NotificationsBucket)
		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("notification %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(v, &n)
	})

	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *BoltStore) CreateNotification(ctx context.Context, n *AlertNotification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.CreatedAt = time.Now()
	n.UpdatedAt = n.CreatedAt

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(NotificationsBucket)

		data, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("failed to marshal notification: %w", err)
		}

		return b.Put([]byte(n.ID), data)
	})
}

func (s *BoltStore) SaveNotification(ctx context.Context, n *AlertNotification) error {
	n.UpdatedAt = time.Now()

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(NotificationsBucket)

		data, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("failed to marshal notification: %w", err)
		}

		return b.Put([]byte(n.ID), data)
	})
}

func (s *BoltStore) AppendMetric(ctx context.Context, sample MetricSample) error {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(MetricsBucket)

		data, err := json.Marshal(&sample)
		if err != nil {
			return fmt.Errorf("failed to marshal metric sample: %w", err)
		}

		return b.Put(metricKey(sample.DeviceID, sample.Timestamp), data)
	})
}

func (s *BoltStore) GetMetrics(ctx context.Context, deviceID string, since time.Time) ([]MetricSample, error) {
	var samples []MetricSample

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(MetricsBucket).Cursor()

		prefix := deviceID + ":"
		for k, v := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			var sample MetricSample
			if err := json.Unmarshal(v, &sample); err != nil {
				continue
			}

			if sample.Timestamp.After(since) {
				samples = append(samples, sample)
			}
		}

		return nil
	})

	return samples, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
