// internal/database/maintenance.go - retention purging and upkeep for BoltStore
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

// PurgeResolvedAlertsBefore removes resolved alerts whose resolution is
// older than cutoff, together with their notification records. Active and
// acknowledged alerts are never purged.
func (s *BoltStore) PurgeResolvedAlertsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deletedCount := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		alerts := tx.Bucket(AlertsBucket)
		notifications := tx.Bucket(NotificationsBucket)

		var alertKeys [][]byte
		purged := make(map[string]bool)

		cursor := alerts.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var alert Alert
			if err := json.Unmarshal(v, &alert); err != nil {
				continue
			}
			if alert.Status != AlertResolved {
				continue
			}
			if alert.ResolvedAt == nil || alert.ResolvedAt.After(cutoff) {
				continue
			}

			alertKeys = append(alertKeys, copyBytes(k))
			purged[alert.ID] = true
		}

		for _, key := range alertKeys {
			if err := alerts.Delete(key); err != nil {
				logrus.WithError(err).Error("Failed to delete resolved alert")
				continue
			}
			deletedCount++
		}

		// Drop the purged alerts' notification records in the same pass.
		var notifKeys [][]byte
		nc := notifications.Cursor()
		for k, v := nc.First(); k != nil; k, v = nc.Next() {
			var n AlertNotification
			if err := json.Unmarshal(v, &n); err != nil {
				continue
			}
			if purged[n.AlertID] {
				notifKeys = append(notifKeys, copyBytes(k))
			}
		}
		for _, key := range notifKeys {
			notifications.Delete(key)
		}

		return nil
	})

	if err != nil {
		return 0, fmt.Errorf("failed to purge resolved alerts: %w", err)
	}

	if deletedCount > 0 {
		logrus.WithFields(logrus.Fields{
			"deleted_count": deletedCount,
			"cutoff_time":   cutoff,
		}).Info("Purged resolved alerts")
	}

	return deletedCount, nil
}

// PurgeNotificationsBefore removes terminal (sent or failed) notification
// records created before cutoff. Pending and retry records are kept so an
// in-flight delivery never loses its bookkeeping.
func (s *BoltStore) PurgeNotificationsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deletedCount := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(NotificationsBucket)

		var keysToDelete [][]byte
		cursor := b.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var n AlertNotification
			if err := json.Unmarshal(v, &n); err != nil {
				continue
			}
			if n.Status != NotificationSent && n.Status != NotificationFailed {
				continue
			}
			if n.CreatedAt.After(cutoff) {
				continue
			}
			keysToDelete = append(keysToDelete, copyBytes(k))
		}

		for _, key := range keysToDelete {
			if err := b.Delete(key); err != nil {
				logrus.WithError(err).Error("Failed to delete notification record")
				continue
			}
			deletedCount++
		}

		return nil
	})

	if err != nil {
		return 0, fmt.Errorf("failed to purge notifications: %w", err)
	}

	if deletedCount > 0 {
		logrus.WithFields(logrus.Fields{
			"deleted_count": deletedCount,
			"cutoff_time":   cutoff,
		}).Info("Purged notification records")
	}

	return deletedCount, nil
}

// PurgeMetricsBefore removes latency samples older than cutoff.
func (s *BoltStore) PurgeMetricsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deletedCount := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(MetricsBucket)

		var keysToDelete [][]byte
		cursor := b.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var sample MetricSample
			if err := json.Unmarshal(v, &sample); err != nil {
				continue
			}
			if sample.Timestamp.Before(cutoff) {
				keysToDelete = append(keysToDelete, copyBytes(k))
			}
		}

		for _, key := range keysToDelete {
			if err := b.Delete(key); err != nil {
				logrus.WithError(err).Error("Failed to delete metric sample")
				continue
			}
			deletedCount++
		}

		return nil
	})

	if err != nil {
		return 0, fmt.Errorf("failed to purge metric history: %w", err)
	}

	if deletedCount > 0 {
		logrus.WithFields(logrus.Fields{
			"deleted_count": deletedCount,
			"cutoff_time":   cutoff,
		}).Info("Purged metric history")
	}

	return deletedCount, nil
}

// Stats returns information about database size and health
func (s *BoltStore) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{}

	err := s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(DevicesBucket); b != nil {
			stats.TotalDevices = b.Stats().KeyN
		}
		if b := tx.Bucket(AlertsBucket); b != nil {
			stats.TotalAlerts = b.Stats().KeyN
		}
		if b := tx.Bucket(NotificationsBucket); b != nil {
			stats.TotalNotifications = b.Stats().KeyN
		}

		if b := tx.Bucket(MetricsBucket); b != nil {
			stats.TotalMetricSamples = b.Stats().KeyN

			cursor := b.Cursor()
			if k, v := cursor.First(); k != nil && v != nil {
				var sample MetricSample
				if err := json.Unmarshal(v, &sample); err == nil {
					stats.OldestMetric = sample.Timestamp
				}
			}
			if k, v := cursor.Last(); k != nil && v != nil {
				var sample MetricSample
				if err := json.Unmarshal(v, &sample); err == nil {
					stats.NewestMetric = sample.Timestamp
				}
			}
		}

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to get store stats: %w", err)
	}

	if fileInfo, err := os.Stat(s.path); err == nil {
		stats.DatabaseSize = fileInfo.Size()
	}

	return stats, nil
}

// Compact rewrites the database into a fresh file and swaps it in. BoltDB
// never shrinks a file in place, so this is the only way to reclaim space
// after large purges.
func (s *BoltStore) Compact(ctx context.Context) error {
	logrus.Info("Starting database compaction")

	tmpPath := s.path + ".compact.tmp"

	newDB, err := bbolt.Open(tmpPath, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create compact database: %w", err)
	}

	defer func() {
		newDB.Close()
		os.Remove(tmpPath)
	}()

	buckets := [][]byte{DevicesBucket, AlertsBucket, ActiveAlertsBucket, NotificationsBucket, MetricsBucket, MetaBucket}

	err = newDB.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range buckets {
			if _, err := tx.CreateBucket(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to initialize compact database: %w", err)
	}

	err = s.db.View(func(oldTx *bbolt.Tx) error {
		return newDB.Update(func(newTx *bbolt.Tx) error {
			for _, bucketName := range buckets {
				oldBucket := oldTx.Bucket(bucketName)
				newBucket := newTx.Bucket(bucketName)

				if oldBucket == nil {
					continue
				}

				cursor := oldBucket.Cursor()
				for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
					if err := newBucket.Put(copyBytes(k), copyBytes(v)); err != nil {
						return fmt.Errorf("failed to copy data: %w", err)
					}
				}
			}

			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("failed to copy data to compact database: %w", err)
	}

	oldPath := s.path
	newDB.Close()
	s.db.Close()

	if err := os.Rename(tmpPath, oldPath); err != nil {
		return fmt.Errorf("failed to replace database: %w", err)
	}

	s.db, err = bbolt.Open(oldPath, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to reopen compacted database: %w", err)
	}

	logrus.Info("Database compaction completed")
	return nil
}

// copyBytes creates a copy of a byte slice
func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	copied := make([]byte, len(b))
	copy(copied, b)
	return copied
}
