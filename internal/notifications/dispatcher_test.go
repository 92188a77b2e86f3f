// internal/notifications/dispatcher_test.go
package notifications

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/config"
	"fleetwatch/internal/database"
)

func newTestStore(t *testing.T) database.Store {
	t.Helper()

	store, err := database.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

type sentMessage struct {
	recipient string
	subject   string
	body      string
}

type fakeTransport struct {
	mu       sync.Mutex
	kind     database.NotificationType
	failures int // fail this many sends before succeeding
	calls    []sentMessage
}

func (f *fakeTransport) Type() database.NotificationType {
	return f.kind
}

func (f *fakeTransport) Send(ctx context.Context, recipient, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sentMessage{recipient, subject, body})
	if len(f.calls) <= f.failures {
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func dispatcherTestConfig() config.NotificationsConfig {
	return config.NotificationsConfig{
		Enabled:           true,
		MaxAttempts:       3,
		BackoffBase:       30 * time.Second,
		BackoffMultiplier: 2.0,
		BackoffMax:        15 * time.Minute,
		RetryInterval:     30 * time.Second,
		SendRecovery:      true,
	}
}

// newTestDispatcher wires a dispatcher to fake transports so no test ever
// opens an SMTP or HTTP connection.
func newTestDispatcher(cfg config.NotificationsConfig, store database.Store, transports map[database.NotificationType][]string, fakes ...*fakeTransport) *Dispatcher {
	d := NewDispatcher(cfg, store, nil)
	d.transports = nil
	for _, f := range fakes {
		d.transports = append(d.transports, f)
	}
	d.recipients = transports
	return d
}

func testAlert(id string) *database.Alert {
	return &database.Alert{
		ID:              id,
		DeviceID:        "cam-1",
		Title:           "Device Offline: Lobby Camera",
		Message:         "Device Lobby Camera (10.0.0.2) has gone offline. Error: no response",
		Severity:        database.SeverityWarning,
		Status:          database.AlertActive,
		OccurrenceCount: 2,
	}
}

func testDevice() *database.Device {
	return &database.Device{
		ID:       "cam-1",
		Name:     "Lobby Camera",
		Address:  "10.0.0.2",
		Group:    "cameras",
		Location: "lobby",
		Status:   database.StatusOffline,
	}
}

func TestDispatcher_DispatchAlert_RowPerRecipientAndChannel(t *testing.T) {
	store := newTestStore(t)
	email := &fakeTransport{kind: database.NotificationEmail}
	webhook := &fakeTransport{kind: database.NotificationWebhook}
	d := newTestDispatcher(dispatcherTestConfig(), store, map[database.NotificationType][]string{
		database.NotificationEmail:   {"ops@example.com", "noc@example.com"},
		database.NotificationWebhook: {"webhook"},
	}, email, webhook)

	ctx := context.Background()
	queued, err := d.DispatchAlert(ctx, testAlert("alert-1"), testDevice())
	require.NoError(t, err)
	assert.Equal(t, 3, queued)
	assert.Len(t, d.queue, 3)

	rows, err := store.GetNotifications(ctx, database.NotificationFilters{AlertID: "alert-1"})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	recipients := make(map[string]bool)
	for _, n := range rows {
		recipients[n.Recipient] = true
		assert.Equal(t, database.NotificationPending, n.Status)
		assert.Equal(t, 0, n.Attempts)
		assert.Equal(t, 3, n.MaxAttempts)
		assert.Nil(t, n.NextRetry)
		assert.Equal(t, "fleetwatch alert: Lobby Camera is OFFLINE", n.Subject)
		assert.Contains(t, n.Body, "10.0.0.2")
		assert.Contains(t, n.Body, "alert-1")
		assert.Contains(t, n.Body, "Occurrences: 2")
	}
	assert.True(t, recipients["ops@example.com"])
	assert.True(t, recipients["noc@example.com"])
	assert.True(t, recipients["webhook"])

	// Nothing was delivered yet; persistence never waits on a transport.
	assert.Zero(t, email.sendCount())
	assert.Zero(t, webhook.sendCount())
}

func TestDispatcher_Attempt_SuccessOnSecondTry(t *testing.T) {
	store := newTestStore(t)
	email := &fakeTransport{kind: database.NotificationEmail, failures: 1}
	d := newTestDispatcher(dispatcherTestConfig(), store, map[database.NotificationType][]string{
		database.NotificationEmail: {"ops@example.com"},
	}, email)

	ctx := context.Background()
	_, err := d.DispatchAlert(ctx, testAlert("alert-1"), testDevice())
	require.NoError(t, err)

	rows, err := store.GetNotifications(ctx, database.NotificationFilters{AlertID: "alert-1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	id := rows[0].ID

	// First try fails and schedules a retry one backoff step out.
	before := time.Now()
	d.attempt(ctx, id)

	n, err := store.GetNotification(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, database.NotificationRetry, n.Status)
	assert.Equal(t, 1, n.Attempts)
	require.NotNil(t, n.NextRetry)
	assert.WithinDuration(t, before.Add(30*time.Second), *n.NextRetry, 5*time.Second)
	require.NotNil(t, n.LastAttempt)
	assert.Contains(t, n.ResponseMessage, "connection refused")

	// Second try lands.
	d.attempt(ctx, id)

	n, err = store.GetNotification(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, database.NotificationSent, n.Status)
	assert.Equal(t, 2, n.Attempts)
	assert.Nil(t, n.NextRetry)
	assert.Empty(t, n.ResponseMessage)
	assert.Equal(t, 2, email.sendCount())
}

func TestDispatcher_Attempt_ExhaustedAttemptsEndFailed(t *testing.T) {
	store := newTestStore(t)
	email := &fakeTransport{kind: database.NotificationEmail, failures: 99}
	d := newTestDispatcher(dispatcherTestConfig(), store, map[database.NotificationType][]string{
		database.NotificationEmail: {"ops@example.com"},
	}, email)

	ctx := context.Background()
	_, err := d.DispatchAlert(ctx, testAlert("alert-1"), testDevice())
	require.NoError(t, err)

	rows, err := store.GetNotifications(ctx, database.NotificationFilters{AlertID: "alert-1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	id := rows[0].ID

	for i := 0; i < 3; i++ {
		d.attempt(ctx, id)
	}

	n, err := store.GetNotification(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, database.NotificationFailed, n.Status)
	assert.Equal(t, 3, n.Attempts)
	assert.Nil(t, n.NextRetry)
	assert.Contains(t, n.ResponseMessage, "connection refused")

	// A stray requeue of a dead notification is ignored.
	d.attempt(ctx, id)
	n, err = store.GetNotification(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, n.Attempts)
	assert.Equal(t, 3, email.sendCount())
}

func TestDispatcher_ThrottledNotificationsFailWithoutDelivery(t *testing.T) {
	store := newTestStore(t)
	cfg := dispatcherTestConfig()
	cfg.Throttle = config.ThrottleConfig{
		Enabled:      true,
		Window:       time.Minute,
		MaxPerDevice: 2,
		MaxTotal:     10,
	}
	email := &fakeTransport{kind: database.NotificationEmail}
	d := newTestDispatcher(cfg, store, map[database.NotificationType][]string{
		database.NotificationEmail: {"ops@example.com"},
	}, email)

	ctx := context.Background()
	device := testDevice()
	for i, id := range []string{"alert-1", "alert-2", "alert-3"} {
		queued, err := d.DispatchAlert(ctx, testAlert(id), device)
		require.NoError(t, err)
		if i < 2 {
			assert.Equal(t, 1, queued)
		} else {
			assert.Zero(t, queued)
		}
	}

	rows, err := store.GetNotifications(ctx, database.NotificationFilters{AlertID: "alert-3"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, database.NotificationFailed, rows[0].Status)
	assert.Equal(t, "throttled", rows[0].ResponseMessage)
	assert.Zero(t, rows[0].Attempts)
	assert.Nil(t, rows[0].NextRetry)
	assert.Zero(t, email.sendCount())
}

func TestDispatcher_DispatchRecovery(t *testing.T) {
	store := newTestStore(t)
	email := &fakeTransport{kind: database.NotificationEmail}
	d := newTestDispatcher(dispatcherTestConfig(), store, map[database.NotificationType][]string{
		database.NotificationEmail: {"ops@example.com"},
	}, email)

	device := testDevice()
	device.Status = database.StatusOnline
	latency := 3.7
	device.ResponseTimeMs = &latency

	ctx := context.Background()
	queued, err := d.DispatchRecovery(ctx, testAlert("alert-1"), device)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)

	rows, err := store.GetNotifications(ctx, database.NotificationFilters{AlertID: "alert-1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "fleetwatch alert: Lobby Camera is ONLINE", rows[0].Subject)
	assert.Contains(t, rows[0].Body, "come back online")
	assert.Contains(t, rows[0].Body, "Severity: INFO")
	assert.Contains(t, rows[0].Body, "3.7ms")
	assert.NotContains(t, rows[0].Body, "gone offline")
}

func TestDispatcher_StartDeliversAndStops(t *testing.T) {
	store := newTestStore(t)
	email := &fakeTransport{kind: database.NotificationEmail}
	d := newTestDispatcher(dispatcherTestConfig(), store, map[database.NotificationType][]string{
		database.NotificationEmail: {"ops@example.com"},
	}, email)

	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	require.NoError(t, d.Start(ctx)) // idempotent

	_, err := d.DispatchAlert(ctx, testAlert("alert-1"), testDevice())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		rows, err := store.GetNotifications(ctx, database.NotificationFilters{
			AlertID: "alert-1",
			Status:  database.NotificationSent,
		})
		return err == nil && len(rows) == 1
	}, 5*time.Second, 10*time.Millisecond)

	d.Stop()
	d.Stop() // harmless
}

func TestDispatcher_RequeueDue(t *testing.T) {
	store := newTestStore(t)
	cfg := dispatcherTestConfig()
	cfg.RetryInterval = 10 * time.Millisecond
	email := &fakeTransport{kind: database.NotificationEmail, failures: 1}
	d := newTestDispatcher(cfg, store, map[database.NotificationType][]string{
		database.NotificationEmail: {"ops@example.com"},
	}, email)

	ctx := context.Background()
	_, err := d.DispatchAlert(ctx, testAlert("alert-1"), testDevice())
	require.NoError(t, err)

	rows, err := store.GetNotifications(ctx, database.NotificationFilters{AlertID: "alert-1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// Drain the dispatch enqueue, fail once so the row lands in retry,
	// then force its backoff into the past.
	<-d.queue
	d.attempt(ctx, rows[0].ID)

	n, err := store.GetNotification(ctx, rows[0].ID)
	require.NoError(t, err)
	require.Equal(t, database.NotificationRetry, n.Status)
	past := time.Now().Add(-time.Second)
	n.NextRetry = &past
	require.NoError(t, store.SaveNotification(ctx, n))

	d.requeueDue(ctx)
	require.Len(t, d.queue, 1)
	assert.Equal(t, n.ID, <-d.queue)
}

func TestDispatcher_RequeueStalePending(t *testing.T) {
	store := newTestStore(t)
	cfg := dispatcherTestConfig()
	cfg.RetryInterval = 10 * time.Millisecond
	email := &fakeTransport{kind: database.NotificationEmail}
	d := newTestDispatcher(cfg, store, map[database.NotificationType][]string{
		database.NotificationEmail: {"ops@example.com"},
	}, email)

	ctx := context.Background()
	_, err := d.DispatchAlert(ctx, testAlert("alert-1"), testDevice())
	require.NoError(t, err)

	// Simulate a delivery that never happened (queue overflow or crash):
	// the row sits pending past a retry interval.
	<-d.queue
	time.Sleep(30 * time.Millisecond)

	d.requeueDue(ctx)
	assert.Len(t, d.queue, 1)
}

func TestDispatcher_NoChannelsQueuesNothing(t *testing.T) {
	store := newTestStore(t)
	d := NewDispatcher(dispatcherTestConfig(), store, nil)

	ctx := context.Background()
	queued, err := d.DispatchAlert(ctx, testAlert("alert-1"), testDevice())
	require.NoError(t, err)
	assert.Zero(t, queued)

	rows, err := store.GetNotifications(ctx, database.NotificationFilters{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}
