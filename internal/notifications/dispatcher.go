// internal/notifications/dispatcher.go - Persistent notification queue with retry
package notifications

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/sirupsen/logrus"

	"fleetwatch/internal/config"
	"fleetwatch/internal/database"
	"fleetwatch/internal/metrics"
)

// dispatchWorkers bounds concurrent deliveries. Transports are slow
// (SMTP handshakes, webhook round trips) but volume is small.
const dispatchWorkers = 4

// queueSize bounds the in-memory delivery queue. Overflow is not lost:
// rows stay pending in the store and the retry sweep re-enqueues them.
const queueSize = 256

// stopGrace is how long Stop waits for in-flight deliveries.
const stopGrace = 5 * time.Second

const subjectTemplate = "fleetwatch alert: {{.Device}} is {{.Status}}"

const offlineBodyTemplate = `Device Alert - OFFLINE

Device Name: {{.Device}}
Address: {{.Address}}
Status: {{.Status}}
Time: {{.Time}}
Location: {{.Location}}

The device has stopped responding to network requests.
Please check the device connectivity and power status.

Alert Details:
- Alert ID: {{.AlertID}}
- Severity: {{.Severity}}
- Occurrences: {{.Occurrences}}
- Message: {{.Message}}

This is an automated alert from the fleetwatch monitoring service.
`

const onlineBodyTemplate = `Device Alert - ONLINE

Device Name: {{.Device}}
Address: {{.Address}}
Status: {{.Status}}
Time: {{.Time}}
{{- if .ResponseTime}}
Response Time: {{.ResponseTime}}{{end}}
Location: {{.Location}}

The device has come back online and is responding normally.

Alert Details:
- Alert ID: {{.AlertID}}
- Severity: {{.Severity}}
- Message: {{.Message}}

This is an automated alert from the fleetwatch monitoring service.
`

type notificationData struct {
	Device       string
	Address      string
	Status       string
	Severity     string
	Location     string
	Group        string
	Time         string
	AlertID      string
	Message      string
	Occurrences  int
	ResponseTime string
}

// Dispatcher persists one notification row per recipient and channel,
// then delivers them from background workers so the sweep path never
// waits on a transport. Failed deliveries re-enter the queue on an
// exponential backoff schedule until they exhaust their attempts.
type Dispatcher struct {
	cfg        config.NotificationsConfig
	store      database.Store
	collector  *metrics.Collector
	transports []Transport
	recipients map[database.NotificationType][]string
	policy     RetryPolicy
	throttle   *Throttler

	subjectTmpl *template.Template
	offlineTmpl *template.Template
	onlineTmpl  *template.Template

	queue chan string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewDispatcher(cfg config.NotificationsConfig, store database.Store, collector *metrics.Collector) *Dispatcher {
	var transports []Transport
	recipients := make(map[database.NotificationType][]string)

	if cfg.Email.Enabled {
		transports = append(transports, NewEmailTransport(cfg.Email))
		recipients[database.NotificationEmail] = cfg.Email.Recipients
	}
	if cfg.Webhook.Enabled {
		transports = append(transports, NewWebhookTransport(cfg.Webhook))
		recipients[database.NotificationWebhook] = cfg.Webhook.Targets()
	}

	return &Dispatcher{
		cfg:         cfg,
		store:       store,
		collector:   collector,
		transports:  transports,
		recipients:  recipients,
		policy:      policyFromConfig(cfg),
		throttle:    NewThrottler(cfg.Throttle),
		subjectTmpl: template.Must(template.New("subject").Parse(subjectTemplate)),
		offlineTmpl: template.Must(template.New("offline").Parse(offlineBodyTemplate)),
		onlineTmpl:  template.Must(template.New("online").Parse(onlineBodyTemplate)),
		queue:       make(chan string, queueSize),
	}
}

// Start launches the delivery workers and the retry sweep. Starting a
// running dispatcher is a no-op.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	for i := 0; i < dispatchWorkers; i++ {
		d.wg.Add(1)
		go d.worker(runCtx)
	}
	d.wg.Add(1)
	go d.retryLoop(runCtx)

	d.running = true
	logrus.WithFields(logrus.Fields{
		"workers":  dispatchWorkers,
		"channels": len(d.transports),
	}).Info("Notification dispatcher started")
	return nil
}

// Stop cancels the workers and waits briefly for in-flight deliveries.
// Anything still queued stays pending in the store and is retried on the
// next start.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return
	}

	d.cancel()
	d.cancel = nil
	d.running = false

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		logrus.Warn("Notification dispatcher stop timed out; deliveries left pending")
	}
	logrus.Info("Notification dispatcher stopped")
}

// DispatchAlert fans a new offline alert out to every configured
// recipient on every channel, returning how many deliveries were queued.
func (d *Dispatcher) DispatchAlert(ctx context.Context, alert *database.Alert, device *database.Device) (int, error) {
	subject, body, err := d.render(alert, device, false)
	if err != nil {
		return 0, err
	}
	return d.dispatch(ctx, alert, device, subject, body), nil
}

// DispatchRecovery sends the all-clear for a resolved alert through the
// same queue and bookkeeping as the alert itself.
func (d *Dispatcher) DispatchRecovery(ctx context.Context, alert *database.Alert, device *database.Device) (int, error) {
	subject, body, err := d.render(alert, device, true)
	if err != nil {
		return 0, err
	}
	return d.dispatch(ctx, alert, device, subject, body), nil
}

// dispatch persists and enqueues one notification per recipient and
// channel. Row-level store failures are logged and skipped; the rest of
// the fan-out proceeds.
func (d *Dispatcher) dispatch(ctx context.Context, alert *database.Alert, device *database.Device, subject, body string) int {
	queued := 0
	for _, transport := range d.transports {
		for _, recipient := range d.recipients[transport.Type()] {
			n := &database.AlertNotification{
				AlertID:     alert.ID,
				Type:        transport.Type(),
				Recipient:   recipient,
				Status:      database.NotificationPending,
				MaxAttempts: d.policy.MaxAttempts,
				Subject:     subject,
				Body:        body,
			}

			if !d.throttle.Allow(device.ID) {
				n.Status = database.NotificationFailed
				n.ResponseMessage = "throttled"
				if err := d.store.CreateNotification(ctx, n); err != nil {
					logrus.WithError(err).WithField("alert_id", alert.ID).Error("Failed to record throttled notification")
					continue
				}
				d.recordOutcome(transport.Type(), "throttled")
				logrus.WithFields(logrus.Fields{
					"device":    device.Name,
					"channel":   transport.Type(),
					"recipient": recipient,
				}).Warn("Notification throttled")
				continue
			}

			if err := d.store.CreateNotification(ctx, n); err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{
					"alert_id":  alert.ID,
					"channel":   transport.Type(),
					"recipient": recipient,
				}).Error("Failed to persist notification")
				continue
			}
			queued++
			d.enqueue(n.ID)
		}
	}
	return queued
}

// enqueue hands a notification to the workers without ever blocking the
// caller. On overflow the row simply stays pending for the retry sweep.
func (d *Dispatcher) enqueue(id string) {
	select {
	case d.queue <- id:
	default:
		logrus.WithField("notification_id", id).Warn("Dispatch queue full; delivery deferred")
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.queue:
			d.attempt(ctx, id)
		}
	}
}

// attempt runs one delivery try and advances the notification's state:
// sent on success, retry with a backoff deadline while attempts remain,
// failed once they are exhausted.
func (d *Dispatcher) attempt(ctx context.Context, id string) {
	n, err := d.store.GetNotification(ctx, id)
	if err != nil {
		logrus.WithError(err).WithField("notification_id", id).Error("Failed to load notification")
		return
	}
	if n.Status != database.NotificationPending && n.Status != database.NotificationRetry {
		// Already delivered or dead; a duplicate enqueue is harmless.
		return
	}

	transport := d.transportFor(n.Type)
	if transport == nil {
		n.Status = database.NotificationFailed
		n.NextRetry = nil
		n.ResponseMessage = "channel not configured"
		d.saveOutcome(ctx, n, "failed")
		return
	}

	now := time.Now()
	n.Attempts++
	n.LastAttempt = &now

	if err := transport.Send(ctx, n.Recipient, n.Subject, n.Body); err != nil {
		n.ResponseMessage = err.Error()
		if n.Attempts < n.MaxAttempts {
			next := now.Add(d.policy.Backoff(n.Attempts))
			n.Status = database.NotificationRetry
			n.NextRetry = &next
			d.saveOutcome(ctx, n, "retry")
			logrus.WithError(err).WithFields(logrus.Fields{
				"notification_id": n.ID,
				"channel":         n.Type,
				"attempt":         n.Attempts,
				"next_retry":      next.Format(time.RFC3339),
			}).Warn("Notification delivery failed; will retry")
			return
		}

		n.Status = database.NotificationFailed
		n.NextRetry = nil
		d.saveOutcome(ctx, n, "failed")
		logrus.WithError(err).WithFields(logrus.Fields{
			"notification_id": n.ID,
			"channel":         n.Type,
			"attempts":        n.Attempts,
		}).Error("Notification delivery failed permanently")
		return
	}

	n.Status = database.NotificationSent
	n.NextRetry = nil
	n.ResponseMessage = ""
	d.saveOutcome(ctx, n, "sent")
	logrus.WithFields(logrus.Fields{
		"notification_id": n.ID,
		"channel":         n.Type,
		"recipient":       n.Recipient,
		"attempts":        n.Attempts,
	}).Info("Notification delivered")
}

func (d *Dispatcher) retryLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.requeueDue(ctx)
		}
	}
}

// requeueDue feeds deliveries whose backoff expired back into the queue,
// plus pending rows that sat for a full retry interval (queue overflow,
// or a crash between persist and delivery).
func (d *Dispatcher) requeueDue(ctx context.Context) {
	now := time.Now()
	due, err := d.store.GetNotifications(ctx, database.NotificationFilters{
		Status:    database.NotificationRetry,
		DueBefore: &now,
	})
	if err != nil {
		logrus.WithError(err).Error("Failed to list due notifications")
		return
	}

	pending, err := d.store.GetNotifications(ctx, database.NotificationFilters{
		Status: database.NotificationPending,
	})
	if err != nil {
		logrus.WithError(err).Error("Failed to list pending notifications")
		return
	}
	for _, n := range pending {
		if now.Sub(n.UpdatedAt) >= d.cfg.RetryInterval {
			due = append(due, n)
		}
	}

	for i := range due {
		d.enqueue(due[i].ID)
	}
	if len(due) > 0 {
		logrus.WithField("count", len(due)).Debug("Requeued notifications for delivery")
	}
}

func (d *Dispatcher) transportFor(kind database.NotificationType) Transport {
	for _, t := range d.transports {
		if t.Type() == kind {
			return t
		}
	}
	return nil
}

func (d *Dispatcher) saveOutcome(ctx context.Context, n *database.AlertNotification, outcome string) {
	if err := d.store.SaveNotification(ctx, n); err != nil {
		logrus.WithError(err).WithField("notification_id", n.ID).Error("Failed to save notification state")
		return
	}
	d.recordOutcome(n.Type, outcome)
}

func (d *Dispatcher) recordOutcome(kind database.NotificationType, outcome string) {
	if d.collector != nil {
		d.collector.RecordNotification(kind, outcome)
	}
}

// render produces the subject and body for one alert or recovery event.
// Recovery reuses the alert row but reports the comeback, so its message
// and severity are rewritten rather than echoing the offline text.
func (d *Dispatcher) render(alert *database.Alert, device *database.Device, recovery bool) (string, string, error) {
	data := notificationData{
		Device:      device.Name,
		Address:     device.Address,
		Status:      strings.ToUpper(string(database.StatusOffline)),
		Severity:    strings.ToUpper(string(alert.Severity)),
		Location:    device.Location,
		Group:       device.Group,
		Time:        time.Now().Format("2006-01-02 15:04:05"),
		AlertID:     alert.ID,
		Message:     alert.Message,
		Occurrences: alert.OccurrenceCount,
	}
	if data.Location == "" {
		data.Location = "Not specified"
	}

	bodyTmpl := d.offlineTmpl
	if recovery {
		bodyTmpl = d.onlineTmpl
		data.Status = strings.ToUpper(string(database.StatusOnline))
		data.Severity = "INFO"
		data.Message = fmt.Sprintf("Device %s (%s) is now online and responding.", device.Name, device.Address)
		if device.ResponseTimeMs != nil {
			data.ResponseTime = fmt.Sprintf("%.1fms", *device.ResponseTimeMs)
		}
	}

	var subject strings.Builder
	if err := d.subjectTmpl.Execute(&subject, data); err != nil {
		return "", "", fmt.Errorf("failed to render notification subject: %w", err)
	}
	var body strings.Builder
	if err := bodyTmpl.Execute(&body, data); err != nil {
		return "", "", fmt.Errorf("failed to render notification body: %w", err)
	}
	return subject.String(), body.String(), nil
}
