// internal/notifications/transport.go - Delivery channels for alert notifications
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"fleetwatch/internal/config"
	"fleetwatch/internal/database"
)

// Transport delivers one rendered notification to one recipient. The
// dispatcher treats the outcome as a black box: nil means delivered,
// anything else feeds the retry state machine.
type Transport interface {
	Type() database.NotificationType
	Send(ctx context.Context, recipient, subject, body string) error
}

// EmailTransport submits notifications over SMTP.
type EmailTransport struct {
	cfg config.EmailConfig
}

func NewEmailTransport(cfg config.EmailConfig) *EmailTransport {
	return &EmailTransport{cfg: cfg}
}

func (t *EmailTransport) Type() database.NotificationType {
	return database.NotificationEmail
}

// Send connects to the configured SMTP host and submits one message.
// net/smtp carries no context; the retry layer above bounds how long a
// stuck delivery can matter.
func (t *EmailTransport) Send(_ context.Context, recipient, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)

	var auth smtp.Auth
	if t.cfg.Username != "" {
		auth = smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
	}

	if err := smtp.SendMail(addr, auth, t.cfg.From, []string{recipient}, t.message(recipient, subject, body)); err != nil {
		return fmt.Errorf("smtp delivery to %s failed: %w", recipient, err)
	}
	return nil
}

// message assembles the full RFC 5322 payload for one recipient.
func (t *EmailTransport) message(recipient, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", t.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", recipient)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

// WebhookTransport POSTs notifications as JSON to a fixed endpoint. The
// recipient is a logical target label carried in the payload, not a URL.
type WebhookTransport struct {
	url    string
	client *http.Client
}

func NewWebhookTransport(cfg config.WebhookConfig) *WebhookTransport {
	return &WebhookTransport{
		url:    cfg.URL,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *WebhookTransport) Type() database.NotificationType {
	return database.NotificationWebhook
}

type webhookPayload struct {
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

func (t *WebhookTransport) Send(ctx context.Context, recipient, subject, body string) error {
	payload, err := json.Marshal(webhookPayload{
		Source:    "fleetwatch",
		Target:    recipient,
		Subject:   subject,
		Body:      body,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
