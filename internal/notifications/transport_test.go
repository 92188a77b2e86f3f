// internal/notifications/transport_test.go
package notifications

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/config"
	"fleetwatch/internal/database"
)

func TestWebhookTransport_Send(t *testing.T) {
	var (
		gotContentType string
		gotPayload     webhookPayload
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &gotPayload))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	transport := NewWebhookTransport(config.WebhookConfig{URL: server.URL})
	assert.Equal(t, database.NotificationWebhook, transport.Type())

	err := transport.Send(context.Background(), "noc", "camera offline", "details")
	require.NoError(t, err)

	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "fleetwatch", gotPayload.Source)
	assert.Equal(t, "noc", gotPayload.Target)
	assert.Equal(t, "camera offline", gotPayload.Subject)
	assert.Equal(t, "details", gotPayload.Body)
	assert.False(t, gotPayload.Timestamp.IsZero())
}

func TestWebhookTransport_NonSuccessStatusIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broken", http.StatusBadGateway)
	}))
	defer server.Close()

	transport := NewWebhookTransport(config.WebhookConfig{URL: server.URL})

	err := transport.Send(context.Background(), "noc", "subject", "body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream broken")
}

func TestWebhookTransport_ConnectionRefused(t *testing.T) {
	// A server that is already closed refuses connections.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	transport := NewWebhookTransport(config.WebhookConfig{URL: url})
	err := transport.Send(context.Background(), "noc", "subject", "body")
	assert.Error(t, err)
}

func TestEmailTransport_MessageFormat(t *testing.T) {
	transport := NewEmailTransport(config.EmailConfig{
		Host: "smtp.example.com",
		Port: 587,
		From: "fleetwatch@example.com",
	})
	assert.Equal(t, database.NotificationEmail, transport.Type())

	msg := string(transport.message("ops@example.com", "camera offline", "Device went dark."))

	assert.Contains(t, msg, "From: fleetwatch@example.com\r\n")
	assert.Contains(t, msg, "To: ops@example.com\r\n")
	assert.Contains(t, msg, "Subject: camera offline\r\n")
	assert.Contains(t, msg, "MIME-Version: 1.0\r\n")
	assert.Contains(t, msg, "Content-Type: text/plain")

	// Headers and body are separated by a blank line.
	assert.Contains(t, msg, "\r\n\r\nDevice went dark.")
}
