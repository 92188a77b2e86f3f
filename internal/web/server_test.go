// internal/web/server_test.go
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/config"
	"fleetwatch/internal/database"
	"fleetwatch/internal/monitoring"
)

func webTestConfig(devices ...config.DeviceConfig) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: ":0"},
		Monitoring: config.MonitoringConfig{
			Interval:            time.Hour,
			ProbeTimeout:        time.Second,
			MaxConcurrentProbes: 4,
			SweepTimeout:        5 * time.Second,
			ErrorCooldown:       time.Second,
			StopGrace:           time.Second,
		},
		Database: config.DatabaseConfig{
			CleanupInterval:        time.Hour,
			MetricRetention:        24 * time.Hour,
			ResolvedAlertRetention: 24 * time.Hour,
		},
		Alerting: config.AlertingConfig{ServerClassPattern: "server"},
		Logging:  config.LoggingConfig{Level: "info"},
		Devices:  devices,
	}
}

// newTestServer wires a real store and engine behind the router. The
// engine keeps its real prober: probe tests only use targets that fail
// address validation, so nothing touches the network.
func newTestServer(t *testing.T, devices ...config.DeviceConfig) (*Server, database.Store) {
	t.Helper()

	store, err := database.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := webTestConfig(devices...)
	engine, err := monitoring.NewEngine(cfg, store, nil, nil)
	require.NoError(t, err)

	server := NewServer(cfg, store, engine, nil)
	engine.SetBroadcaster(server.Hub())
	return server, store
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func seedDevice(t *testing.T, store database.Store, device database.Device) *database.Device {
	t.Helper()
	if device.Address == "" {
		device.Address = "192.0.2.1"
	}
	require.NoError(t, store.CreateDevice(context.Background(), &device))
	return &device
}

func seedAlert(t *testing.T, store database.Store, deviceID string, status database.AlertStatus, severity database.AlertSeverity) *database.Alert {
	t.Helper()
	alert := &database.Alert{
		DeviceID:        deviceID,
		Title:           "Device Offline: " + deviceID,
		Message:         "probe failed",
		Severity:        severity,
		Status:          status,
		MetricName:      "device_status",
		CurrentValue:    "offline",
		ThresholdValue:  "online",
		OccurrenceCount: 1,
	}
	require.NoError(t, store.CreateAlert(context.Background(), alert))
	return alert
}

func TestHealthCheck(t *testing.T) {
	server, _ := newTestServer(t)

	w := doRequest(t, server, http.MethodGet, "/api/health", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestGetVersion(t *testing.T) {
	server, _ := newTestServer(t)

	w := doRequest(t, server, http.MethodGet, "/api/version", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data VersionInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "dev", resp.Data.Version)
	assert.NotEmpty(t, resp.Data.GoVersion)
	assert.Contains(t, resp.Data.Platform, "/")
}

func TestCORSPreflight(t *testing.T) {
	server, _ := newTestServer(t)

	w := doRequest(t, server, http.MethodOptions, "/api/devices", "")

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMonitoringStatus(t *testing.T) {
	server, store := newTestServer(t)
	seedDevice(t, store, database.Device{ID: "dev-1", Name: "Core Switch", Status: database.StatusOnline, MonitoringEnabled: true})
	seedAlert(t, store, "dev-1", database.AlertActive, database.SeverityWarning)

	w := doRequest(t, server, http.MethodGet, "/api/monitoring/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data monitoring.EngineStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Data.Scheduler.Running)
	assert.Equal(t, 1, resp.Data.Devices["online"])
	assert.Equal(t, 1, resp.Data.ActiveAlerts)
}

func TestTriggerSweep_NoDevices(t *testing.T) {
	server, _ := newTestServer(t)

	w := doRequest(t, server, http.MethodPost, "/api/monitoring/sweep", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Devices int `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Zero(t, resp.Devices)
}

func TestRefreshInventory_SyncsConfiguredDevices(t *testing.T) {
	server, store := newTestServer(t, config.DeviceConfig{
		ID:      "cfg-1",
		Name:    "Branch Router",
		Address: "192.0.2.10",
		Group:   "branch",
		Enabled: true,
	})

	w := doRequest(t, server, http.MethodPost, "/api/monitoring/refresh", "")
	require.Equal(t, http.StatusOK, w.Code)

	device, err := store.GetDevice(context.Background(), "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, "Branch Router", device.Name)
	assert.True(t, device.MonitoringEnabled)
}

func TestDatabaseStats(t *testing.T) {
	server, store := newTestServer(t)
	seedDevice(t, store, database.Device{ID: "dev-1", Name: "Core Switch"})

	w := doRequest(t, server, http.MethodGet, "/api/database/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data database.StoreStats `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Data.TotalDevices)
	assert.Greater(t, resp.Data.DatabaseSize, int64(0))
}
