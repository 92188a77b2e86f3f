// internal/web/device_handlers_test.go
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/database"
)

func TestGetDevices_Filters(t *testing.T) {
	server, store := newTestServer(t)
	seedDevice(t, store, database.Device{ID: "dev-1", Name: "Core Switch", Group: "core", Status: database.StatusOnline, MonitoringEnabled: true})
	seedDevice(t, store, database.Device{ID: "dev-2", Name: "Branch Router", Group: "branch", Status: database.StatusOffline, MonitoringEnabled: true})
	seedDevice(t, store, database.Device{ID: "dev-3", Name: "Lab Printer", Group: "core", Status: database.StatusOffline, MonitoringEnabled: false})

	cases := []struct {
		name  string
		query string
		want  []string
	}{
		{"all", "", []string{"dev-1", "dev-2", "dev-3"}},
		{"by group", "?group=core", []string{"dev-1", "dev-3"}},
		{"by status", "?status=offline", []string{"dev-2", "dev-3"}},
		{"by enabled", "?enabled=false", []string{"dev-3"}},
		{"combined", "?group=core&status=offline&enabled=false", []string{"dev-3"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doRequest(t, server, http.MethodGet, "/api/devices"+tc.query, "")
			require.Equal(t, http.StatusOK, w.Code)

			var resp struct {
				Data  []database.Device `json:"data"`
				Count int               `json:"count"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, len(tc.want), resp.Count)

			got := make([]string, 0, len(resp.Data))
			for _, device := range resp.Data {
				got = append(got, device.ID)
			}
			assert.ElementsMatch(t, tc.want, got)
		})
	}
}

func TestGetDevice(t *testing.T) {
	server, store := newTestServer(t)
	seedDevice(t, store, database.Device{ID: "dev-1", Name: "Core Switch"})

	w := doRequest(t, server, http.MethodGet, "/api/devices/dev-1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data database.Device `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Core Switch", resp.Data.Name)

	w = doRequest(t, server, http.MethodGet, "/api/devices/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetDeviceSummary(t *testing.T) {
	server, store := newTestServer(t)

	latency1, latency3 := 10.0, 30.0
	seedDevice(t, store, database.Device{ID: "dev-1", Name: "a", Status: database.StatusOnline, MonitoringEnabled: true, ResponseTimeMs: &latency1})
	seedDevice(t, store, database.Device{ID: "dev-2", Name: "b", Status: database.StatusOffline, MonitoringEnabled: true})
	seedDevice(t, store, database.Device{ID: "dev-3", Name: "c", Status: database.StatusOnline, MonitoringEnabled: false, ResponseTimeMs: &latency3})

	w := doRequest(t, server, http.MethodGet, "/api/devices/summary", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data DeviceSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.Equal(t, 3, resp.Data.Total)
	assert.Equal(t, 2, resp.Data.Monitored)
	assert.Equal(t, 2, resp.Data.ByStatus["online"])
	assert.Equal(t, 1, resp.Data.ByStatus["offline"])
	require.NotNil(t, resp.Data.AvgLatencyMs)
	assert.InDelta(t, 20.0, *resp.Data.AvgLatencyMs, 0.001)
}

func TestGetDeviceMetrics(t *testing.T) {
	server, store := newTestServer(t)
	seedDevice(t, store, database.Device{ID: "dev-1", Name: "Core Switch"})

	ctx := context.Background()
	now := time.Now()
	for i, age := range []time.Duration{2 * time.Hour, 30 * time.Minute, 10 * time.Minute} {
		require.NoError(t, store.AppendMetric(ctx, database.MetricSample{
			DeviceID:  "dev-1",
			Kind:      database.MetricLatency,
			Value:     float64(i + 1),
			Timestamp: now.Add(-age),
		}))
	}

	w := doRequest(t, server, http.MethodGet, "/api/devices/dev-1/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data  []database.MetricSample `json:"data"`
		Count int                     `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Count)

	// UTC keeps the query value free of "+", which would decode as a space.
	since := now.UTC().Add(-time.Hour).Format(time.RFC3339)
	w = doRequest(t, server, http.MethodGet, "/api/devices/dev-1/metrics?since="+since, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)

	w = doRequest(t, server, http.MethodGet, "/api/devices/dev-1/metrics?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, server, http.MethodGet, "/api/devices/nope/metrics", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProbeDevice_Errors(t *testing.T) {
	server, store := newTestServer(t)
	seedDevice(t, store, database.Device{ID: "dev-1", Name: "Broken", Address: "no such address!"})

	w := doRequest(t, server, http.MethodPost, "/api/devices/nope/probe", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Address validation fails before any network activity.
	w = doRequest(t, server, http.MethodPost, "/api/devices/dev-1/probe", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid address")
}

func TestGetDevices_EmptyFleet(t *testing.T) {
	server, _ := newTestServer(t)

	w := doRequest(t, server, http.MethodGet, "/api/devices", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Zero(t, resp.Count)
}
