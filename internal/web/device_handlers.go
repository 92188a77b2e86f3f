// internal/web/device_handlers.go - Read-only inventory plus on-demand probing
package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"fleetwatch/internal/database"
	"fleetwatch/internal/monitoring"
)

// DeviceSummary aggregates fleet state for dashboards.
type DeviceSummary struct {
	Total        int            `json:"total"`
	Monitored    int            `json:"monitored"`
	ByStatus     map[string]int `json:"by_status"`
	AvgLatencyMs *float64       `json:"avg_latency_ms,omitempty"`
}

// ProbeResponse is the wire form of a single on-demand probe.
type ProbeResponse struct {
	DeviceID    string    `json:"device_id"`
	Reachable   bool      `json:"reachable"`
	LatencyMs   *float64  `json:"latency_ms,omitempty"`
	ErrorReason string    `json:"error_reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// GET /api/devices?group=&status=&enabled=
func (s *Server) getDevices(c *gin.Context) {
	filters := database.DeviceFilters{
		Group:  c.Query("group"),
		Status: database.DeviceStatus(c.Query("status")),
	}
	if enabledStr := c.Query("enabled"); enabledStr != "" {
		enabled := enabledStr == "true"
		filters.Enabled = &enabled
	}

	devices, err := s.store.GetDevices(c.Request.Context(), filters)
	if err != nil {
		logrus.WithError(err).Error("Failed to get devices")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get devices"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  devices,
		"count": len(devices),
	})
}

// GET /api/devices/:id
func (s *Server) getDevice(c *gin.Context) {
	device, err := s.store.GetDevice(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
			return
		}
		logrus.WithError(err).Error("Failed to get device")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get device"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": device})
}

// GET /api/devices/summary
func (s *Server) getDeviceSummary(c *gin.Context) {
	devices, err := s.store.GetDevices(c.Request.Context(), database.DeviceFilters{})
	if err != nil {
		logrus.WithError(err).Error("Failed to get devices")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get devices"})
		return
	}

	summary := DeviceSummary{ByStatus: make(map[string]int)}
	var latencySum float64
	var latencyCount int

	for _, device := range devices {
		summary.Total++
		if device.MonitoringEnabled {
			summary.Monitored++
		}
		summary.ByStatus[string(device.Status)]++
		if device.ResponseTimeMs != nil {
			latencySum += *device.ResponseTimeMs
			latencyCount++
		}
	}

	if latencyCount > 0 {
		avg := latencySum / float64(latencyCount)
		summary.AvgLatencyMs = &avg
	}

	c.JSON(http.StatusOK, gin.H{"data": summary})
}

// GET /api/devices/:id/metrics?since=RFC3339
func (s *Server) getDeviceMetrics(c *gin.Context) {
	id := c.Param("id")

	if _, err := s.store.GetDevice(c.Request.Context(), id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
			return
		}
		logrus.WithError(err).Error("Failed to get device")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get device"})
		return
	}

	since := time.Now().Add(-24 * time.Hour)
	if sinceStr := c.Query("since"); sinceStr != "" {
		parsed, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be an RFC3339 timestamp"})
			return
		}
		since = parsed
	}

	samples, err := s.store.GetMetrics(c.Request.Context(), id, since)
	if err != nil {
		logrus.WithError(err).Error("Failed to get metric history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get metric history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  samples,
		"count": len(samples),
	})
}

// POST /api/devices/:id/probe checks one device immediately, outside the
// sweep schedule. The result goes through the same transition and alert
// handling as a scheduled probe.
func (s *Server) probeDevice(c *gin.Context) {
	result, err := s.engine.ProbeDevice(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, database.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		case errors.Is(err, monitoring.ErrInvalidAddress):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			logrus.WithError(err).Error("On-demand probe failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Probe failed"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": ProbeResponse{
		DeviceID:    result.DeviceID,
		Reachable:   result.Reachable,
		LatencyMs:   result.LatencyMs,
		ErrorReason: result.ErrorReason,
		Timestamp:   result.Timestamp,
	}})
}
