// internal/web/alert_handlers.go - Alert lifecycle operations and delivery visibility
package web

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"fleetwatch/internal/database"
	"fleetwatch/internal/monitoring"
)

type acknowledgeRequest struct {
	AcknowledgedBy string `json:"acknowledged_by" binding:"required"`
	Note           string `json:"note"`
}

type resolveRequest struct {
	ResolvedBy string `json:"resolved_by" binding:"required"`
	Note       string `json:"note"`
}

type acknowledgeAllRequest struct {
	AcknowledgedBy string `json:"acknowledged_by" binding:"required"`
	Note           string `json:"note"`
	Severity       string `json:"severity"`
	DeviceID       string `json:"device_id"`
}

type bulkAcknowledgeRequest struct {
	AlertIDs       []string `json:"alert_ids" binding:"required"`
	AcknowledgedBy string   `json:"acknowledged_by" binding:"required"`
	Note           string   `json:"note"`
}

type bulkResolveRequest struct {
	AlertIDs   []string `json:"alert_ids" binding:"required"`
	ResolvedBy string   `json:"resolved_by" binding:"required"`
	Note       string   `json:"note"`
}

// AlertSummary aggregates alert state for dashboards. Severity counts only
// cover alerts still requiring attention.
type AlertSummary struct {
	Active           int            `json:"active"`
	Acknowledged     int            `json:"acknowledged"`
	Resolved         int            `json:"resolved"`
	ActiveBySeverity map[string]int `json:"active_by_severity"`
}

// NotificationSummary reports delivery state across all notifications.
type NotificationSummary struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	ByType   map[string]int `json:"by_type"`
}

// GET /api/alerts?status=&severity=&device_id=&limit=
func (s *Server) getAlerts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	filters := database.AlertFilters{
		DeviceID: c.Query("device_id"),
		Status:   database.AlertStatus(c.Query("status")),
		Severity: database.AlertSeverity(c.Query("severity")),
		Limit:    limit,
	}

	alerts, err := s.store.GetAlerts(c.Request.Context(), filters)
	if err != nil {
		logrus.WithError(err).Error("Failed to get alerts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get alerts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  alerts,
		"count": len(alerts),
	})
}

// GET /api/alerts/:id
func (s *Server) getAlert(c *gin.Context) {
	alert, err := s.store.GetAlert(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Alert not found"})
			return
		}
		logrus.WithError(err).Error("Failed to get alert")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get alert"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": alert})
}

// GET /api/alerts/summary
func (s *Server) getAlertsSummary(c *gin.Context) {
	alerts, err := s.store.GetAlerts(c.Request.Context(), database.AlertFilters{})
	if err != nil {
		logrus.WithError(err).Error("Failed to get alerts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get alerts"})
		return
	}

	summary := AlertSummary{ActiveBySeverity: make(map[string]int)}
	for _, alert := range alerts {
		switch alert.Status {
		case database.AlertActive:
			summary.Active++
			summary.ActiveBySeverity[string(alert.Severity)]++
		case database.AlertAcknowledged:
			summary.Acknowledged++
		case database.AlertResolved:
			summary.Resolved++
		}
	}

	c.JSON(http.StatusOK, gin.H{"data": summary})
}

// POST /api/alerts/:id/acknowledge
func (s *Server) acknowledgeAlert(c *gin.Context) {
	var req acknowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	alert, err := s.engine.Alerts().Acknowledge(c.Request.Context(), c.Param("id"), req.AcknowledgedBy, req.Note)
	if err != nil {
		s.alertLifecycleError(c, err, "acknowledge")
		return
	}

	if s.metrics != nil {
		s.metrics.RecordAlertEvent("acknowledged", alert.Severity)
	}
	s.hub.BroadcastAlert("alert_acknowledged", alert)

	c.JSON(http.StatusOK, gin.H{"data": alert})
}

// POST /api/alerts/:id/resolve
func (s *Server) resolveAlert(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	alert, err := s.engine.Alerts().Resolve(c.Request.Context(), c.Param("id"), req.ResolvedBy, req.Note)
	if err != nil {
		s.alertLifecycleError(c, err, "resolve")
		return
	}

	if s.metrics != nil {
		s.metrics.RecordAlertEvent("resolved", alert.Severity)
	}
	s.hub.BroadcastAlert("alert_resolved", alert)

	c.JSON(http.StatusOK, gin.H{"data": alert})
}

func (s *Server) alertLifecycleError(c *gin.Context, err error, action string) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Alert not found"})
	case errors.Is(err, monitoring.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		logrus.WithError(err).Errorf("Failed to %s alert", action)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to " + action + " alert"})
	}
}

// POST /api/alerts/acknowledge-all acknowledges every active alert matching
// the optional severity and device filters.
func (s *Server) acknowledgeAllAlerts(c *gin.Context) {
	var req acknowledgeAllRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	filters := database.AlertFilters{
		DeviceID: req.DeviceID,
		Severity: database.AlertSeverity(req.Severity),
	}

	result, err := s.engine.Alerts().AcknowledgeAll(c.Request.Context(), filters, req.AcknowledgedBy, req.Note)
	if err != nil {
		logrus.WithError(err).Error("Acknowledge-all failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Acknowledge-all failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"acknowledged": result.Count,
		"errors":       result.Failures,
	})
}

// POST /api/alerts/bulk-acknowledge
//
// Per-alert failures land in the errors list; the operation itself always
// answers 200 so callers can report partial progress.
func (s *Server) bulkAcknowledgeAlerts(c *gin.Context) {
	var req bulkAcknowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := s.engine.Alerts().BulkAcknowledge(c.Request.Context(), req.AlertIDs, req.AcknowledgedBy, req.Note)

	c.JSON(http.StatusOK, gin.H{
		"acknowledged": result.Count,
		"errors":       result.Failures,
	})
}

// POST /api/alerts/bulk-resolve
func (s *Server) bulkResolveAlerts(c *gin.Context) {
	var req bulkResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := s.engine.Alerts().BulkResolve(c.Request.Context(), req.AlertIDs, req.ResolvedBy, req.Note)

	c.JSON(http.StatusOK, gin.H{
		"resolved": result.Count,
		"errors":   result.Failures,
	})
}

// GET /api/alerts/:id/notifications lists every delivery attempt for one
// alert in the order the attempts were created.
func (s *Server) getAlertNotifications(c *gin.Context) {
	id := c.Param("id")

	if _, err := s.store.GetAlert(c.Request.Context(), id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Alert not found"})
			return
		}
		logrus.WithError(err).Error("Failed to get alert")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get alert"})
		return
	}

	notifications, err := s.store.GetNotifications(c.Request.Context(), database.NotificationFilters{AlertID: id})
	if err != nil {
		logrus.WithError(err).Error("Failed to get notifications")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get notifications"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  notifications,
		"count": len(notifications),
	})
}

// GET /api/notifications/summary
func (s *Server) getNotificationsSummary(c *gin.Context) {
	notifications, err := s.store.GetNotifications(c.Request.Context(), database.NotificationFilters{})
	if err != nil {
		logrus.WithError(err).Error("Failed to get notifications")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get notifications"})
		return
	}

	summary := NotificationSummary{
		ByStatus: make(map[string]int),
		ByType:   make(map[string]int),
	}
	for _, notification := range notifications {
		summary.Total++
		summary.ByStatus[string(notification.Status)]++
		summary.ByType[string(notification.Type)]++
	}

	c.JSON(http.StatusOK, gin.H{"data": summary})
}
