// internal/web/server.go - HTTP ops surface
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"fleetwatch/internal/config"
	"fleetwatch/internal/database"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/monitoring"
)

// Server exposes the read-only device inventory, the alert lifecycle
// operations and the monitoring controls. There are no device
// create/update/delete endpoints: the inventory is owned by configuration and
// changed through POST /api/monitoring/refresh.
type Server struct {
	config  *config.Config
	store   database.Store
	engine  *monitoring.Engine
	metrics *metrics.Collector
	router  *gin.Engine
	hub     *Hub
	server  *http.Server
}

func NewServer(cfg *config.Config, store database.Store, engine *monitoring.Engine, metricsCollector *metrics.Collector) *Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	server := &Server{
		config:  cfg,
		store:   store,
		engine:  engine,
		metrics: metricsCollector,
		router:  router,
		hub:     NewHub(metricsCollector),
	}

	server.setupRoutes()
	return server
}

// Hub returns the WebSocket hub, which the engine uses as its event
// broadcaster.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Server.Port,
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	logrus.WithField("port", s.config.Server.Port).Info("Starting web server")

	if s.metrics != nil {
		go s.updateMetricsRoutine(ctx)
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Web server failed")
		}
	}()

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/health", s.healthCheck)
		api.GET("/version", s.getVersion)

		// Exact routes resolve before :id routes, so the summary
		// endpoints can live next to the parameterized ones.
		api.GET("/devices", s.getDevices)
		api.GET("/devices/summary", s.getDeviceSummary)
		api.GET("/devices/:id", s.getDevice)
		api.GET("/devices/:id/metrics", s.getDeviceMetrics)
		api.POST("/devices/:id/probe", s.probeDevice)

		api.GET("/alerts", s.getAlerts)
		api.GET("/alerts/summary", s.getAlertsSummary)
		api.GET("/alerts/:id", s.getAlert)
		api.GET("/alerts/:id/notifications", s.getAlertNotifications)
		api.POST("/alerts/:id/acknowledge", s.acknowledgeAlert)
		api.POST("/alerts/:id/resolve", s.resolveAlert)
		api.POST("/alerts/acknowledge-all", s.acknowledgeAllAlerts)
		api.POST("/alerts/bulk-acknowledge", s.bulkAcknowledgeAlerts)
		api.POST("/alerts/bulk-resolve", s.bulkResolveAlerts)

		api.GET("/notifications/summary", s.getNotificationsSummary)

		api.GET("/monitoring/status", s.getMonitoringStatus)
		api.POST("/monitoring/sweep", s.triggerSweep)
		api.POST("/monitoring/refresh", s.refreshInventory)

		api.GET("/database/stats", s.getDatabaseStats)
	}

	s.router.GET("/ws", s.handleWebSocket)

	if s.config.Prometheus.Enabled {
		s.router.GET(s.config.Prometheus.MetricsPath, gin.WrapH(promhttp.Handler()))
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// GET /api/monitoring/status
func (s *Server) getMonitoringStatus(c *gin.Context) {
	status, err := s.engine.Status(c.Request.Context())
	if err != nil {
		logrus.WithError(err).Error("Failed to get monitoring status")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get monitoring status"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": status})
}

// POST /api/monitoring/sweep runs one sweep outside the schedule.
func (s *Server) triggerSweep(c *gin.Context) {
	results, err := s.engine.RunOnce(c.Request.Context())
	if err != nil {
		if errors.Is(err, monitoring.ErrSweepInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": "Sweep already in progress"})
			return
		}
		logrus.WithError(err).Error("Manual sweep failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Sweep failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Sweep completed",
		"devices": len(results),
	})
}

// POST /api/monitoring/refresh re-syncs the device inventory from the
// configuration file without restarting the process.
func (s *Server) refreshInventory(c *gin.Context) {
	if err := s.engine.RefreshConfig(c.Request.Context()); err != nil {
		logrus.WithError(err).Error("Inventory refresh failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Inventory refresh failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Device inventory refreshed"})
}

// GET /api/database/stats
func (s *Server) getDatabaseStats(c *gin.Context) {
	maint, ok := s.store.(database.MaintenanceStore)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Store has no maintenance support"})
		return
	}

	stats, err := maint.Stats(c.Request.Context())
	if err != nil {
		logrus.WithError(err).Error("Failed to get database stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get database stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": stats})
}

func (s *Server) updateMetricsRoutine(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.metrics.UpdateSystemMetrics(ctx); err != nil {
				logrus.WithError(err).Error("Failed to update system metrics")
			}
		}
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
