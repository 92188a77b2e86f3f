// cmd/fleetwatch/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"fleetwatch/internal/config"
	"fleetwatch/internal/database"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/monitoring"
	"fleetwatch/internal/notifications"
	"fleetwatch/internal/web"
)

func main() {
	configFile := flag.String("config", "config.yaml", "Configuration file path")
	once := flag.Bool("once", false, "Run a single sweep, print the results and exit")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("fleetwatch %s (commit %s, built %s)\n", web.Version, web.GitCommit, web.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	setupLogging(cfg.Logging)

	logrus.WithFields(logrus.Fields{
		"config_file": *configFile,
		"port":        cfg.Server.Port,
		"devices":     len(cfg.Devices),
		"interval":    cfg.Monitoring.Interval,
	}).Info("Starting fleetwatch")

	store, err := database.NewBoltStore(cfg.Database.Path)
	if err != nil {
		logrus.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	metricsCollector := metrics.NewCollector(store)

	var notifier monitoring.Notifier
	if cfg.Notifications.Enabled {
		notifier = notifications.NewDispatcher(cfg.Notifications, store, metricsCollector)
	}

	engine, err := monitoring.NewEngine(cfg, store, metricsCollector, notifier)
	if err != nil {
		logrus.Fatalf("Failed to initialize monitoring engine: %v", err)
	}

	if *once {
		runOnce(engine, store, cfg)
		return
	}

	webServer := web.NewServer(cfg, store, engine, metricsCollector)
	engine.SetBroadcaster(webServer.Hub())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		logrus.Fatalf("Failed to start monitoring engine: %v", err)
	}
	if err := webServer.Start(ctx); err != nil {
		logrus.Fatalf("Failed to start web server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logrus.WithField("signal", sig).Info("Received shutdown signal")

	// Stop probing first so nothing writes while the server drains.
	engine.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := webServer.Stop(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Web server shutdown failed")
	}

	logrus.Info("Shutdown complete")
}

// runOnce syncs the inventory, performs a single sweep and prints a
// per-device report. Transitions and alerts are processed exactly as in
// scheduled sweeps.
func runOnce(engine *monitoring.Engine, store database.Store, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Monitoring.SweepTimeout+cfg.Monitoring.ProbeTimeout)
	defer cancel()

	if err := engine.RefreshConfig(ctx); err != nil {
		logrus.Fatalf("Failed to sync device inventory: %v", err)
	}

	results, err := engine.RunOnce(ctx)
	if err != nil {
		logrus.Fatalf("Sweep failed: %v", err)
	}

	offline := 0
	for _, result := range results {
		name := result.DeviceID
		if device, err := store.GetDevice(ctx, result.DeviceID); err == nil {
			name = device.Name
		}

		switch {
		case result.Err != nil:
			fmt.Printf("%-30s error   %v\n", name, result.Err)
		case result.Reachable && result.LatencyMs != nil:
			fmt.Printf("%-30s online  %.1f ms\n", name, *result.LatencyMs)
		case result.Reachable:
			fmt.Printf("%-30s online\n", name)
		default:
			offline++
			fmt.Printf("%-30s offline %s\n", name, result.ErrorReason)
		}
	}
	fmt.Printf("\n%d devices probed, %d offline\n", len(results), offline)

	if offline > 0 {
		os.Exit(1)
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
}
