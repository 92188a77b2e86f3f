// internal/config/config.go - YAML configuration with include merging
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
	Alerting      AlertingConfig      `yaml:"alerting"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Prometheus    PrometheusConfig    `yaml:"prometheus"`
	Logging       LoggingConfig       `yaml:"logging"`
	Devices       []DeviceConfig      `yaml:"devices"`
	Include       IncludeConfig       `yaml:"include"`
}

type IncludeConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
	Pattern   string `yaml:"pattern"`
}

type ServerConfig struct {
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Type                   string        `yaml:"type"`
	Path                   string        `yaml:"path"`
	CleanupInterval        time.Duration `yaml:"cleanup_interval"`
	MetricRetention        time.Duration `yaml:"metric_retention"`
	ResolvedAlertRetention time.Duration `yaml:"resolved_alert_retention"`
	CompactInterval        time.Duration `yaml:"compact_interval"`
}

type MonitoringConfig struct {
	Interval            time.Duration `yaml:"interval"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`
	MaxConcurrentProbes int           `yaml:"max_concurrent_probes"`
	SweepTimeout        time.Duration `yaml:"sweep_timeout"`
	ErrorCooldown       time.Duration `yaml:"error_cooldown"`
	StopGrace           time.Duration `yaml:"stop_grace"`
	Privileged          bool          `yaml:"privileged"`
}

// AlertingConfig controls how probe results turn into alerts. Devices
// whose class contains ServerClassPattern (case-insensitive) raise
// critical offline alerts instead of warnings.
type AlertingConfig struct {
	ServerClassPattern string `yaml:"server_class_pattern"`
}

type PrometheusConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MetricsPath string `yaml:"metrics_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DeviceConfig struct {
	ID       string            `yaml:"id"`
	Name     string            `yaml:"name"`
	Address  string            `yaml:"address"`
	Class    string            `yaml:"class"`
	Location string            `yaml:"location"`
	Group    string            `yaml:"group"`
	Enabled  bool              `yaml:"enabled"`
	Tags     map[string]string `yaml:"tags"`
}

// PartialConfig represents a partial configuration that can be merged
// from an include file.
type PartialConfig struct {
	Server        *ServerConfig        `yaml:"server,omitempty"`
	Database      *DatabaseConfig      `yaml:"database,omitempty"`
	Monitoring    *MonitoringConfig    `yaml:"monitoring,omitempty"`
	Alerting      *AlertingConfig      `yaml:"alerting,omitempty"`
	Notifications *NotificationsConfig `yaml:"notifications,omitempty"`
	Prometheus    *PrometheusConfig    `yaml:"prometheus,omitempty"`
	Logging       *LoggingConfig       `yaml:"logging,omitempty"`
	Devices       []DeviceConfig       `yaml:"devices,omitempty"`
}

func Load(filename string) (*Config, error) {
	config, err := loadConfigFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load main config file: %w", err)
	}

	if config.Include.Enabled && config.Include.Directory != "" {
		if err := loadIncludes(config, filepath.Dir(filename)); err != nil {
			return nil, fmt.Errorf("failed to load includes: %w", err)
		}
	}

	setDefaults(config)

	if err := validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func loadConfigFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return &config, nil
}

func loadIncludes(config *Config, baseDir string) error {
	includeDir := config.Include.Directory

	// Include directory is relative to the main config file unless absolute.
	if !filepath.IsAbs(includeDir) {
		includeDir = filepath.Join(baseDir, includeDir)
	}

	if _, err := os.Stat(includeDir); os.IsNotExist(err) {
		return fmt.Errorf("include directory does not exist: %s", includeDir)
	}

	pattern := config.Include.Pattern
	if pattern == "" {
		pattern = "*.yaml"
	}

	matches, err := filepath.Glob(filepath.Join(includeDir, pattern))
	if err != nil {
		return fmt.Errorf("failed to glob include pattern: %w", err)
	}

	// Also pick up .yml files when running with the default pattern.
	if pattern == "*.yaml" {
		ymlMatches, err := filepath.Glob(filepath.Join(includeDir, "*.yml"))
		if err != nil {
			return fmt.Errorf("failed to glob .yml files: %w", err)
		}
		matches = append(matches, ymlMatches...)
	}

	// Sort by filename so merge order is deterministic.
	sort.Slice(matches, func(i, j int) bool {
		return filepath.Base(matches[i]) < filepath.Base(matches[j])
	})

	for _, match := range matches {
		if err := loadAndMergeInclude(config, match); err != nil {
			return fmt.Errorf("failed to load include file %s: %w", match, err)
		}
	}

	return nil
}

func loadAndMergeInclude(config *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read include file: %w", err)
	}

	var partial PartialConfig
	if err := yaml.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("failed to parse include file YAML: %w", err)
	}

	mergePartialConfig(config, &partial)

	return nil
}

func mergePartialConfig(config *Config, partial *PartialConfig) {
	if len(partial.Devices) > 0 {
		mergeDevices(config, partial.Devices)
	}

	if partial.Server != nil {
		mergeServerConfig(&config.Server, partial.Server)
	}

	if partial.Database != nil {
		mergeDatabaseConfig(&config.Database, partial.Database)
	}

	if partial.Monitoring != nil {
		mergeMonitoringConfig(&config.Monitoring, partial.Monitoring)
	}

	if partial.Alerting != nil {
		mergeAlertingConfig(&config.Alerting, partial.Alerting)
	}

	if partial.Notifications != nil {
		mergeNotificationsConfig(&config.Notifications, partial.Notifications)
	}

	if partial.Prometheus != nil {
		mergePrometheusConfig(&config.Prometheus, partial.Prometheus)
	}

	if partial.Logging != nil {
		mergeLoggingConfig(&config.Logging, partial.Logging)
	}
}

// mergeDevices appends new devices and lets a later definition with the
// same ID replace an earlier one, so site include files can override
// devices from the main file.
func mergeDevices(config *Config, newDevices []DeviceConfig) {
	existing := make(map[string]int, len(config.Devices))
	for i := range config.Devices {
		existing[config.Devices[i].ID] = i
	}

	for _, device := range newDevices {
		if i, ok := existing[device.ID]; ok {
			config.Devices[i] = device
		} else {
			config.Devices = append(config.Devices, device)
			existing[device.ID] = len(config.Devices) - 1
		}
	}
}

func mergeServerConfig(main *ServerConfig, partial *ServerConfig) {
	if partial.Port != "" {
		main.Port = partial.Port
	}
	if partial.ReadTimeout != 0 {
		main.ReadTimeout = partial.ReadTimeout
	}
	if partial.WriteTimeout != 0 {
		main.WriteTimeout = partial.WriteTimeout
	}
}

func mergeDatabaseConfig(main *DatabaseConfig, partial *DatabaseConfig) {
	if partial.Type != "" {
		main.Type = partial.Type
	}
	if partial.Path != "" {
		main.Path = partial.Path
	}
	if partial.CleanupInterval != 0 {
		main.CleanupInterval = partial.CleanupInterval
	}
	if partial.MetricRetention != 0 {
		main.MetricRetention = partial.MetricRetention
	}
	if partial.ResolvedAlertRetention != 0 {
		main.ResolvedAlertRetention = partial.ResolvedAlertRetention
	}
	if partial.CompactInterval != 0 {
		main.CompactInterval = partial.CompactInterval
	}
}

func mergeMonitoringConfig(main *MonitoringConfig, partial *MonitoringConfig) {
	if partial.Interval != 0 {
		main.Interval = partial.Interval
	}
	if partial.ProbeTimeout != 0 {
		main.ProbeTimeout = partial.ProbeTimeout
	}
	if partial.MaxConcurrentProbes != 0 {
		main.MaxConcurrentProbes = partial.MaxConcurrentProbes
	}
	if partial.SweepTimeout != 0 {
		main.SweepTimeout = partial.SweepTimeout
	}
	if partial.ErrorCooldown != 0 {
		main.ErrorCooldown = partial.ErrorCooldown
	}
	if partial.StopGrace != 0 {
		main.StopGrace = partial.StopGrace
	}
	main.Privileged = partial.Privileged
}

func mergeAlertingConfig(main *AlertingConfig, partial *AlertingConfig) {
	if partial.ServerClassPattern != "" {
		main.ServerClassPattern = partial.ServerClassPattern
	}
}

func mergeNotificationsConfig(main *NotificationsConfig, partial *NotificationsConfig) {
	main.Enabled = partial.Enabled
	main.SendRecovery = partial.SendRecovery

	if partial.MaxAttempts != 0 {
		main.MaxAttempts = partial.MaxAttempts
	}
	if partial.BackoffBase != 0 {
		main.BackoffBase = partial.BackoffBase
	}
	if partial.BackoffMultiplier != 0 {
		main.BackoffMultiplier = partial.BackoffMultiplier
	}
	if partial.BackoffMax != 0 {
		main.BackoffMax = partial.BackoffMax
	}
	if partial.RetryInterval != 0 {
		main.RetryInterval = partial.RetryInterval
	}

	main.Email.Enabled = partial.Email.Enabled
	if partial.Email.Host != "" {
		main.Email.Host = partial.Email.Host
	}
	if partial.Email.Port != 0 {
		main.Email.Port = partial.Email.Port
	}
	if partial.Email.Username != "" {
		main.Email.Username = partial.Email.Username
	}
	if partial.Email.Password != "" {
		main.Email.Password = partial.Email.Password
	}
	if partial.Email.From != "" {
		main.Email.From = partial.Email.From
	}
	if len(partial.Email.Recipients) > 0 {
		main.Email.Recipients = partial.Email.Recipients
	}

	main.Webhook.Enabled = partial.Webhook.Enabled
	if partial.Webhook.URL != "" {
		main.Webhook.URL = partial.Webhook.URL
	}
	if len(partial.Webhook.Recipients) > 0 {
		main.Webhook.Recipients = partial.Webhook.Recipients
	}

	if partial.Throttle.Enabled {
		main.Throttle = partial.Throttle
	}
}

func mergePrometheusConfig(main *PrometheusConfig, partial *PrometheusConfig) {
	main.Enabled = partial.Enabled
	if partial.MetricsPath != "" {
		main.MetricsPath = partial.MetricsPath
	}
}

func mergeLoggingConfig(main *LoggingConfig, partial *LoggingConfig) {
	if partial.Level != "" {
		main.Level = partial.Level
	}
	if partial.Format != "" {
		main.Format = partial.Format
	}
}

func setDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":8000"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}

	// Database defaults
	if cfg.Database.Type == "" {
		cfg.Database.Type = "boltdb"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/fleetwatch.db"
	}
	if cfg.Database.CleanupInterval == 0 {
		cfg.Database.CleanupInterval = time.Hour
	}
	if cfg.Database.MetricRetention == 0 {
		cfg.Database.MetricRetention = 7 * 24 * time.Hour
	}
	if cfg.Database.ResolvedAlertRetention == 0 {
		cfg.Database.ResolvedAlertRetention = 30 * 24 * time.Hour
	}

	// Monitoring defaults
	if cfg.Monitoring.Interval == 0 {
		cfg.Monitoring.Interval = 5 * time.Minute
	}
	if cfg.Monitoring.ProbeTimeout == 0 {
		cfg.Monitoring.ProbeTimeout = 5 * time.Second
	}
	if cfg.Monitoring.MaxConcurrentProbes == 0 {
		cfg.Monitoring.MaxConcurrentProbes = 10
	}
	if cfg.Monitoring.SweepTimeout == 0 {
		cfg.Monitoring.SweepTimeout = 2 * time.Minute
	}
	if cfg.Monitoring.ErrorCooldown == 0 {
		cfg.Monitoring.ErrorCooldown = time.Minute
	}
	if cfg.Monitoring.StopGrace == 0 {
		cfg.Monitoring.StopGrace = 10 * time.Second
	}

	// Alerting defaults
	if cfg.Alerting.ServerClassPattern == "" {
		cfg.Alerting.ServerClassPattern = "server"
	}

	// Prometheus defaults
	if cfg.Prometheus.MetricsPath == "" {
		cfg.Prometheus.MetricsPath = "/metrics"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	// Include defaults
	if cfg.Include.Pattern == "" {
		cfg.Include.Pattern = "*.yaml"
	}

	cfg.Notifications.setDefaults()
}

func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return fmt.Errorf("server.port cannot be empty")
	}
	if cfg.Database.Type != "boltdb" {
		return fmt.Errorf("only boltdb is supported currently")
	}

	if cfg.Monitoring.Interval <= 0 {
		return fmt.Errorf("monitoring.interval must be positive")
	}
	if cfg.Monitoring.ProbeTimeout <= 0 {
		return fmt.Errorf("monitoring.probe_timeout must be positive")
	}
	if cfg.Monitoring.MaxConcurrentProbes < 1 {
		return fmt.Errorf("monitoring.max_concurrent_probes must be at least 1")
	}
	if cfg.Monitoring.SweepTimeout < cfg.Monitoring.ProbeTimeout {
		return fmt.Errorf("monitoring.sweep_timeout must be at least monitoring.probe_timeout")
	}
	if cfg.Monitoring.ErrorCooldown < 0 {
		return fmt.Errorf("monitoring.error_cooldown cannot be negative")
	}
	if cfg.Monitoring.StopGrace <= 0 {
		return fmt.Errorf("monitoring.stop_grace must be positive")
	}

	if err := cfg.Notifications.Validate(); err != nil {
		return err
	}

	if cfg.Include.Enabled {
		if cfg.Include.Directory == "" {
			return fmt.Errorf("include.directory must be specified when include.enabled is true")
		}
		if cfg.Include.Pattern != "" && !isValidGlobPattern(cfg.Include.Pattern) {
			return fmt.Errorf("include.pattern contains invalid glob pattern: %s", cfg.Include.Pattern)
		}
	}

	deviceIDs := make(map[string]bool)
	for i := range cfg.Devices {
		device := &cfg.Devices[i]
		if device.ID == "" {
			return fmt.Errorf("device %q must have an id", device.Name)
		}
		if deviceIDs[device.ID] {
			return fmt.Errorf("duplicate device id: %s", device.ID)
		}
		deviceIDs[device.ID] = true

		if device.Name == "" {
			device.Name = device.ID
		}
		if device.Enabled && device.Address == "" {
			return fmt.Errorf("device %q is enabled but has no address", device.ID)
		}
	}

	return nil
}

// isValidURL checks for an absolute http or https URL.
func isValidURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// isValidGlobPattern checks if a string is a valid glob pattern.
func isValidGlobPattern(pattern string) bool {
	if strings.Contains(pattern, "/") || strings.Contains(pattern, "\\") {
		return false
	}
	_, err := filepath.Match(pattern, "test.yaml")
	return err == nil
}
