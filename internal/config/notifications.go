// internal/config/notifications.go - Notification delivery configuration
package config

import (
	"fmt"
	"time"
)

// NotificationsConfig holds global alert notification settings,
// including the retry backoff shape shared by all channels.
type NotificationsConfig struct {
	Enabled           bool           `yaml:"enabled"`
	MaxAttempts       int            `yaml:"max_attempts"`
	BackoffBase       time.Duration  `yaml:"backoff_base"`
	BackoffMultiplier float64        `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration  `yaml:"backoff_max"`
	RetryInterval     time.Duration  `yaml:"retry_interval"`
	SendRecovery      bool           `yaml:"send_recovery"`
	Email             EmailConfig    `yaml:"email"`
	Webhook           WebhookConfig  `yaml:"webhook"`
	Throttle          ThrottleConfig `yaml:"throttle"`
}

// EmailConfig configures SMTP delivery.
type EmailConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Host       string   `yaml:"host"`
	Port       int      `yaml:"port"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	From       string   `yaml:"from"`
	Recipients []string `yaml:"recipients"`
}

// WebhookConfig configures JSON POST delivery. Recipients are logical
// target labels recorded on each notification; when empty a single
// "webhook" recipient is assumed.
type WebhookConfig struct {
	Enabled    bool     `yaml:"enabled"`
	URL        string   `yaml:"url"`
	Recipients []string `yaml:"recipients"`
}

// ThrottleConfig rate-limits notification dispatch inside a sliding window.
type ThrottleConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Window       time.Duration `yaml:"window"`
	MaxPerDevice int           `yaml:"max_per_device"`
	MaxTotal     int           `yaml:"max_total"`
}

func (n *NotificationsConfig) setDefaults() {
	if n.MaxAttempts == 0 {
		n.MaxAttempts = 3
	}
	if n.BackoffBase == 0 {
		n.BackoffBase = 30 * time.Second
	}
	if n.BackoffMultiplier == 0 {
		n.BackoffMultiplier = 2.0
	}
	if n.BackoffMax == 0 {
		n.BackoffMax = 15 * time.Minute
	}
	if n.RetryInterval == 0 {
		n.RetryInterval = 30 * time.Second
	}
	if n.Email.Port == 0 {
		n.Email.Port = 587
	}
	if n.Throttle.Window == 0 {
		n.Throttle.Window = 15 * time.Minute
	}
	if n.Throttle.MaxPerDevice == 0 {
		n.Throttle.MaxPerDevice = 5
	}
	if n.Throttle.MaxTotal == 0 {
		n.Throttle.MaxTotal = 20
	}
}

// Validate ensures the notification configuration is usable when enabled.
func (n *NotificationsConfig) Validate() error {
	if !n.Enabled {
		return nil
	}

	if n.MaxAttempts < 1 {
		return fmt.Errorf("notifications.max_attempts must be at least 1")
	}
	if n.BackoffBase <= 0 {
		return fmt.Errorf("notifications.backoff_base must be positive")
	}
	if n.BackoffMultiplier < 1 {
		return fmt.Errorf("notifications.backoff_multiplier must be at least 1")
	}
	if n.BackoffMax < n.BackoffBase {
		return fmt.Errorf("notifications.backoff_max must be at least notifications.backoff_base")
	}
	if n.RetryInterval <= 0 {
		return fmt.Errorf("notifications.retry_interval must be positive")
	}

	if !n.Email.Enabled && !n.Webhook.Enabled {
		return fmt.Errorf("notifications are enabled but no channel is configured")
	}

	if n.Email.Enabled {
		if n.Email.Host == "" {
			return fmt.Errorf("notifications.email.host is required when email is enabled")
		}
		if n.Email.From == "" {
			return fmt.Errorf("notifications.email.from is required when email is enabled")
		}
		if len(n.Email.Recipients) == 0 {
			return fmt.Errorf("notifications.email.recipients is required when email is enabled")
		}
	}

	if n.Webhook.Enabled {
		if n.Webhook.URL == "" {
			return fmt.Errorf("notifications.webhook.url is required when webhook is enabled")
		}
		if !isValidURL(n.Webhook.URL) {
			return fmt.Errorf("notifications.webhook.url must be an http or https URL")
		}
	}

	if n.Throttle.Enabled {
		if n.Throttle.Window <= 0 {
			return fmt.Errorf("notifications.throttle.window must be positive")
		}
		if n.Throttle.MaxPerDevice < 1 {
			return fmt.Errorf("notifications.throttle.max_per_device must be at least 1")
		}
		if n.Throttle.MaxTotal < 1 {
			return fmt.Errorf("notifications.throttle.max_total must be at least 1")
		}
	}

	return nil
}

// Targets returns the logical recipients for webhook delivery.
func (w *WebhookConfig) Targets() []string {
	if len(w.Recipients) > 0 {
		return w.Recipients
	}
	if w.URL != "" {
		return []string{"webhook"}
	}
	return nil
}
