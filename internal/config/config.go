// Package config loads feedr's configuration from defaults, an optional YAML file,
// environment variables and command-line flags, and validates the result.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrConfiguration wraps every configuration loading or validation failure.
var ErrConfiguration = errors.New("configuration error")

// Config is constructed once at startup and passed to the components that need it.
type Config struct {
	// Simulate skips publishing and never marks queue items delivered.
	Simulate bool `mapstructure:"simulate"`
	// Database is the SQLite file holding seen items and the delivery queue.
	Database string `mapstructure:"database" validate:"required"`
	// NewerThan is the cutoff: older entries are recorded as seen but never queued.
	NewerThan time.Time `mapstructure:"newer_than" validate:"required"`
	// Delay is the minimum spacing between two queued messages.
	Delay time.Duration `mapstructure:"delay" validate:"min=1s"`
	// MaxAttempts stops retrying a message after that many failed publishes; 0 retries forever.
	MaxAttempts int `mapstructure:"max_attempts" validate:"min=0"`

	Message  MessageConfig  `mapstructure:"message"`
	Telegram TelegramConfig `mapstructure:"telegram"`

	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"   validate:"min=1s,max=10m"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout" validate:"min=1s,max=10m"`
	LockTTL        time.Duration `mapstructure:"lock_ttl"        validate:"min=1m"`

	// Schedule is a cron expression; when empty feedr runs once and exits.
	Schedule string `mapstructure:"schedule" validate:"omitempty,cron"`
	// MaintenanceSchedule runs database maintenance while running on a schedule. Empty disables it.
	MaintenanceSchedule string `mapstructure:"maintenance_schedule" validate:"omitempty,cron"`
	// MetricsAddr serves Prometheus metrics while running on a schedule.
	MetricsAddr string `mapstructure:"metrics_addr" validate:"omitempty,hostname_port"`

	Log LogConfig `mapstructure:"log"`
}

// MessageConfig bounds the rendered message.
type MessageConfig struct {
	MaxLength  int `mapstructure:"max_length"  validate:"min=8"`
	LinkLength int `mapstructure:"link_length" validate:"min=0,ltfield=MaxLength"`
}

// TelegramConfig holds the publisher credentials.
type TelegramConfig struct {
	Token     string `mapstructure:"token"      validate:"required"`
	ChatID    string `mapstructure:"chat_id"    validate:"required"`
	ServerURL string `mapstructure:"server_url" validate:"omitempty,url"`
}

// LogConfig controls the logger.
type LogConfig struct {
	Level  string `mapstructure:"level"  validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// Validate checks the configuration against its struct tags and cross-field rules.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return err
	}
	if budget := c.Message.MaxLength - c.Message.LinkLength - 1; budget < 4 {
		return fmt.Errorf("message.max_length leaves %d characters for the title, need at least 4", budget)
	}
	if longest := max(c.FetchTimeout, c.PublishTimeout); c.LockTTL <= longest {
		return fmt.Errorf("lock_ttl %s must exceed the longest fetch or publish timeout %s", c.LockTTL, longest)
	}
	return nil
}
