package config

import "time"

// Default values for configuration.
const (
	DefaultDatabase       = "./feedr.db"
	DefaultNewerThan      = "2002-09-07T00:00:00Z"
	DefaultDelay          = time.Minute
	DefaultMaxAttempts    = 0
	DefaultMaxLength      = 280
	DefaultLinkLength     = 23
	DefaultFetchTimeout   = 30 * time.Second
	DefaultPublishTimeout = 30 * time.Second
	DefaultLockTTL        = 30 * time.Minute
	DefaultMaintenance    = "0 4 * * *"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "json"
)

var defaults = map[string]any{
	"simulate":             false,
	"database":             DefaultDatabase,
	"newer_than":           DefaultNewerThan,
	"delay":                DefaultDelay,
	"max_attempts":         DefaultMaxAttempts,
	"message.max_length":   DefaultMaxLength,
	"message.link_length":  DefaultLinkLength,
	"telegram.server_url":  "",
	"fetch_timeout":        DefaultFetchTimeout,
	"publish_timeout":      DefaultPublishTimeout,
	"lock_ttl":             DefaultLockTTL,
	"schedule":             "",
	"metrics_addr":         "",
	"maintenance_schedule": DefaultMaintenance,
	"log.level":            DefaultLogLevel,
	"log.format":           DefaultLogFormat,
}

// required keys have no default but must still be picked up from the environment
var required = []string{
	"telegram.token",
	"telegram.chat_id",
}
