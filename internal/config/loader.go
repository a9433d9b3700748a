package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultConfigName is looked up in the working directory when no file is given.
const DefaultConfigName = "feedr"

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"simulate":     "simulate",
	"database":     "database",
	"newer-than":   "newer_than",
	"delay":        "delay",
	"schedule":     "schedule",
	"metrics-addr": "metrics_addr",
	"log-level":    "log.level",
}

// RegisterFlags adds the flags that override configuration values to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML configuration file")
	fs.Bool("simulate", false, "do not publish anything and never mark queued items delivered")
	fs.String("database", DefaultDatabase, "path to the SQLite database")
	fs.String("newer-than", DefaultNewerThan, "only queue entries dated at or after this UTC time (RFC 3339)")
	fs.Duration("delay", DefaultDelay, "minimum spacing between published messages")
	fs.String("schedule", "", "cron expression to keep running on; runs once when empty")
	fs.String("metrics-addr", "", "address serving Prometheus metrics while running on a schedule")
	fs.String("log-level", DefaultLogLevel, "log level (debug, info, warn, error)")
}

// Load builds the configuration from, in increasing precedence: defaults, the
// optional YAML file, environment variables (SIMULATE, DATABASE, TELEGRAM_TOKEN, ...)
// and flags explicitly set on fs. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range required {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("%w: failed to bind %s: %v", ErrConfiguration, key, err)
		}
	}

	if err := readConfigFile(v, fs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("%w: failed to bind flag --%s: %v", ErrConfiguration, name, err)
				}
			}
		}
	}

	cfg := &Config{}
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		stringToBoolHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
	))
	if err := v.Unmarshal(cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", ErrConfiguration, err)
	}
	cfg.NewerThan = cfg.NewerThan.UTC()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	return cfg, nil
}

// readConfigFile reads the file named by --config, or feedr.yaml from the working
// directory when present. A missing default file is not an error.
func readConfigFile(v *viper.Viper, fs *pflag.FlagSet) error {
	var path string
	if fs != nil {
		if f := fs.Lookup("config"); f != nil {
			path = f.Value.String()
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName(DefaultConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// stringToBoolHookFunc accepts the spellings people use in environment variables
// (yes/no, y/n, on/off) in addition to those strconv.ParseBool knows.
func stringToBoolHookFunc() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.Bool {
			return data, nil
		}
		switch strings.ToLower(strings.TrimSpace(data.(string))) {
		case "true", "t", "y", "yes", "1", "on":
			return true, nil
		case "false", "f", "n", "no", "0", "off", "":
			return false, nil
		default:
			return nil, fmt.Errorf("invalid boolean %q", data)
		}
	}
}
