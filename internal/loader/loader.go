// Package loader handles configuration file loading and validation.
//
// This package is responsible for:
//   - Loading YAML configuration files
//   - Expanding environment variables
//   - Applying environment overrides (MONGODB_URI and friends)
//   - Validating the result

package loader

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/xtxerr/powerwatch/config"
	"github.com/xtxerr/powerwatch/internal/errors"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file. Missing fields keep their
// defaults. Environment overrides are not applied; see ApplyEnv.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyLegacyFields()

	return cfg, nil
}

// =============================================================================
// Environment Overrides
// =============================================================================

// ApplyEnv overrides configuration from environment variables. getenv is
// os.Getenv in production.
//
// MONGODB_URI and MONGODB_DB_NAME select the MongoDB backend. Without both
// the file backend is used.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("MONGODB_URI"); v != "" {
		cfg.Storage.Mongo.URI = v
	}
	if v := getenv("MONGODB_DB_NAME"); v != "" {
		cfg.Storage.Mongo.Database = v
	}

	if v := getenv("POWERWATCH_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := getenv("POWERWATCH_SOURCE_URL"); v != "" {
		cfg.Source.URL = v
	}
	if v := getenv("POWERWATCH_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	if v := getenv("INFLUX_TOKEN"); v != "" {
		cfg.Sinks.Influx.Token = v
	}
	if v := getenv("KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		cfg.Sinks.Kafka.Brokers = brokers
	}
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the configuration. All problems are reported at once.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Listen == "" {
		errs = append(errs, errors.NewValidation("listen", "cannot be empty"))
	}
	if _, err := cfg.Location(); err != nil {
		errs = append(errs, errors.NewValidation("timezone", err.Error()))
	}

	// Source
	if cfg.Source.URL == "" {
		errs = append(errs, errors.NewValidation("source.url", "cannot be empty"))
	}
	if cfg.Source.Timeout.Duration() <= 0 {
		errs = append(errs, errors.NewValidation("source.timeout", "must be positive"))
	}

	// Scheduler
	if cfg.Scheduler.Interval.Duration() < time.Second {
		errs = append(errs, errors.NewValidation("scheduler.interval", "must be at least 1s"))
	}
	if cfg.Scheduler.DrainTimeout.Duration() < 0 {
		errs = append(errs, errors.NewValidation("scheduler.drain_timeout", "must not be negative"))
	}

	// History
	if cfg.History.MaxRecords <= 0 {
		errs = append(errs, errors.NewValidation("history.max_records", "must be positive"))
	}
	if cfg.History.RecentWindow <= 0 {
		errs = append(errs, errors.NewValidation("history.recent_window", "must be positive"))
	}

	// Retention
	if err := cfg.Retention.ToRollup().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retention: %w", err))
	}

	// Storage
	if cfg.Storage.File.Path == "" {
		errs = append(errs, errors.NewValidation("storage.file.path", "cannot be empty"))
	}

	// Archive (if enabled)
	if cfg.Archive.Enabled {
		if cfg.Archive.Dir == "" {
			errs = append(errs, errors.NewValidation("archive.dir", "cannot be empty when enabled"))
		}
		switch cfg.Archive.Compression {
		case "snappy", "zstd", "lz4", "gzip", "none", "":
		default:
			errs = append(errs, errors.NewValidation("archive.compression", "must be one of: snappy, zstd, lz4, gzip, none"))
		}
	}

	// Sinks (if enabled)
	if cfg.Sinks.Influx.Enabled {
		if cfg.Sinks.Influx.URL == "" {
			errs = append(errs, errors.NewValidation("sinks.influx.url", "cannot be empty when enabled"))
		}
		if cfg.Sinks.Influx.Org == "" || cfg.Sinks.Influx.Bucket == "" {
			errs = append(errs, errors.NewValidation("sinks.influx", "org and bucket are required when enabled"))
		}
	}
	if cfg.Sinks.Kafka.Enabled {
		if len(cfg.Sinks.Kafka.Brokers) == 0 {
			errs = append(errs, errors.NewValidation("sinks.kafka.brokers", "at least one broker is required when enabled"))
		}
		if cfg.Sinks.Kafka.Topic == "" {
			errs = append(errs, errors.NewValidation("sinks.kafka.topic", "cannot be empty when enabled"))
		}
	}

	return errors.Join(errs...)
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.LoadLocation(config.DefaultTimezone)
	}
	return time.LoadLocation(c.Timezone)
}
