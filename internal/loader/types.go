// Package loader - Configuration Types
//
// Defines the YAML configuration structure for powerwatchd.
//
//   listen, timezone, log     process settings
//   source                    meter page fetcher
//   scheduler                 ingestion cadence and drain
//   history, retention        in-memory working set bounds
//   storage                   file or MongoDB persistence
//   archive                   Parquet archive of evicted buckets
//   api                       read-side HTTP settings
//   sinks                     optional InfluxDB / Kafka mirrors

package loader

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/powerwatch/config"
	"github.com/xtxerr/powerwatch/internal/usage/rollup"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure for powerwatchd.
type Config struct {
	// Listen is the HTTP API listen address.
	// Format: "host:port" or ":port"
	// Default: "0.0.0.0:8080"
	Listen string `yaml:"listen"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	// Timezone is the IANA location bucket keys are computed in.
	Timezone string `yaml:"timezone"`

	Log       LogConfig       `yaml:"log"`
	Source    SourceConfig    `yaml:"source"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	History   HistoryConfig   `yaml:"history"`
	Retention RetentionConfig `yaml:"retention"`
	Storage   StorageConfig   `yaml:"storage"`
	Archive   ArchiveConfig   `yaml:"archive"`
	API       APIConfig       `yaml:"api"`
	Sinks     SinksConfig     `yaml:"sinks"`

	// Deprecated: top-level history_file from early deployments.
	// Use storage.file.path instead.
	HistoryFile string `yaml:"history_file,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON switches to JSON output for log shippers.
	JSON bool `yaml:"json"`
}

// SourceConfig configures the meter page fetcher.
type SourceConfig struct {
	URL       string   `yaml:"url"`
	Timeout   Duration `yaml:"timeout"`
	UserAgent string   `yaml:"user_agent"`
}

// SchedulerConfig configures ingestion cycles.
type SchedulerConfig struct {
	// Interval between scheduled cycles.
	Interval Duration `yaml:"interval"`

	// DrainTimeout is how long Stop waits for an in-flight cycle.
	DrainTimeout Duration `yaml:"drain_timeout"`

	// FetchOnStart runs one cycle before the first tick.
	FetchOnStart bool `yaml:"fetch_on_start"`
}

// HistoryConfig bounds the reading history.
type HistoryConfig struct {
	MaxRecords   int `yaml:"max_records"`
	RecentWindow int `yaml:"recent_window"`
}

// RetentionConfig defines how long buckets are kept per resolution.
type RetentionConfig struct {
	TenMinute Duration `yaml:"ten_minute"`
	Hourly    Duration `yaml:"hourly"`
	Daily     Duration `yaml:"daily"`
	Weekly    Duration `yaml:"weekly"`
	Monthly   Duration `yaml:"monthly"`
}

// ToRollup converts to the rollup package's representation.
func (r RetentionConfig) ToRollup() rollup.Retention {
	return rollup.Retention{
		TenMinute: r.TenMinute.Duration(),
		Hourly:    r.Hourly.Duration(),
		Daily:     r.Daily.Duration(),
		Weekly:    r.Weekly.Duration(),
		Monthly:   r.Monthly.Duration(),
	}
}

// StorageConfig configures persistence. MongoDB is used when both URI and
// Database are set and the server answers a ping; otherwise the file backend.
type StorageConfig struct {
	File  FileStorageConfig  `yaml:"file"`
	Mongo MongoStorageConfig `yaml:"mongo"`
}

// FileStorageConfig configures the JSON file backend.
type FileStorageConfig struct {
	Path string `yaml:"path"`
}

// MongoStorageConfig configures the MongoDB backend.
type MongoStorageConfig struct {
	URI            string   `yaml:"uri"`
	Database       string   `yaml:"database"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
}

// Enabled reports whether a MongoDB backend should be attempted.
func (m MongoStorageConfig) Enabled() bool {
	return m.URI != "" && m.Database != ""
}

// ArchiveConfig configures the Parquet archive of evicted buckets.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`

	// Compression is one of snappy, zstd, lz4, gzip, none.
	Compression string `yaml:"compression"`

	// Retention is how long archive files are kept.
	Retention Duration `yaml:"retention"`

	// QueryMemoryLimit is the DuckDB memory limit for archive queries.
	QueryMemoryLimit ByteSize `yaml:"query_memory_limit"`
}

// APIConfig configures the read-side HTTP API.
type APIConfig struct {
	// SummaryCacheTTL is how long a computed usage summary is reused.
	SummaryCacheTTL Duration `yaml:"summary_cache_ttl"`
}

// SinksConfig configures optional downstream mirrors.
type SinksConfig struct {
	Timeout Duration     `yaml:"timeout"`
	Influx  InfluxConfig `yaml:"influx"`
	Kafka   KafkaConfig  `yaml:"kafka"`
}

// InfluxConfig configures the InfluxDB sink.
type InfluxConfig struct {
	Enabled     bool   `yaml:"enabled"`
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
}

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a configuration populated from config/defaults.go.
func DefaultConfig() *Config {
	return &Config{
		Listen:          config.DefaultListenAddress,
		ShutdownTimeout: Duration(config.DefaultShutdownTimeout),
		Timezone:        config.DefaultTimezone,
		Log: LogConfig{
			Level: "info",
		},
		Source: SourceConfig{
			URL:       config.DefaultSourceURL,
			Timeout:   Duration(config.DefaultFetchTimeout),
			UserAgent: config.DefaultUserAgent,
		},
		Scheduler: SchedulerConfig{
			Interval:     Duration(config.DefaultIngestInterval),
			DrainTimeout: Duration(time.Duration(config.DefaultDrainTimeoutSec) * time.Second),
			FetchOnStart: true,
		},
		History: HistoryConfig{
			MaxRecords:   config.DefaultMaxHistoryRecords,
			RecentWindow: config.DefaultRecentWindow,
		},
		Retention: RetentionConfig{
			TenMinute: Duration(24 * time.Hour),
			Hourly:    Duration(30 * 24 * time.Hour),
			Daily:     Duration(365 * 24 * time.Hour),
			Weekly:    Duration(52 * 7 * 24 * time.Hour),
			Monthly:   Duration(730 * 24 * time.Hour),
		},
		Storage: StorageConfig{
			File: FileStorageConfig{Path: config.DefaultHistoryFile},
			Mongo: MongoStorageConfig{
				ConnectTimeout: Duration(config.DefaultMongoConnectTimeout),
			},
		},
		Archive: ArchiveConfig{
			Dir:              config.DefaultArchiveDir,
			Compression:      "zstd",
			Retention:        Duration(config.DefaultArchiveRetention),
			QueryMemoryLimit: ByteSize(config.DefaultArchiveMemoryLimit),
		},
		API: APIConfig{
			SummaryCacheTTL: Duration(config.DefaultSummaryCacheTTL),
		},
		Sinks: SinksConfig{
			Timeout: Duration(config.DefaultSinkTimeout),
			Influx:  InfluxConfig{Measurement: config.DefaultInfluxMeasurement},
			Kafka:   KafkaConfig{Topic: config.DefaultKafkaTopic},
		},
	}
}

// ApplyLegacyFields migrates deprecated fields to new locations.
func (c *Config) ApplyLegacyFields() {
	// Migrate history_file → storage.file.path
	if c.HistoryFile != "" && c.Storage.File.Path == config.DefaultHistoryFile {
		c.Storage.File.Path = c.HistoryFile
	}
}

// =============================================================================
// Custom Types
// =============================================================================

// Duration is a time.Duration that can be unmarshaled from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		// Try as int (seconds)
		var i int
		if err := unmarshal(&i); err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ByteSize is a size in bytes that can be unmarshaled from YAML.
// Supports: "256MB", "1GB", "500KB", or plain bytes.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var i int64
		if err := unmarshal(&i); err != nil {
			return err
		}
		*b = ByteSize(i)
		return nil
	}
	size, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(size)
	return nil
}

// parseByteSize parses a size string like "256MB" or "1GB".
func parseByteSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	// Longest suffix first so "MB" is not matched as "B".
	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"TB", 1024 * 1024 * 1024 * 1024},
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			n, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse byte size %q: %w", s, err)
			}
			return n * u.multiplier, nil
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse byte size %q: %w", s, err)
	}
	return n, nil
}

// Bytes returns the size in bytes.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

// DuckDB returns the size in the form DuckDB's memory_limit accepts.
func (b ByteSize) DuckDB() string {
	if b <= 0 {
		return ""
	}
	return fmt.Sprintf("%dMB", int64(b)/(1024*1024))
}
