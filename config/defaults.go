// Package config provides configuration defaults for powerwatch.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or environment variables.
package config

import "time"

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultListenAddress is the default HTTP API listen address.
	// Override via config: listen (env POWERWATCH_LISTEN)
	DefaultListenAddress = "0.0.0.0:8080"

	// DefaultShutdownTimeout bounds graceful HTTP shutdown.
	// Override via config: shutdown_timeout
	DefaultShutdownTimeout = 10 * time.Second
)

// =============================================================================
// Time Defaults
// =============================================================================

const (
	// DefaultTimezone is the location bucket keys are computed in.
	// The meter reports in China Standard Time.
	// Override via config: timezone
	DefaultTimezone = "Asia/Shanghai"
)

// =============================================================================
// Source Defaults
// =============================================================================

const (
	// DefaultSourceURL is the meter's prepaid balance page.
	// Override via config: source.url (env POWERWATCH_SOURCE_URL)
	DefaultSourceURL = "http://www.wap.cnyiot.com/nat/pay.aspx?mid=18100071580"

	// DefaultFetchTimeout bounds a single fetch. A timed-out fetch fails the
	// cycle; it is not retried until the next tick.
	// Override via config: source.timeout
	DefaultFetchTimeout = 10 * time.Second

	// DefaultUserAgent identifies as the WeChat in-app browser. The page
	// refuses other clients with an interception notice.
	// Override via config: source.user_agent
	DefaultUserAgent = "Mozilla/5.0 (Linux; Android 10; SM-G975F) AppleWebKit/537.36 (KHTML, like Gecko) " +
		"Version/4.0 Chrome/88.0.4324.181 Mobile Safari/537.36 MicroMessenger/8.0.1840(0x28000334) " +
		"Process/tools WeChat/arm64 Nettype/WIFI Language/zh_CN ABI/arm64"
)

// =============================================================================
// Scheduler Defaults
// =============================================================================

const (
	// DefaultIngestInterval is the period between scheduled ingestion cycles.
	// Override via config: scheduler.interval
	DefaultIngestInterval = 120 * time.Second

	// DefaultDrainTimeoutSec is how long Stop waits for an in-flight cycle.
	// This follows the Kubernetes convention (terminationGracePeriodSeconds = 30s).
	// Override via config: scheduler.drain_timeout
	DefaultDrainTimeoutSec = 30
)

// =============================================================================
// History Defaults
// =============================================================================

const (
	// DefaultMaxHistoryRecords caps the reading history (FIFO).
	// Override via config: history.max_records
	DefaultMaxHistoryRecords = 1000

	// DefaultRecentWindow is how many readings /api/historical-data returns.
	// Override via config: history.recent_window
	DefaultRecentWindow = 24
)

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultHistoryFile is the JSON document used by the file backend.
	// Override via config: storage.file.path
	DefaultHistoryFile = "data_history.json"

	// DefaultMongoConnectTimeout bounds the startup ping. An unreachable
	// server makes the process fall back to the file backend for its lifetime.
	// Override via config: storage.mongo.connect_timeout
	DefaultMongoConnectTimeout = 5 * time.Second
)

// =============================================================================
// Archive Defaults
// =============================================================================

const (
	// DefaultArchiveDir holds Parquet files of evicted buckets.
	// Override via config: archive.dir
	DefaultArchiveDir = "archive"

	// DefaultArchiveRetention is how long archive files are kept (5 years).
	// Override via config: archive.retention
	DefaultArchiveRetention = 5 * 365 * 24 * time.Hour

	// DefaultArchiveMemoryLimit caps DuckDB memory for archive queries, in bytes.
	// Override via config: archive.query_memory_limit
	DefaultArchiveMemoryLimit = 256 * 1024 * 1024
)

// =============================================================================
// API Defaults
// =============================================================================

const (
	// DefaultSummaryCacheTTL is how long a computed usage summary is reused.
	// Override via config: api.summary_cache_ttl
	DefaultSummaryCacheTTL = 5 * time.Second
)

// =============================================================================
// Sink Defaults
// =============================================================================

const (
	// DefaultInfluxMeasurement is the measurement readings are written to.
	// Override via config: sinks.influx.measurement
	DefaultInfluxMeasurement = "meter_usage"

	// DefaultKafkaTopic receives one JSON event per ingestion cycle.
	// Override via config: sinks.kafka.topic
	DefaultKafkaTopic = "meter-usage"

	// DefaultSinkTimeout bounds a single sink publish.
	// Override via config: sinks.timeout
	DefaultSinkTimeout = 5 * time.Second
)
