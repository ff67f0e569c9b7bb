// Package metrics exposes Prometheus instrumentation for ingestion cycles,
// persistence, sinks and the HTTP API.
//
// All methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "powerwatch"

// Cycle outcomes.
const (
	OutcomeSuccess      = "success"
	OutcomeFetchFailed  = "fetch_failed"
	OutcomeInvalid      = "invalid_reading"
	OutcomeFlushFailed  = "flush_failed"
	OutcomeSchedulerErr = "error"
)

// Metrics holds every collector, registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	cyclesTotal    *prometheus.CounterVec
	fetchDuration  prometheus.Histogram
	flushDuration  *prometheus.HistogramVec
	flushFailures  *prometheus.CounterVec
	bucketCount    *prometheus.GaugeVec
	evictedTotal   *prometheus.CounterVec
	historyLength  prometheus.Gauge
	remainingPower prometheus.Gauge
	consumedTotal  prometheus.Counter
	rechargesTotal prometheus.Counter
	sinkErrors     *prometheus.CounterVec
	archiveRows    *prometheus.CounterVec

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_cycles_total",
			Help:      "Ingestion cycles by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of meter page fetches.",
			Buckets:   prometheus.DefBuckets,
		}),
		flushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Duration of persistence flushes by backend.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"}),
		flushFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_failures_total",
			Help:      "Failed persistence flushes by backend.",
		}, []string{"backend"}),
		bucketCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buckets",
			Help:      "Buckets held in memory by resolution.",
		}, []string{"resolution"}),
		evictedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buckets_evicted_total",
			Help:      "Buckets removed by retention by resolution.",
		}, []string{"resolution"}),
		historyLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "history_readings",
			Help:      "Readings held in the history window.",
		}),
		remainingPower: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "remaining_power_kwh",
			Help:      "Most recent remaining balance reported by the meter.",
		}),
		consumedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumed_kwh_total",
			Help:      "Consumption accumulated since process start.",
		}),
		rechargesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recharges_total",
			Help:      "Readings that increased the remaining balance.",
		}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Failed sink publishes by sink.",
		}, []string{"sink"}),
		archiveRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_rows_total",
			Help:      "Evicted buckets written to the archive by resolution.",
		}, []string{"resolution"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cyclesTotal,
		m.fetchDuration,
		m.flushDuration,
		m.flushFailures,
		m.bucketCount,
		m.evictedTotal,
		m.historyLength,
		m.remainingPower,
		m.consumedTotal,
		m.rechargesTotal,
		m.sinkErrors,
		m.archiveRows,
		m.httpRequestsTotal,
		m.httpDuration,
	)

	return m
}

// Registry returns the registry backing m, for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// GinMiddleware records request counts and durations per route template.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if m == nil {
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) CycleCompleted(trigger, outcome string) {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues(trigger, outcome).Inc()
}

func (m *Metrics) FetchObserved(d time.Duration) {
	if m == nil {
		return
	}
	m.fetchDuration.Observe(d.Seconds())
}

func (m *Metrics) FlushObserved(backend string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.flushDuration.WithLabelValues(backend).Observe(d.Seconds())
	if err != nil {
		m.flushFailures.WithLabelValues(backend).Inc()
	}
}

func (m *Metrics) SetBuckets(resolution string, n int) {
	if m == nil {
		return
	}
	m.bucketCount.WithLabelValues(resolution).Set(float64(n))
}

func (m *Metrics) BucketsEvicted(resolution string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.evictedTotal.WithLabelValues(resolution).Add(float64(n))
}

func (m *Metrics) SetHistoryLength(n int) {
	if m == nil {
		return
	}
	m.historyLength.Set(float64(n))
}

// ReadingIngested records the new balance and the consumption it implies.
func (m *Metrics) ReadingIngested(remaining, consumed float64, recharge bool) {
	if m == nil {
		return
	}
	m.remainingPower.Set(remaining)
	if consumed > 0 {
		m.consumedTotal.Add(consumed)
	}
	if recharge {
		m.rechargesTotal.Inc()
	}
}

func (m *Metrics) SinkFailed(sink string) {
	if m == nil {
		return
	}
	m.sinkErrors.WithLabelValues(sink).Inc()
}

func (m *Metrics) ArchiveWritten(resolution string, rows int) {
	if m == nil || rows == 0 {
		return
	}
	m.archiveRows.WithLabelValues(resolution).Add(float64(rows))
}
