package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	m.CycleCompleted("ticker", OutcomeSuccess)
	m.FetchObserved(time.Second)
	m.FlushObserved("file", time.Millisecond, errors.New("boom"))
	m.SetBuckets("daily", 3)
	m.BucketsEvicted("daily", 1)
	m.SetHistoryLength(10)
	m.ReadingIngested(90, 2.5, false)
	m.SinkFailed("kafka")
	m.ArchiveWritten("hourly", 4)

	if m.Registry() != nil {
		t.Error("nil metrics should have nil registry")
	}
}

func TestCounters(t *testing.T) {
	m := New()

	m.CycleCompleted("ticker", OutcomeSuccess)
	m.CycleCompleted("ticker", OutcomeSuccess)
	m.CycleCompleted("manual", OutcomeFetchFailed)
	m.FlushObserved("file", time.Millisecond, errors.New("disk full"))
	m.FlushObserved("file", time.Millisecond, nil)
	m.ReadingIngested(97.5, 2.5, false)
	m.ReadingIngested(120, 0, true)

	if got := testutil.ToFloat64(m.cyclesTotal.WithLabelValues("ticker", OutcomeSuccess)); got != 2 {
		t.Errorf("ticker success cycles = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.cyclesTotal.WithLabelValues("manual", OutcomeFetchFailed)); got != 1 {
		t.Errorf("manual fetch_failed cycles = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.flushFailures.WithLabelValues("file")); got != 1 {
		t.Errorf("flush failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.consumedTotal); got != 2.5 {
		t.Errorf("consumed = %v, want 2.5", got)
	}
	if got := testutil.ToFloat64(m.rechargesTotal); got != 1 {
		t.Errorf("recharges = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.remainingPower); got != 120 {
		t.Errorf("remaining power = %v, want 120", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.SetBuckets("daily", 7)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `powerwatch_buckets{resolution="daily"} 7`) {
		t.Error("expected bucket gauge in exposition output")
	}
}
