package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/powerwatch/internal/errors"
	testhelp "github.com/xtxerr/powerwatch/internal/testing"
	"github.com/xtxerr/powerwatch/internal/usage/persist"
	"github.com/xtxerr/powerwatch/internal/usage/rollup"
	"github.com/xtxerr/powerwatch/internal/usage/types"
)

var (
	cst     = testhelp.CST
	reading = testhelp.Reading
)

func q(s string) types.Quantity { return types.MustQuantity(s) }

// memBackend records flushed snapshots.
type memBackend struct {
	mu       sync.Mutex
	flushes  []*types.Snapshot
	loaded   *types.Snapshot
	flushErr error
	loadErr  error
}

func (m *memBackend) Name() string    { return "mem" }
func (m *memBackend) Available() bool { return true }

func (m *memBackend) Flush(ctx context.Context, snap *types.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flushErr != nil {
		return m.flushErr
	}
	m.flushes = append(m.flushes, snap)
	return nil
}

func (m *memBackend) Load(ctx context.Context) (*types.Snapshot, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	if m.loaded == nil {
		return types.NewSnapshot(), nil
	}
	return m.loaded, nil
}

func (m *memBackend) Close(ctx context.Context) error { return nil }

func (m *memBackend) flushCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.flushes)
}

func newTestEngine(backend persist.Backend) *Engine {
	return New(Options{
		Location:  cst,
		Retention: rollup.DefaultRetention(),
		Backend:   backend,
	})
}

func TestEngine_TenMinuteEndToEnd(t *testing.T) {
	backend := &memBackend{}
	e := newTestEngine(backend)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 4, 10, 0, 0, 0, cst)

	inputs := []types.Reading{
		reading(t0, "100.0"),
		reading(t0.Add(5*time.Minute), "100.0"),
		reading(t0.Add(12*time.Minute), "97.5"),
		reading(t0.Add(25*time.Minute), "95.0"),
	}
	for _, r := range inputs {
		if _, err := e.Ingest(ctx, r); err != nil {
			t.Fatalf("ingest %v: %v", r.Timestamp, err)
		}
	}

	buckets := e.Buckets(types.ResolutionTenMinute)
	want := map[string]string{
		"2025-03-04 10:00": "0",
		"2025-03-04 10:10": "2.5",
		"2025-03-04 10:20": "2.5",
	}
	if len(buckets) != len(want) {
		t.Fatalf("got %d ten-minute buckets, want %d: %v", len(buckets), len(want), buckets.Keys())
	}
	total := types.Quantity{}
	for key, usage := range want {
		if !buckets[key].Usage.Equal(q(usage)) {
			t.Errorf("bucket %s usage = %s, want %s", key, buckets[key].Usage, usage)
		}
		total = total.Add(buckets[key].Usage)
	}
	if !total.Equal(q("5.0")) {
		t.Errorf("total = %s, want 5.0", total)
	}

	daily := e.Buckets(types.ResolutionDaily)["2025-03-04"]
	if daily.PeakPower == nil || !daily.PeakPower.Equal(q("100")) {
		t.Errorf("daily peak = %v, want 100", daily.PeakPower)
	}

	if backend.flushCount() != len(inputs) {
		t.Errorf("flushes = %d, want %d (one per ingestion)", backend.flushCount(), len(inputs))
	}
}

func TestEngine_RechargeClamped(t *testing.T) {
	e := newTestEngine(nil)
	t0 := time.Date(2025, 3, 4, 8, 0, 0, 0, cst)

	wantDelta := []string{"0", "2.0", "0", "2.0"}
	wantRecharge := []bool{false, false, true, false}

	for i, r := range testhelp.Series(t0, time.Minute, "50.0", "48.0", "60.0", "58.0") {
		res, err := e.Ingest(context.Background(), r)
		if err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
		if !res.Delta.Equal(q(wantDelta[i])) {
			t.Errorf("step %d delta = %s, want %s", i, res.Delta, wantDelta[i])
		}
		if res.Recharge != wantRecharge[i] {
			t.Errorf("step %d recharge = %v, want %v", i, res.Recharge, wantRecharge[i])
		}
		if res.Delta.Sign() < 0 {
			t.Errorf("step %d negative delta %s", i, res.Delta)
		}
	}

	st := e.Status()
	if st.Consumption.Recharges != 1 {
		t.Errorf("recharges = %d, want 1", st.Consumption.Recharges)
	}
	if st.Consumption.Total != 4 {
		t.Errorf("consumption total = %v, want 4", st.Consumption.Total)
	}
}

func TestEngine_DeltaSumMatchesConsumption(t *testing.T) {
	e := newTestEngine(nil)
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, cst)

	// Strictly decreasing balance over three days at 7-minute spacing.
	power := q("500")
	step := q("0.13")
	n := 3 * 24 * 60 / 7
	first := power
	for i := 0; i < n; i++ {
		if _, err := e.Ingest(context.Background(), types.Reading{
			Timestamp:      t0.Add(time.Duration(i) * 7 * time.Minute),
			RemainingPower: power,
		}); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
		if i < n-1 {
			power = power.Sub(step)
		}
	}
	want := first.Sub(power)

	for _, res := range []types.Resolution{types.ResolutionHourly, types.ResolutionDaily, types.ResolutionWeekly, types.ResolutionMonthly} {
		sum := types.Quantity{}
		for _, b := range e.Buckets(res) {
			sum = sum.Add(b.Usage)
		}
		if !sum.Equal(want) {
			t.Errorf("%s usage sum = %s, want %s", res, sum, want)
		}
	}
}

func TestEngine_InvalidReadings(t *testing.T) {
	e := newTestEngine(nil)
	t0 := time.Date(2025, 3, 4, 10, 0, 0, 0, cst)
	if _, err := e.Ingest(context.Background(), reading(t0, "80")); err != nil {
		t.Fatal(err)
	}

	nan, _ := types.NewQuantity("NaN")

	tests := []struct {
		name string
		r    types.Reading
	}{
		{"zero timestamp", types.Reading{RemainingPower: q("79")}},
		{"negative power", reading(t0.Add(time.Minute), "-1")},
		{"not finite", types.Reading{Timestamp: t0.Add(time.Minute), RemainingPower: nan}},
		{"earlier than previous", reading(t0.Add(-time.Second), "79")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Ingest(context.Background(), tt.r)
			if !errors.Is(err, errors.ErrInvalidReading) {
				t.Fatalf("expected ErrInvalidReading, got %v", err)
			}
			if res != nil {
				t.Error("rejected reading must not produce a result")
			}
		})
	}

	if n := len(e.History(0)); n != 1 {
		t.Errorf("history length = %d after rejections, want 1", n)
	}

	// Equal timestamps are accepted.
	if _, err := e.Ingest(context.Background(), reading(t0, "79.5")); err != nil {
		t.Errorf("equal timestamp rejected: %v", err)
	}
}

func TestEngine_FlushFailureKeepsState(t *testing.T) {
	backend := &memBackend{flushErr: errors.New("disk full")}
	e := newTestEngine(backend)
	t0 := time.Date(2025, 3, 4, 10, 0, 0, 0, cst)

	e.Ingest(context.Background(), reading(t0, "10"))
	res, err := e.Ingest(context.Background(), reading(t0.Add(3*time.Minute), "9.25"))

	if !errors.Is(err, errors.ErrPersistenceFailure) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
	if res == nil || !res.Delta.Equal(q("0.75")) {
		t.Fatalf("expected valid result alongside error, got %+v", res)
	}
	if len(e.History(0)) != 2 {
		t.Error("state must be kept after a failed flush")
	}
	if e.Status().LastFlushError == "" {
		t.Error("status should report the flush error")
	}

	// Recovery: the next flush carries all unsaved state.
	backend.mu.Lock()
	backend.flushErr = nil
	backend.mu.Unlock()

	if _, err := e.Ingest(context.Background(), reading(t0.Add(6*time.Minute), "9")); err != nil {
		t.Fatalf("ingest after recovery: %v", err)
	}
	last := backend.flushes[len(backend.flushes)-1]
	if len(last.History) != 3 {
		t.Errorf("recovered flush holds %d readings, want 3", len(last.History))
	}
	if e.Status().LastFlushError != "" {
		t.Error("flush error should clear after success")
	}
}

func TestEngine_RestoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	ctx := context.Background()
	t0 := time.Date(2025, 3, 4, 23, 50, 0, 0, cst)

	first := newTestEngine(persist.NewFile(path, cst))
	for i, p := range []string{"30", "29.6", "29.1", "28.8"} {
		if _, err := first.Ingest(ctx, reading(t0.Add(time.Duration(i)*7*time.Minute), p)); err != nil {
			t.Fatal(err)
		}
	}

	second := newTestEngine(persist.NewFile(path, cst))
	if err := second.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}

	a, b := first.Snapshot(), second.Snapshot()
	if len(a.History) != len(b.History) {
		t.Fatalf("history %d != %d", len(a.History), len(b.History))
	}
	for _, res := range types.AllResolutions() {
		if len(a.Buckets[res]) != len(b.Buckets[res]) {
			t.Errorf("%s: %d != %d buckets", res, len(a.Buckets[res]), len(b.Buckets[res]))
		}
		for k, bk := range a.Buckets[res] {
			if !b.Buckets[res][k].Equal(bk) {
				t.Errorf("%s[%s]: %+v != %+v", res, k, b.Buckets[res][k], bk)
			}
		}
	}

	// The restored engine continues the delta chain.
	res, err := second.Ingest(ctx, reading(t0.Add(40*time.Minute), "28.5"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Delta.Equal(q("0.3")) {
		t.Errorf("delta after restore = %s, want 0.3", res.Delta)
	}
	if !second.Status().Restored {
		t.Error("status should report restored state")
	}
}

func TestEngine_RestoreFailureStartsEmpty(t *testing.T) {
	e := newTestEngine(&memBackend{loadErr: errors.New("corrupt")})

	if err := e.Restore(context.Background()); err == nil {
		t.Fatal("expected restore error")
	}
	if e.HasData() {
		t.Error("engine should be empty after failed restore")
	}
}

func TestEngine_EvictionOnIngest(t *testing.T) {
	e := newTestEngine(nil)
	t0 := time.Date(2025, 3, 4, 10, 0, 0, 0, cst)

	e.Ingest(context.Background(), reading(t0, "100"))
	res, err := e.Ingest(context.Background(), reading(t0.Add(25*time.Hour), "90"))
	if err != nil {
		t.Fatal(err)
	}

	var tenMinute []string
	for _, ev := range res.Evicted {
		if ev.Resolution == types.ResolutionTenMinute {
			tenMinute = append(tenMinute, ev.Key)
		}
	}
	if len(tenMinute) != 1 || tenMinute[0] != "2025-03-04 10:00" {
		t.Errorf("evicted ten-minute keys = %v", tenMinute)
	}
	if _, ok := e.Buckets(types.ResolutionHourly)["2025-03-04-10"]; !ok {
		t.Error("hourly bucket inside its window must survive")
	}
}

func TestEngine_TimestampNormalized(t *testing.T) {
	e := newTestEngine(nil)
	utc := time.Date(2025, 3, 4, 2, 3, 4, 567891234, time.UTC)

	res, err := e.Ingest(context.Background(), reading(utc, "10"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Reading.Timestamp.Location() != cst {
		t.Errorf("location = %v, want CST", res.Reading.Timestamp.Location())
	}
	if res.Reading.Timestamp.Nanosecond() != 567000000 {
		t.Errorf("nanos = %d, want millisecond truncation", res.Reading.Timestamp.Nanosecond())
	}
	if res.Keys[types.ResolutionHourly] != "2025-03-04-10" {
		t.Errorf("hourly key = %s, want local-time key", res.Keys[types.ResolutionHourly])
	}
}

func TestEngine_ConcurrentReaders(t *testing.T) {
	e := newTestEngine(&memBackend{})
	t0 := time.Date(2025, 3, 4, 0, 0, 0, 0, cst)

	var wg sync.WaitGroup
	done := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				snap := e.Snapshot()
				// A consistent snapshot never has more ten-minute samples
				// than readings.
				var samples int64
				for _, b := range snap.Buckets[types.ResolutionTenMinute] {
					samples += b.SampleCount
				}
				if samples != int64(len(snap.History)) {
					t.Errorf("torn snapshot: %d samples, %d readings", samples, len(snap.History))
					return
				}
				e.Status()
				e.Summary(t0)
			}
		}()
	}

	power := q("200")
	for i := 0; i < 200; i++ {
		power = power.Sub(q("0.1"))
		if _, err := e.Ingest(context.Background(), types.Reading{
			Timestamp:      t0.Add(time.Duration(i) * time.Minute),
			RemainingPower: power,
		}); err != nil {
			t.Fatal(err)
		}
	}
	close(done)
	wg.Wait()
}

func TestEngine_Summary(t *testing.T) {
	e := newTestEngine(nil)
	t0 := time.Date(2025, 3, 5, 9, 0, 0, 0, cst) // Wednesday

	for i, p := range []string{"50", "49", "47.5"} {
		e.Ingest(context.Background(), reading(t0.Add(time.Duration(i)*20*time.Minute), p))
	}

	s := e.Summary(t0.Add(time.Hour))
	if s.TodayKey != "2025-03-05" || s.WeekKey != "2025-W10" || s.MonthKey != "2025-03" {
		t.Errorf("keys = %s %s %s", s.TodayKey, s.WeekKey, s.MonthKey)
	}
	if !s.Today.Usage.Equal(q("2.5")) || !s.ThisMonth.Usage.Equal(q("2.5")) {
		t.Errorf("today = %s, month = %s, want 2.5", s.Today.Usage, s.ThisMonth.Usage)
	}
	if !s.Recent24h.Equal(q("2.5")) {
		t.Errorf("recent 24h = %s, want 2.5", s.Recent24h)
	}
	if s.CurrentPower == nil || !s.CurrentPower.Equal(q("47.5")) {
		t.Errorf("current power = %v", s.CurrentPower)
	}
}

// gatedBackend blocks every Flush until release is closed.
type gatedBackend struct {
	memBackend
	started chan struct{}
	release chan struct{}
}

func (g *gatedBackend) Flush(ctx context.Context, snap *types.Snapshot) error {
	g.started <- struct{}{}
	<-g.release
	return g.memBackend.Flush(ctx, snap)
}

func TestEngine_SlowFlushDoesNotBlockReaders(t *testing.T) {
	backend := &gatedBackend{started: make(chan struct{}, 2), release: make(chan struct{})}
	e := newTestEngine(backend)
	t0 := time.Date(2025, 3, 4, 10, 0, 0, 0, cst)

	h := testhelp.NewTestHelper(t)
	h.Add(1)
	go func() {
		defer h.Done()
		if _, err := e.Ingest(context.Background(), reading(t0, "50")); err != nil {
			h.Errorf("first ingest: %v", err)
		}
	}()
	<-backend.started

	// The second writer queues behind the first flush.
	h.Add(1)
	go func() {
		defer h.Done()
		if _, err := e.Ingest(context.Background(), reading(t0.Add(time.Minute), "49.5")); err != nil {
			h.Errorf("second ingest: %v", err)
		}
	}()
	time.Sleep(20 * time.Millisecond)

	err := testhelp.Within(100*time.Millisecond, func() {
		e.Buckets(types.ResolutionDaily)
		e.History(0)
		e.Status()
	})
	close(backend.release)
	h.Wait()

	if err != nil {
		t.Fatalf("readers blocked behind a pending flush: %v", err)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.flushes) != 2 {
		t.Fatalf("flushes = %d, want 2", len(backend.flushes))
	}
	if len(backend.flushes[0].History) != 1 || len(backend.flushes[1].History) != 2 {
		t.Errorf("flushes out of order: %d then %d readings",
			len(backend.flushes[0].History), len(backend.flushes[1].History))
	}
}

func TestEngine_RestoreSweepsStaleBuckets(t *testing.T) {
	t0 := time.Date(2025, 3, 4, 10, 0, 0, 0, cst)
	loaded := types.NewSnapshot()
	loaded.History = []types.Reading{reading(t0, "80")}
	stale := types.Bucket{Usage: q("0.4"), SampleCount: 2, LastPower: q("81")}
	loaded.Buckets[types.ResolutionTenMinute]["2025-03-02 09:00"] = stale
	loaded.Buckets[types.ResolutionTenMinute]["2025-03-04 10:00"] = types.Bucket{SampleCount: 1, LastPower: q("80")}

	e := newTestEngine(&memBackend{loaded: loaded})
	if err := e.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}

	buckets := e.Buckets(types.ResolutionTenMinute)
	if _, ok := buckets["2025-03-02 09:00"]; ok {
		t.Error("bucket outside retention survived restore")
	}
	if _, ok := buckets["2025-03-04 10:00"]; !ok {
		t.Error("current bucket dropped by restore sweep")
	}

	res, err := e.Ingest(context.Background(), reading(t0.Add(2*time.Minute), "79.9"))
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, ev := range res.Evicted {
		if ev.Resolution == types.ResolutionTenMinute && ev.Key == "2025-03-02 09:00" {
			found = ev.Bucket.Equal(stale)
		}
	}
	if !found {
		t.Errorf("restore eviction not reported by next ingest: %+v", res.Evicted)
	}

	res, _ = e.Ingest(context.Background(), reading(t0.Add(4*time.Minute), "79.8"))
	if len(res.Evicted) != 0 {
		t.Errorf("evictions reported twice: %+v", res.Evicted)
	}
}

func TestEngine_EvictReportedOnNextIngest(t *testing.T) {
	e := newTestEngine(nil)
	t0 := time.Date(2025, 3, 4, 10, 0, 0, 0, cst)
	e.Ingest(context.Background(), reading(t0, "100"))

	swept := e.Evict(t0.Add(48 * time.Hour))
	if len(swept.Evicted) == 0 {
		t.Fatal("expected buckets evicted two days later")
	}
	if n := len(e.Buckets(types.ResolutionTenMinute)); n != 0 {
		t.Errorf("ten-minute buckets after evict = %d, want 0", n)
	}

	res, err := e.Ingest(context.Background(), reading(t0.Add(48*time.Hour), "99"))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Evicted) < len(swept.Evicted) {
		t.Errorf("ingest reported %d evictions, want at least %d", len(res.Evicted), len(swept.Evicted))
	}
}
