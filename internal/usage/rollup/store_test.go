package rollup

import (
	"testing"
	"time"

	"github.com/xtxerr/powerwatch/internal/usage/types"
)

var cst = time.FixedZone("CST", 8*3600)

func q(s string) types.Quantity { return types.MustQuantity(s) }

func TestStore_ApplyTouchesAllResolutions(t *testing.T) {
	s := New(DefaultRetention())
	ts := time.Date(2025, 3, 4, 10, 27, 0, 0, cst)

	keys := s.Apply(ts, q("1.5"), q("90"))

	want := map[types.Resolution]string{
		types.ResolutionTenMinute: "2025-03-04 10:20",
		types.ResolutionHourly:    "2025-03-04-10",
		types.ResolutionDaily:     "2025-03-04",
		types.ResolutionWeekly:    "2025-W10",
		types.ResolutionMonthly:   "2025-03",
	}

	for res, key := range want {
		if keys[res] != key {
			t.Errorf("%s key = %q, want %q", res, keys[res], key)
		}
		b, ok := s.Bucket(res, key)
		if !ok {
			t.Errorf("%s bucket %q missing", res, key)
			continue
		}
		if !b.Usage.Equal(q("1.5")) || b.SampleCount != 1 || !b.LastPower.Equal(q("90")) {
			t.Errorf("%s bucket = %+v", res, b)
		}
		if res.TracksPeak() != (b.PeakPower != nil) {
			t.Errorf("%s peak presence = %v", res, b.PeakPower != nil)
		}
	}
}

func TestStore_TenMinuteExample(t *testing.T) {
	s := New(DefaultRetention())
	start := time.Date(2025, 3, 4, 10, 0, 0, 0, cst)

	steps := []struct {
		offset time.Duration
		delta  string
		power  string
	}{
		{0, "0", "100"},
		{5 * time.Minute, "0", "100"},
		{12 * time.Minute, "2.5", "97.5"},
		{25 * time.Minute, "2.5", "95"},
	}
	for _, st := range steps {
		s.Apply(start.Add(st.offset), q(st.delta), q(st.power))
	}

	tenMin := s.Buckets(types.ResolutionTenMinute)
	want := map[string]string{
		"2025-03-04 10:00": "0",
		"2025-03-04 10:10": "2.5",
		"2025-03-04 10:20": "2.5",
	}
	if len(tenMin) != len(want) {
		t.Fatalf("expected %d buckets, got %d", len(want), len(tenMin))
	}
	for key, usage := range want {
		if !tenMin[key].Usage.Equal(q(usage)) {
			t.Errorf("bucket %s usage = %s, want %s", key, tenMin[key].Usage, usage)
		}
	}
	if tenMin["2025-03-04 10:00"].SampleCount != 2 {
		t.Errorf("bucket 10:00 count = %d, want 2", tenMin["2025-03-04 10:00"].SampleCount)
	}

	hourly, _ := s.Bucket(types.ResolutionHourly, "2025-03-04-10")
	if !hourly.Usage.Equal(q("5.0")) {
		t.Errorf("hourly usage = %s, want 5.0", hourly.Usage)
	}
}

func TestStore_EvictBoundary(t *testing.T) {
	s := New(DefaultRetention())
	now := time.Date(2025, 3, 5, 10, 27, 0, 0, cst)

	// key(now - 24h) = "2025-03-04 10:20" is the cutoff.
	s.Apply(time.Date(2025, 3, 4, 10, 10, 0, 0, cst), q("1"), q("10"))
	s.Apply(time.Date(2025, 3, 4, 10, 20, 0, 0, cst), q("1"), q("10"))
	s.Apply(time.Date(2025, 3, 4, 10, 30, 0, 0, cst), q("1"), q("10"))

	result := s.Evict(now)

	if cutoff := result.Cutoffs[types.ResolutionTenMinute]; cutoff != "2025-03-04 10:20" {
		t.Errorf("cutoff = %q, want 2025-03-04 10:20", cutoff)
	}

	tenMin := s.Buckets(types.ResolutionTenMinute)
	if _, ok := tenMin["2025-03-04 10:10"]; ok {
		t.Error("bucket before cutoff should be evicted")
	}
	if _, ok := tenMin["2025-03-04 10:20"]; !ok {
		t.Error("bucket equal to cutoff should be kept")
	}
	if _, ok := tenMin["2025-03-04 10:30"]; !ok {
		t.Error("bucket after cutoff should be kept")
	}

	var evictedTenMin int
	for _, e := range result.Evicted {
		if e.Resolution == types.ResolutionTenMinute {
			evictedTenMin++
			if e.Key != "2025-03-04 10:10" {
				t.Errorf("evicted key = %q", e.Key)
			}
		}
	}
	if evictedTenMin != 1 {
		t.Errorf("expected 1 evicted ten_minute bucket, got %d", evictedTenMin)
	}
}

func TestStore_EvictRetentionWindows(t *testing.T) {
	now := time.Date(2025, 3, 5, 12, 0, 0, 0, cst)

	tests := []struct {
		res     types.Resolution
		oldTs   time.Time
		freshTs time.Time
	}{
		{types.ResolutionTenMinute, now.Add(-25 * time.Hour), now.Add(-23 * time.Hour)},
		{types.ResolutionHourly, now.AddDate(0, 0, -31), now.AddDate(0, 0, -29)},
		{types.ResolutionDaily, now.AddDate(0, 0, -366), now.AddDate(0, 0, -364)},
		{types.ResolutionWeekly, now.AddDate(0, 0, -54*7), now.AddDate(0, 0, -50*7)},
		{types.ResolutionMonthly, now.AddDate(0, 0, -760), now.AddDate(0, 0, -700)},
	}

	for _, tt := range tests {
		t.Run(tt.res.String(), func(t *testing.T) {
			s := New(DefaultRetention())
			s.Apply(tt.oldTs, q("1"), q("10"))
			s.Apply(tt.freshTs, q("1"), q("10"))

			s.Evict(now)

			m := s.Buckets(tt.res)
			if _, ok := m[tt.res.Key(tt.oldTs)]; ok {
				t.Errorf("bucket %s should be evicted", tt.res.Key(tt.oldTs))
			}
			if _, ok := m[tt.res.Key(tt.freshTs)]; !ok {
				t.Errorf("bucket %s should be kept", tt.res.Key(tt.freshTs))
			}
		})
	}
}

func TestStore_EvictIdempotent(t *testing.T) {
	s := New(DefaultRetention())
	now := time.Date(2025, 3, 5, 12, 0, 0, 0, cst)

	for i := 0; i < 72; i++ {
		s.Apply(now.Add(-time.Duration(i)*time.Hour), q("0.5"), q("50"))
	}

	first := s.Evict(now)
	countsAfterFirst := s.Counts()
	second := s.Evict(now)

	if len(first.Evicted) == 0 {
		t.Fatal("first sweep should evict something")
	}
	if len(second.Evicted) != 0 {
		t.Errorf("second sweep evicted %d buckets, want 0", len(second.Evicted))
	}
	for res, n := range s.Counts() {
		if countsAfterFirst[res] != n {
			t.Errorf("%s count changed from %d to %d", res, countsAfterFirst[res], n)
		}
	}
}

func TestStore_EvictEmpty(t *testing.T) {
	s := New(DefaultRetention())
	result := s.Evict(time.Now())
	if len(result.Evicted) != 0 {
		t.Errorf("empty store evicted %d buckets", len(result.Evicted))
	}
}

func TestStore_ReplaceAndCopies(t *testing.T) {
	s := New(DefaultRetention())
	s.Replace(map[types.Resolution]types.BucketMap{
		types.ResolutionDaily: {"2025-03-04": {Usage: q("3"), SampleCount: 2}},
	})

	counts := s.Counts()
	if counts[types.ResolutionDaily] != 1 {
		t.Errorf("daily count = %d, want 1", counts[types.ResolutionDaily])
	}
	if counts[types.ResolutionHourly] != 0 {
		t.Errorf("hourly count = %d, want 0", counts[types.ResolutionHourly])
	}

	copyMap := s.Buckets(types.ResolutionDaily)
	copyMap["2025-03-04"] = types.Bucket{Usage: q("99")}

	b, _ := s.Bucket(types.ResolutionDaily, "2025-03-04")
	if !b.Usage.Equal(q("3")) {
		t.Error("mutating a returned map changed the store")
	}
}

func TestRetention_For(t *testing.T) {
	r := Retention{TenMinute: 2 * time.Hour}

	if got := r.For(types.ResolutionTenMinute); got != 2*time.Hour {
		t.Errorf("For(ten_minute) = %v, want 2h", got)
	}
	if got := r.For(types.ResolutionDaily); got != 365*24*time.Hour {
		t.Errorf("For(daily) = %v, want default", got)
	}

	if err := (Retention{Hourly: -time.Hour}).Validate(); err == nil {
		t.Error("negative retention should fail validation")
	}
	if err := DefaultRetention().Validate(); err != nil {
		t.Errorf("default retention invalid: %v", err)
	}
}
