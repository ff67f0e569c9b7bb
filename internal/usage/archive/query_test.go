package archive

import (
	"context"
	"testing"
	"time"

	"github.com/xtxerr/powerwatch/internal/usage/types"
)

func newTestQuery(t *testing.T, dir string) *Query {
	t.Helper()
	qs, err := NewQuery(dir, "128MB", cst)
	if err != nil {
		t.Fatalf("NewQuery: %v", err)
	}
	t.Cleanup(func() { qs.Close() })
	return qs
}

func TestQuery_EmptyArchive(t *testing.T) {
	qs := newTestQuery(t, t.TempDir())

	recs, err := qs.Buckets(context.Background(), BucketQuery{Resolution: types.ResolutionDaily})
	if err != nil {
		t.Fatalf("Buckets: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("records = %d, want 0", len(recs))
	}

	totals, err := qs.Totals(context.Background(), types.ResolutionDaily)
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if totals.Buckets != 0 {
		t.Fatalf("totals = %+v, want zero", totals)
	}
}

func TestQuery_Buckets(t *testing.T) {
	a := newTestArchive(t, Options{Compression: CompressionZstd})
	at := time.Date(2025, 3, 5, 10, 30, 0, 0, cst)
	if _, err := a.Write(evicted(), at); err != nil {
		t.Fatalf("Write: %v", err)
	}
	qs := newTestQuery(t, a.Dir())
	ctx := context.Background()

	tests := []struct {
		name     string
		query    BucketQuery
		wantKeys []string
	}{
		{
			name:     "all",
			query:    BucketQuery{Resolution: types.ResolutionTenMinute},
			wantKeys: []string{"2025-03-04 10:10", "2025-03-04 10:20"},
		},
		{
			name: "from bound inclusive",
			query: BucketQuery{
				Resolution: types.ResolutionTenMinute,
				From:       time.Date(2025, 3, 4, 10, 20, 0, 0, cst),
			},
			wantKeys: []string{"2025-03-04 10:20"},
		},
		{
			name: "to bound exclusive",
			query: BucketQuery{
				Resolution: types.ResolutionTenMinute,
				To:         time.Date(2025, 3, 4, 10, 20, 0, 0, cst),
			},
			wantKeys: []string{"2025-03-04 10:10"},
		},
		{
			name:     "limit",
			query:    BucketQuery{Resolution: types.ResolutionTenMinute, Limit: 1},
			wantKeys: []string{"2025-03-04 10:10"},
		},
		{
			name:     "other resolution",
			query:    BucketQuery{Resolution: types.ResolutionDaily},
			wantKeys: []string{"2024-03-03"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := qs.Buckets(ctx, tt.query)
			if err != nil {
				t.Fatalf("Buckets: %v", err)
			}
			if len(recs) != len(tt.wantKeys) {
				t.Fatalf("records = %d, want %d", len(recs), len(tt.wantKeys))
			}
			for i, key := range tt.wantKeys {
				if recs[i].Key != key {
					t.Errorf("record %d key = %q, want %q", i, recs[i].Key, key)
				}
				if !recs[i].EvictedAt.Equal(at) {
					t.Errorf("record %d evicted_at = %v, want %v", i, recs[i].EvictedAt, at)
				}
			}
		})
	}

	daily, err := qs.Buckets(ctx, BucketQuery{Resolution: types.ResolutionDaily})
	if err != nil {
		t.Fatalf("Buckets daily: %v", err)
	}
	if p := daily[0].Bucket.PeakPower; p == nil || p.String() != "120.5" {
		t.Errorf("peak power = %v, want 120.5", p)
	}
	if daily[0].Bucket.Usage.String() != "7.125" {
		t.Errorf("usage = %s, want exact 7.125", daily[0].Bucket.Usage)
	}

	if st := qs.Stats(); st.QueriesExecuted != int64(len(tests)+1) {
		t.Errorf("queries executed = %d, want %d", st.QueriesExecuted, len(tests)+1)
	}
}

func TestQuery_Totals(t *testing.T) {
	a := newTestArchive(t, Options{})
	if _, err := a.Write(evicted(), time.Date(2025, 3, 5, 10, 30, 0, 0, cst)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	qs := newTestQuery(t, a.Dir())

	totals, err := qs.Totals(context.Background(), types.ResolutionTenMinute)
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if totals.Buckets != 2 {
		t.Errorf("buckets = %d, want 2", totals.Buckets)
	}
	if totals.Usage < 1.5499 || totals.Usage > 1.5501 {
		t.Errorf("usage = %v, want 1.55", totals.Usage)
	}
	if !totals.First.Equal(time.Date(2025, 3, 4, 10, 10, 0, 0, cst)) {
		t.Errorf("first = %v", totals.First)
	}
	if !totals.Last.Equal(time.Date(2025, 3, 4, 10, 20, 0, 0, cst)) {
		t.Errorf("last = %v", totals.Last)
	}
}
