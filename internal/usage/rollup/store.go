// Package rollup maintains the five time-bucketed usage rollups and their
// retention.
//
// A Store is not safe for concurrent use; the engine serializes access.
package rollup

import (
	"time"

	"github.com/xtxerr/powerwatch/internal/usage/types"
)

// Store holds one bucket map per resolution.
type Store struct {
	buckets   map[types.Resolution]types.BucketMap
	retention Retention
	stats     Stats
}

// Stats holds rollup statistics.
type Stats struct {
	Applied      int64
	Evicted      int64
	LastEviction time.Time
}

// EvictedBucket is a bucket removed by retention.
type EvictedBucket struct {
	Resolution types.Resolution
	Key        string
	Bucket     types.Bucket
}

// EvictionResult holds the result of one eviction sweep.
type EvictionResult struct {
	Cutoffs map[types.Resolution]string
	Evicted []EvictedBucket
}

// New creates an empty Store.
func New(retention Retention) *Store {
	return &Store{
		buckets:   types.NewSnapshot().Buckets,
		retention: retention,
	}
}

// Apply adds delta and the reading's remaining power to the bucket of every
// resolution containing ts. ts must already be in the engine's location.
// It returns the key touched per resolution.
func (s *Store) Apply(ts time.Time, delta, power types.Quantity) map[types.Resolution]string {
	keys := make(map[types.Resolution]string, len(s.buckets))

	for _, res := range types.AllResolutions() {
		key := res.Key(ts)
		b := s.buckets[res][key]
		b.Apply(delta, power, res.TracksPeak())
		s.buckets[res][key] = b
		keys[res] = key
	}

	s.stats.Applied++
	return keys
}

// CutoffKey returns the oldest key of res still retained at now.
func (s *Store) CutoffKey(res types.Resolution, now time.Time) string {
	return res.Key(now.Add(-s.retention.For(res)))
}

// Evict removes every bucket whose key sorts strictly before the cutoff key
// of its resolution. The sweep is idempotent for a fixed now.
func (s *Store) Evict(now time.Time) EvictionResult {
	result := EvictionResult{Cutoffs: make(map[types.Resolution]string, len(s.buckets))}

	for _, res := range types.AllResolutions() {
		cutoff := s.CutoffKey(res, now)
		result.Cutoffs[res] = cutoff

		m := s.buckets[res]
		for _, key := range m.Keys() {
			if key >= cutoff {
				break
			}
			result.Evicted = append(result.Evicted, EvictedBucket{
				Resolution: res,
				Key:        key,
				Bucket:     m[key],
			})
			delete(m, key)
		}
	}

	s.stats.Evicted += int64(len(result.Evicted))
	s.stats.LastEviction = now
	return result
}

// Buckets returns a deep copy of the buckets of res.
func (s *Store) Buckets(res types.Resolution) types.BucketMap {
	return s.buckets[res].Clone()
}

// Bucket returns a copy of one bucket.
func (s *Store) Bucket(res types.Resolution, key string) (types.Bucket, bool) {
	b, ok := s.buckets[res][key]
	if !ok {
		return types.Bucket{}, false
	}
	return b.Clone(), true
}

// All returns a deep copy of every rollup.
func (s *Store) All() map[types.Resolution]types.BucketMap {
	out := make(map[types.Resolution]types.BucketMap, len(s.buckets))
	for res, m := range s.buckets {
		out[res] = m.Clone()
	}
	return out
}

// Replace loads buckets wholesale, as on startup restore. Resolutions missing
// from buckets become empty.
func (s *Store) Replace(buckets map[types.Resolution]types.BucketMap) {
	for _, res := range types.AllResolutions() {
		if m, ok := buckets[res]; ok && m != nil {
			s.buckets[res] = m.Clone()
		} else {
			s.buckets[res] = make(types.BucketMap)
		}
	}
}

// Counts returns the number of buckets held per resolution.
func (s *Store) Counts() map[types.Resolution]int {
	out := make(map[types.Resolution]int, len(s.buckets))
	for res, m := range s.buckets {
		out[res] = len(m)
	}
	return out
}

// Stats returns current statistics.
func (s *Store) Stats() Stats {
	return s.stats
}
