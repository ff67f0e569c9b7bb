package types

import (
	"sort"
)

// BucketMap maps a bucket key to its bucket for one resolution.
type BucketMap map[string]Bucket

// Clone returns a deep copy of m.
func (m BucketMap) Clone() BucketMap {
	out := make(BucketMap, len(m))
	for k, b := range m {
		out[k] = b.Clone()
	}
	return out
}

// Keys returns the keys of m in ascending (chronological) order.
func (m BucketMap) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot is the complete persisted state: the history window and all five
// rollups. It is the unit exchanged with persistence backends.
type Snapshot struct {
	History []Reading
	Buckets map[Resolution]BucketMap
}

// NewSnapshot returns an empty snapshot with all rollup maps allocated.
func NewSnapshot() *Snapshot {
	s := &Snapshot{
		Buckets: make(map[Resolution]BucketMap, len(AllResolutions())),
	}
	for _, r := range AllResolutions() {
		s.Buckets[r] = make(BucketMap)
	}
	return s
}

// Clone returns a deep copy of s.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		History: make([]Reading, len(s.History)),
		Buckets: make(map[Resolution]BucketMap, len(AllResolutions())),
	}
	for i, r := range s.History {
		out.History[i] = r.Clone()
	}
	for _, r := range AllResolutions() {
		if m, ok := s.Buckets[r]; ok {
			out.Buckets[r] = m.Clone()
		} else {
			out.Buckets[r] = make(BucketMap)
		}
	}
	return out
}

// Latest returns the newest reading in the history, if any.
func (s *Snapshot) Latest() (Reading, bool) {
	if len(s.History) == 0 {
		return Reading{}, false
	}
	return s.History[len(s.History)-1], true
}

// IsEmpty reports whether s holds no history and no buckets.
func (s *Snapshot) IsEmpty() bool {
	if len(s.History) > 0 {
		return false
	}
	for _, m := range s.Buckets {
		if len(m) > 0 {
			return false
		}
	}
	return true
}
