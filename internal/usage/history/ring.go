// Package history holds the bounded, insertion-ordered window of recent
// readings used for delta computation and as an audit trail.
package history

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/powerwatch/internal/usage/types"
)

// DefaultCapacity is the maximum number of readings retained.
const DefaultCapacity = 1000

// Log is a thread-safe circular buffer of readings. When full, pushing a new
// reading drops the oldest one.
type Log struct {
	mu       sync.RWMutex
	data     []types.Reading
	head     int64 // Next write position
	tail     int64 // Oldest data position
	count    int64
	capacity int64

	// Statistics
	pushCount atomic.Int64
	dropCount atomic.Int64
}

// New creates a Log with the given capacity.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		data:     make([]types.Reading, capacity),
		capacity: int64(capacity),
	}
}

// Push appends r, evicting the oldest reading if the log is full.
// It reports whether a reading was evicted.
func (l *Log) Push(r types.Reading) (evicted bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pushLocked(r)
}

func (l *Log) pushLocked(r types.Reading) bool {
	evicted := false
	if l.count >= l.capacity {
		l.data[l.tail%l.capacity] = types.Reading{}
		l.tail++
		l.count--
		l.dropCount.Add(1)
		evicted = true
	}

	l.data[l.head%l.capacity] = r
	l.head++
	l.count++
	l.pushCount.Add(1)

	return evicted
}

// Latest returns the newest reading.
// Returns false if the log is empty.
func (l *Log) Latest() (types.Reading, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.count == 0 {
		return types.Reading{}, false
	}
	return l.data[(l.head-1)%l.capacity], true
}

// All returns every reading, oldest first.
func (l *Log) All() []types.Reading {
	return l.Last(0)
}

// Last returns up to n of the newest readings, oldest first.
// n <= 0 returns everything.
func (l *Log) Last(n int) []types.Reading {
	l.mu.RLock()
	defer l.mu.RUnlock()

	count := l.count
	if n > 0 && int64(n) < count {
		count = int64(n)
	}

	out := make([]types.Reading, count)
	start := l.head - count
	for i := int64(0); i < count; i++ {
		out[i] = l.data[(start+i)%l.capacity]
	}
	return out
}

// Replace discards the current contents and loads readings, keeping only the
// newest Cap() of them.
func (l *Log) Replace(readings []types.Reading) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.data {
		l.data[i] = types.Reading{}
	}
	l.head, l.tail, l.count = 0, 0, 0

	if int64(len(readings)) > l.capacity {
		readings = readings[int64(len(readings))-l.capacity:]
	}
	for _, r := range readings {
		l.pushLocked(r)
	}
}

// Len returns the number of readings held.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int(l.count)
}

// Cap returns the capacity of the log.
func (l *Log) Cap() int {
	return int(l.capacity)
}

// TimeRange returns the timestamps of the oldest and newest readings.
// Both are zero if the log is empty.
func (l *Log) TimeRange() (oldest, newest time.Time) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.count == 0 {
		return time.Time{}, time.Time{}
	}
	return l.data[l.tail%l.capacity].Timestamp, l.data[(l.head-1)%l.capacity].Timestamp
}

// Stats returns log statistics.
func (l *Log) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return Stats{
		Capacity:  int(l.capacity),
		Count:     int(l.count),
		PushCount: l.pushCount.Load(),
		DropCount: l.dropCount.Load(),
	}
}

// Stats holds log statistics.
type Stats struct {
	Capacity  int
	Count     int
	PushCount int64
	DropCount int64
}
