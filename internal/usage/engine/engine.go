// Package engine turns meter readings into consumption rollups.
//
// The Engine owns the reading history and the five bucket rollups. Each
// Ingest computes the consumption delta against the previous reading, folds
// it into every resolution, evicts expired buckets and writes the complete
// state through to the persistence backend.
//
// Concurrency:
//
//	flushMu  serializes Ingest end to end; taken before mu, so a writer
//	         waiting for a slow flush never holds mu and flush N always
//	         finishes before flush N+1 starts
//	mu       guards history, rollups and status; held only while state is
//	         mutated and cloned; readers copy under RLock
//	statusMu flush outcome only
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xtxerr/powerwatch/internal/errors"
	"github.com/xtxerr/powerwatch/internal/logging"
	"github.com/xtxerr/powerwatch/internal/metrics"
	"github.com/xtxerr/powerwatch/internal/usage/history"
	"github.com/xtxerr/powerwatch/internal/usage/persist"
	"github.com/xtxerr/powerwatch/internal/usage/rollup"
	"github.com/xtxerr/powerwatch/internal/usage/types"
)

var log = logging.Component("engine")

// Options configures an Engine.
type Options struct {
	// Location bucket keys are computed in. Default: time.Local.
	Location *time.Location

	// MaxHistory caps the reading history. Default: 1000.
	MaxHistory int

	Retention rollup.Retention

	// Backend receives a snapshot after every ingestion. nil disables
	// persistence.
	Backend persist.Backend

	Metrics *metrics.Metrics

	// SketchAccuracy is the relative accuracy of consumption quantiles.
	SketchAccuracy float64
}

// DeltaResult describes the effect of one ingested reading.
type DeltaResult struct {
	Reading  types.Reading                     `json:"reading"`
	Delta    types.Quantity                    `json:"delta"`
	Recharge bool                              `json:"recharge"`
	First    bool                              `json:"first"`
	Keys     map[types.Resolution]string       `json:"-"`
	Evicted  []rollup.EvictedBucket            `json:"-"`
	Buckets  map[types.Resolution]types.Bucket `json:"-"`
}

// Engine aggregates readings. Create with New.
type Engine struct {
	loc     *time.Location
	backend persist.Backend
	metrics *metrics.Metrics

	mu          sync.RWMutex
	history     *history.Log
	rollups     *rollup.Store
	consumption *consumptionStats
	ingested    uint64
	lastIngest  time.Time
	restored    bool

	// pendingEvicted holds buckets removed outside Ingest. The next Ingest
	// reports them in its DeltaResult so hooks such as the archive see them.
	pendingEvicted []rollup.EvictedBucket

	flushMu sync.Mutex

	// statusMu guards flush outcome; taken while flushMu is held, never mu.
	statusMu  sync.Mutex
	lastFlush time.Time
	flushErr  error
}

// New creates an empty engine. Call Restore to load persisted state.
func New(opts Options) *Engine {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = history.DefaultCapacity
	}

	return &Engine{
		loc:         opts.Location,
		backend:     opts.Backend,
		metrics:     opts.Metrics,
		history:     history.New(opts.MaxHistory),
		rollups:     rollup.New(opts.Retention),
		consumption: newConsumptionStats(opts.SketchAccuracy),
	}
}

// Location returns the location bucket keys are computed in.
func (e *Engine) Location() *time.Location { return e.loc }

// Backend returns the persistence backend, or nil.
func (e *Engine) Backend() persist.Backend { return e.backend }

// Restore loads the persisted snapshot and sweeps it with the current
// retention, relative to the newest restored reading. On failure the engine
// stays empty and the error is returned for logging; it is not fatal.
func (e *Engine) Restore(ctx context.Context) error {
	if e.backend == nil {
		return nil
	}
	if !e.backend.Available() {
		log.Warn("backend unavailable, starting empty", "backend", e.backend.Name())
		return errors.NewPersistenceFailure(e.backend.Name(), "load", errors.ErrBackendUnavailable)
	}

	snap, err := e.backend.Load(ctx)
	if err != nil {
		log.Error("failed to load persisted state, starting empty", "backend", e.backend.Name(), "error", err)
		return err
	}

	readings := make([]types.Reading, len(snap.History))
	for i, r := range snap.History {
		r.Timestamp = r.Timestamp.In(e.loc)
		readings[i] = r
	}
	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].Timestamp.Before(readings[j].Timestamp)
	})

	e.mu.Lock()
	defer e.mu.Unlock()

	e.history.Replace(readings)
	e.rollups.Replace(snap.Buckets)
	e.pendingEvicted = nil

	e.consumption.reset()
	kept := e.history.All()
	for i := 1; i < len(kept); i++ {
		delta, recharge := kept[i].Delta(kept[i-1])
		e.consumption.add(delta.Float64(), recharge, kept[i].Timestamp)
	}
	if latest, ok := e.history.Latest(); ok {
		e.lastIngest = latest.Timestamp
		// Catches buckets kept under a longer retention or by an older writer.
		if swept := e.evictLocked(latest.Timestamp); len(swept.Evicted) > 0 {
			log.Info("evicted stale buckets after restore", "count", len(swept.Evicted))
		}
	}
	e.restored = true
	e.updateGaugesLocked()

	counts := e.rollups.Counts()
	log.Info("restored state",
		"backend", e.backend.Name(),
		"history", e.history.Len(),
		"ten_minute", counts[types.ResolutionTenMinute],
		"hourly", counts[types.ResolutionHourly],
		"daily", counts[types.ResolutionDaily],
		"weekly", counts[types.ResolutionWeekly],
		"monthly", counts[types.ResolutionMonthly])
	return nil
}

// Ingest folds r into the history and rollups, evicts expired buckets and
// flushes the new state.
//
// An invalid reading is rejected with ErrInvalidReading and changes nothing.
// A flush failure returns the valid result together with an error wrapping
// ErrPersistenceFailure; the in-memory state is kept.
func (e *Engine) Ingest(ctx context.Context, r types.Reading) (*DeltaResult, error) {
	if err := validate(r); err != nil {
		return nil, err
	}

	r = r.Clone()
	r.Timestamp = r.Timestamp.In(e.loc).Truncate(time.Millisecond)

	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.Lock()

	prev, hasPrev := e.history.Latest()
	if hasPrev && r.Timestamp.Before(prev.Timestamp) {
		e.mu.Unlock()
		return nil, errors.NewInvalidReading("timestamp " + r.Timestamp.Format(time.RFC3339) +
			" precedes previous reading at " + prev.Timestamp.Format(time.RFC3339))
	}

	result := &DeltaResult{Reading: r, First: !hasPrev}
	if hasPrev {
		result.Delta, result.Recharge = r.Delta(prev)
		e.consumption.add(result.Delta.Float64(), result.Recharge, r.Timestamp)
	}

	e.history.Push(r)
	result.Keys = e.rollups.Apply(r.Timestamp, result.Delta, r.RemainingPower)
	result.Buckets = make(map[types.Resolution]types.Bucket, len(result.Keys))
	for res, key := range result.Keys {
		b, _ := e.rollups.Bucket(res, key)
		result.Buckets[res] = b
	}

	evicted := e.rollups.Evict(r.Timestamp)
	result.Evicted = append(e.pendingEvicted, evicted.Evicted...)
	e.pendingEvicted = nil

	e.ingested++
	e.lastIngest = r.Timestamp
	e.updateGaugesLocked()

	var snap *types.Snapshot
	if e.backend != nil {
		snap = e.snapshotLocked()
	}

	e.mu.Unlock()

	if result.Recharge {
		log.Info("recharge detected",
			"previous", prev.RemainingPower.String(),
			"current", r.RemainingPower.String())
	}
	for _, ev := range result.Evicted {
		log.Debug("bucket evicted", "resolution", ev.Resolution.String(), "key", ev.Key)
	}
	e.recordIngestMetrics(result)

	return result, e.flush(ctx, snap)
}

// flush writes snap to the backend. Caller holds flushMu.
func (e *Engine) flush(ctx context.Context, snap *types.Snapshot) error {
	if e.backend == nil {
		return nil
	}

	start := time.Now()
	err := e.backend.Flush(ctx, snap)
	e.metrics.FlushObserved(e.backend.Name(), time.Since(start), err)

	if err != nil && !errors.Is(err, errors.ErrPersistenceFailure) {
		err = errors.NewPersistenceFailure(e.backend.Name(), "flush", err)
	}

	e.statusMu.Lock()
	e.flushErr = err
	if err == nil {
		e.lastFlush = time.Now()
	}
	e.statusMu.Unlock()

	if err != nil {
		logging.WithContext(ctx).Error("flush failed, state kept in memory",
			"backend", e.backend.Name(),
			"error", err)
	}
	return err
}

// Evict removes buckets older than each resolution's retention relative to
// now. It does not flush; the next ingestion persists the result and
// reports the removed buckets in its DeltaResult.
func (e *Engine) Evict(now time.Time) rollup.EvictionResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.evictLocked(now.In(e.loc))
}

// evictLocked sweeps the rollups and queues what it removed. Caller holds mu.
func (e *Engine) evictLocked(now time.Time) rollup.EvictionResult {
	res := e.rollups.Evict(now)
	e.pendingEvicted = append(e.pendingEvicted, res.Evicted...)
	e.updateGaugesLocked()
	return res
}

func validate(r types.Reading) error {
	switch {
	case r.Timestamp.IsZero():
		return errors.NewInvalidReading("missing timestamp")
	case !r.RemainingPower.IsFinite():
		return errors.NewInvalidReading("remaining power is not finite")
	case r.RemainingPower.Sign() < 0:
		return errors.NewInvalidReading("remaining power is negative: " + r.RemainingPower.String())
	}
	return nil
}

func (e *Engine) recordIngestMetrics(result *DeltaResult) {
	if e.metrics == nil {
		return
	}
	e.metrics.ReadingIngested(result.Reading.RemainingPower.Float64(), result.Delta.Float64(), result.Recharge)

	evicted := make(map[types.Resolution]int)
	for _, ev := range result.Evicted {
		evicted[ev.Resolution]++
	}
	for res, n := range evicted {
		e.metrics.BucketsEvicted(res.String(), n)
	}
}

// updateGaugesLocked refreshes size gauges. Caller holds mu.
func (e *Engine) updateGaugesLocked() {
	if e.metrics == nil {
		return
	}
	for res, n := range e.rollups.Counts() {
		e.metrics.SetBuckets(res.String(), n)
	}
	e.metrics.SetHistoryLength(e.history.Len())
}

func (e *Engine) snapshotLocked() *types.Snapshot {
	return &types.Snapshot{
		History: cloneReadings(e.history.All()),
		Buckets: e.rollups.All(),
	}
}

func cloneReadings(in []types.Reading) []types.Reading {
	out := make([]types.Reading, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}
