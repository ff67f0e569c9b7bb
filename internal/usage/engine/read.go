package engine

import (
	"time"

	"github.com/xtxerr/powerwatch/internal/usage/history"
	"github.com/xtxerr/powerwatch/internal/usage/rollup"
	"github.com/xtxerr/powerwatch/internal/usage/types"
)

// Status is a point-in-time view of the engine for the status endpoint.
type Status struct {
	HasData          bool               `json:"has_data"`
	Restored         bool               `json:"restored"`
	Ingested         uint64             `json:"ingested"`
	LastReading      *types.Reading     `json:"last_reading,omitempty"`
	LastIngest       time.Time          `json:"last_ingest,omitempty"`
	LastFlush        time.Time          `json:"last_flush,omitempty"`
	LastFlushError   string             `json:"last_flush_error,omitempty"`
	Backend          string             `json:"backend"`
	BackendAvailable bool               `json:"backend_available"`
	BucketCounts     map[string]int     `json:"bucket_counts"`
	History          history.Stats      `json:"history"`
	Rollups          rollup.Stats       `json:"rollups"`
	Consumption      ConsumptionSummary `json:"consumption"`
	Location         string             `json:"timezone"`
}

// Summary aggregates the buckets covering "now" for the usage summary.
type Summary struct {
	Today        types.Bucket    `json:"today"`
	ThisWeek     types.Bucket    `json:"this_week"`
	ThisMonth    types.Bucket    `json:"this_month"`
	Recent24h    types.Quantity  `json:"recent_24h"`
	CurrentPower *types.Quantity `json:"current_power,omitempty"`
	TodayKey     string          `json:"today_key"`
	WeekKey      string          `json:"week_key"`
	MonthKey     string          `json:"month_key"`
	GeneratedAt  time.Time       `json:"generated_at"`
}

// History returns up to limit of the newest readings, oldest first.
// limit <= 0 returns the whole history.
func (e *Engine) History(limit int) []types.Reading {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cloneReadings(e.history.Last(limit))
}

// Buckets returns a copy of every bucket of res.
func (e *Engine) Buckets(res types.Resolution) types.BucketMap {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rollups.Buckets(res)
}

// Snapshot returns a deep copy of the complete state.
func (e *Engine) Snapshot() *types.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshotLocked()
}

// Latest returns the newest reading.
func (e *Engine) Latest() (types.Reading, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r, ok := e.history.Latest()
	if !ok {
		return types.Reading{}, false
	}
	return r.Clone(), true
}

// HasData reports whether at least one reading is held.
func (e *Engine) HasData() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.history.Len() > 0
}

// Status returns the engine status.
func (e *Engine) Status() Status {
	e.mu.RLock()
	st := Status{
		Restored:     e.restored,
		Ingested:     e.ingested,
		LastIngest:   e.lastIngest,
		BucketCounts: make(map[string]int, len(types.AllResolutions())),
		History:      e.history.Stats(),
		Rollups:      e.rollups.Stats(),
		Consumption:  e.consumption.summary(),
		Location:     e.loc.String(),
	}
	if r, ok := e.history.Latest(); ok {
		latest := r.Clone()
		st.LastReading = &latest
		st.HasData = true
	}
	for res, n := range e.rollups.Counts() {
		st.BucketCounts[res.String()] = n
	}
	e.mu.RUnlock()

	e.statusMu.Lock()
	st.LastFlush = e.lastFlush
	if e.flushErr != nil {
		st.LastFlushError = e.flushErr.Error()
	}
	e.statusMu.Unlock()

	if e.backend != nil {
		st.Backend = e.backend.Name()
		st.BackendAvailable = e.backend.Available()
	}
	return st
}

// Summary returns the buckets containing now and the ten-minute total.
func (e *Engine) Summary(now time.Time) Summary {
	now = now.In(e.loc)
	s := Summary{
		TodayKey:    types.ResolutionDaily.Key(now),
		WeekKey:     types.ResolutionWeekly.Key(now),
		MonthKey:    types.ResolutionMonthly.Key(now),
		GeneratedAt: now,
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if b, ok := e.rollups.Bucket(types.ResolutionDaily, s.TodayKey); ok {
		s.Today = b
	}
	if b, ok := e.rollups.Bucket(types.ResolutionWeekly, s.WeekKey); ok {
		s.ThisWeek = b
	}
	if b, ok := e.rollups.Bucket(types.ResolutionMonthly, s.MonthKey); ok {
		s.ThisMonth = b
	}
	// Ten-minute retention is 24h, so the whole map is the recent window.
	for _, b := range e.rollups.Buckets(types.ResolutionTenMinute) {
		s.Recent24h = s.Recent24h.Add(b.Usage)
	}
	if r, ok := e.history.Latest(); ok {
		p := r.RemainingPower.Clone()
		s.CurrentPower = &p
	}
	return s
}
