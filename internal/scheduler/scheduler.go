// Package scheduler runs ingestion cycles: fetch one reading, feed it to the
// engine, hand the result to the cycle hooks.
//
// Cycles come from a fixed-interval ticker and from manual triggers. Both
// serialize on a single cycle lock, so at most one cycle is in flight; a
// trigger arriving mid-cycle waits for that cycle and then performs its own
// fresh fetch.
//
// Key features:
//   - Fetch timeout independent of the caller's context
//   - Panic recovery per cycle
//   - Graceful shutdown with drain timeout
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/powerwatch/config"
	"github.com/xtxerr/powerwatch/internal/errors"
	"github.com/xtxerr/powerwatch/internal/logging"
	"github.com/xtxerr/powerwatch/internal/metrics"
	"github.com/xtxerr/powerwatch/internal/source"
	"github.com/xtxerr/powerwatch/internal/usage/engine"
	"github.com/xtxerr/powerwatch/internal/usage/types"
)

var log = logging.Component("scheduler")

// =============================================================================
// Types
// =============================================================================

// State is the scheduler's position in a cycle.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateUpdating
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateUpdating:
		return "updating"
	default:
		return "unknown"
	}
}

// DefaultStopGrace bounds the wait for a cycle cancelled by Stop.
const DefaultStopGrace = 5 * time.Second

// Cycle triggers.
const (
	TriggerStartup = "startup"
	TriggerTicker  = "ticker"
	TriggerManual  = "manual"
)

// Ingester is the part of the engine a cycle writes to.
type Ingester interface {
	Ingest(ctx context.Context, r types.Reading) (*engine.DeltaResult, error)
}

// Hook observes every cycle that produced a result. Hooks run inside the
// cycle, in registration order, and must not fail it.
type Hook func(ctx context.Context, c *Cycle)

// Cycle is the outcome of one fetch + ingest.
type Cycle struct {
	ID       uint64
	Trigger  string
	Started  time.Time
	Finished time.Time
	Outcome  string

	// Result is set when the reading was ingested, even if the flush failed.
	Result *engine.DeltaResult
	Err    error
}

// Config holds scheduler configuration.
type Config struct {
	// Interval between ticker cycles.
	Interval time.Duration

	// FetchTimeout bounds one fetch.
	FetchTimeout time.Duration

	// DrainTimeout is how long Stop waits for an in-flight cycle.
	DrainTimeout time.Duration

	// StopGrace is how long Stop keeps waiting after cancelling a cycle
	// that outlived DrainTimeout.
	StopGrace time.Duration

	// FetchOnStart runs one cycle before the first tick.
	FetchOnStart bool
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:     config.DefaultIngestInterval,
		FetchTimeout: config.DefaultFetchTimeout,
		DrainTimeout: time.Duration(config.DefaultDrainTimeoutSec) * time.Second,
		StopGrace:    DefaultStopGrace,
		FetchOnStart: true,
	}
}

// =============================================================================
// Scheduler
// =============================================================================

// Scheduler drives ingestion cycles.
//
// Scheduler is safe for concurrent use.
type Scheduler struct {
	fetcher source.Fetcher
	ingest  Ingester
	metrics *metrics.Metrics
	hooks   []Hook

	interval     time.Duration
	fetchTimeout time.Duration
	drainTimeout time.Duration
	stopGrace    time.Duration
	fetchOnStart bool

	// cycleLock is a one-slot semaphore; unlike a mutex, waiting on it
	// honors the caller's context.
	cycleLock chan struct{}

	// ticks overrides the ticker in tests.
	ticks <-chan time.Time

	baseCtx  context.Context
	cancel   context.CancelFunc
	shutdown chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
	started  atomic.Bool
	wg       sync.WaitGroup

	state   atomic.Int32
	cycleID atomic.Uint64

	// Statistics
	cycles   atomic.Int64
	failures atomic.Int64

	statusMu    sync.Mutex
	last        *Cycle
	lastSuccess time.Time
	nextTick    time.Time
}

// New creates a scheduler. It does not start until Start is called.
func New(cfg *Config, fetcher source.Fetcher, ingest Ingester, m *metrics.Metrics) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = def.StopGrace
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		fetcher:      fetcher,
		ingest:       ingest,
		metrics:      m,
		interval:     cfg.Interval,
		fetchTimeout: cfg.FetchTimeout,
		drainTimeout: cfg.DrainTimeout,
		stopGrace:    cfg.StopGrace,
		fetchOnStart: cfg.FetchOnStart,
		cycleLock:    make(chan struct{}, 1),
		baseCtx:      ctx,
		cancel:       cancel,
		shutdown:     make(chan struct{}),
	}
}

// AddHook registers h. Call before Start.
func (s *Scheduler) AddHook(h Hook) {
	s.hooks = append(s.hooks, h)
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start starts the ticker loop.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go s.loop()

	log.Info("scheduler started", "interval", s.interval, "fetch_on_start", s.fetchOnStart)
}

// Stop stops scheduling new cycles and waits for the in-flight one, bounded
// by the drain timeout. If the drain times out, the in-flight cycle's
// context is cancelled and Stop waits up to the stop grace for it to
// return.
func (s *Scheduler) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		log.Info("scheduler stopping")
		s.stopped.Store(true)
		close(s.shutdown)

		drainCtx, cancel := context.WithTimeout(ctx, s.drainTimeout)
		defer cancel()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			// Also wait out a manual trigger holding the cycle lock.
			s.cycleLock <- struct{}{}
			close(done)
		}()

		select {
		case <-done:
			log.Info("scheduler stopped gracefully")
			s.cancel()
			return
		case <-drainCtx.Done():
			log.Warn("scheduler drain timeout, cancelling in-flight cycle",
				"state", State(s.state.Load()).String())
		}
		s.cancel()

		// A cancelled cycle may still be inside a flush; let it return
		// before the caller closes the backend.
		select {
		case <-done:
			log.Info("cancelled cycle finished")
		case <-time.After(s.stopGrace):
			log.Warn("cancelled cycle still running, giving up", "grace", s.stopGrace)
		}
	})
}

// Trigger runs a cycle now and returns it. If a cycle is in flight, Trigger
// waits for it (or for ctx) and then performs its own fetch. Cancelling ctx
// after the cycle has started does not abort it.
func (s *Scheduler) Trigger(ctx context.Context) (*Cycle, error) {
	if s.stopped.Load() {
		return nil, errors.ErrSchedulerStopped
	}

	select {
	case s.cycleLock <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for in-flight cycle: %w", errors.ErrTimeout, ctx.Err())
	case <-s.shutdown:
		return nil, errors.ErrSchedulerStopped
	}
	defer func() { <-s.cycleLock }()

	if s.stopped.Load() {
		return nil, errors.ErrSchedulerStopped
	}

	cycleCtx := context.WithoutCancel(ctx)
	cycleCtx, cancel := context.WithCancel(cycleCtx)
	defer cancel()
	stop := context.AfterFunc(s.baseCtx, cancel)
	defer stop()

	c := s.runCycle(cycleCtx, TriggerManual)
	return c, c.Err
}

// =============================================================================
// Loop
// =============================================================================

func (s *Scheduler) loop() {
	defer s.wg.Done()

	if s.fetchOnStart {
		s.runLocked(TriggerStartup)
	}

	ticks := s.ticks
	if ticks == nil {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		ticks = ticker.C
	}
	s.setNextTick(time.Now().Add(s.interval))

	for {
		select {
		case <-ticks:
			s.runLocked(TriggerTicker)
			s.setNextTick(time.Now().Add(s.interval))
		case <-s.shutdown:
			return
		}
	}
}

// runLocked acquires the cycle lock and runs one cycle. A ticker cycle
// that would wait past shutdown is dropped.
func (s *Scheduler) runLocked(trigger string) {
	select {
	case s.cycleLock <- struct{}{}:
	default:
		select {
		case s.cycleLock <- struct{}{}:
		case <-s.shutdown:
			return
		}
	}
	defer func() { <-s.cycleLock }()

	s.runCycle(s.baseCtx, trigger)
}

// runCycle performs fetch + ingest + hooks. Caller holds the cycle lock.
func (s *Scheduler) runCycle(ctx context.Context, trigger string) (c *Cycle) {
	id := s.cycleID.Add(1)
	ctx = logging.ContextWithCycleID(ctx, id)
	ctx = logging.ContextWithTrigger(ctx, trigger)
	clog := logging.WithContext(ctx)

	c = &Cycle{ID: id, Trigger: trigger, Started: time.Now()}

	defer func() {
		if r := recover(); r != nil {
			clog.Error("panic in ingestion cycle", "panic", r)
			c.Err = fmt.Errorf("panic: %v", r)
			c.Outcome = metrics.OutcomeSchedulerErr
		}
		s.state.Store(int32(StateIdle))
		c.Finished = time.Now()
		s.record(c)
	}()

	s.state.Store(int32(StateFetching))

	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	fetchStart := time.Now()
	reading, err := s.fetcher.Fetch(fetchCtx)
	cancel()
	s.metrics.FetchObserved(time.Since(fetchStart))

	if err != nil {
		if !errors.Is(err, errors.ErrFetchFailure) {
			err = errors.NewFetchFailure("fetch", err)
		}
		clog.Warn("fetch failed", "error", err)
		c.Err = err
		c.Outcome = metrics.OutcomeFetchFailed
		return c
	}

	s.state.Store(int32(StateUpdating))

	result, err := s.ingest.Ingest(ctx, reading)
	c.Result = result
	c.Err = err

	switch {
	case err == nil:
		c.Outcome = metrics.OutcomeSuccess
		clog.Info("reading ingested",
			"remaining_power", result.Reading.RemainingPower.String(),
			"delta", result.Delta.String(),
			"recharge", result.Recharge,
			"evicted", len(result.Evicted))
	case errors.Is(err, errors.ErrInvalidReading):
		c.Outcome = metrics.OutcomeInvalid
		clog.Warn("reading rejected", "error", err)
	case errors.IsPersistence(err):
		c.Outcome = metrics.OutcomeFlushFailed
		clog.Error("reading ingested but not persisted", "error", err)
	default:
		c.Outcome = metrics.OutcomeSchedulerErr
		clog.Error("ingestion failed", "error", err)
	}

	if c.Result != nil {
		for _, h := range s.hooks {
			s.runHook(ctx, h, c)
		}
	}
	return c
}

func (s *Scheduler) runHook(ctx context.Context, h Hook, c *Cycle) {
	defer func() {
		if r := recover(); r != nil {
			logging.WithContext(ctx).Error("panic in cycle hook", "panic", r)
		}
	}()
	h(ctx, c)
}

func (s *Scheduler) record(c *Cycle) {
	s.cycles.Add(1)
	if c.Err != nil {
		s.failures.Add(1)
	}
	s.metrics.CycleCompleted(c.Trigger, c.Outcome)

	s.statusMu.Lock()
	s.last = c
	if c.Result != nil {
		s.lastSuccess = c.Finished
	}
	s.statusMu.Unlock()
}

func (s *Scheduler) setNextTick(t time.Time) {
	s.statusMu.Lock()
	s.nextTick = t
	s.statusMu.Unlock()
}

// =============================================================================
// Status
// =============================================================================

// Status is a point-in-time view of the scheduler.
type Status struct {
	State       string        `json:"state"`
	Running     bool          `json:"running"`
	Interval    time.Duration `json:"interval_ns"`
	Cycles      int64         `json:"cycles"`
	Failures    int64         `json:"failures"`
	LastCycle   uint64        `json:"last_cycle_id,omitempty"`
	LastTrigger string        `json:"last_trigger,omitempty"`
	LastOutcome string        `json:"last_outcome,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	LastRun     time.Time     `json:"last_run,omitempty"`
	LastSuccess time.Time     `json:"last_success,omitempty"`
	NextTick    time.Time     `json:"next_tick,omitempty"`
}

// Status returns scheduler statistics.
func (s *Scheduler) Status() Status {
	st := Status{
		State:    State(s.state.Load()).String(),
		Running:  s.started.Load() && !s.stopped.Load(),
		Interval: s.interval,
		Cycles:   s.cycles.Load(),
		Failures: s.failures.Load(),
	}

	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	if s.last != nil {
		st.LastCycle = s.last.ID
		st.LastTrigger = s.last.Trigger
		st.LastOutcome = s.last.Outcome
		st.LastRun = s.last.Finished
		if s.last.Err != nil {
			st.LastError = s.last.Err.Error()
		}
	}
	st.LastSuccess = s.lastSuccess
	st.NextTick = s.nextTick
	return st
}
