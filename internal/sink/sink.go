// Package sink mirrors ingestion cycles to downstream systems.
//
// A Sink receives one Event per cycle that ingested a reading. Publishing
// is best effort: failures are logged and counted, never retried and never
// reported back to the cycle.
package sink

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/powerwatch/config"
	"github.com/xtxerr/powerwatch/internal/errors"
	"github.com/xtxerr/powerwatch/internal/logging"
	"github.com/xtxerr/powerwatch/internal/metrics"
	"github.com/xtxerr/powerwatch/internal/scheduler"
	"github.com/xtxerr/powerwatch/internal/usage/types"
)

var log = logging.Component("sink")

// Sink publishes cycle events.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev *Event) error
	Close() error
}

// Event describes one ingested reading.
type Event struct {
	ID        string    `json:"id"`
	CycleID   uint64    `json:"cycle_id"`
	Trigger   string    `json:"trigger"`
	Timestamp time.Time `json:"timestamp"`

	MeterName       string          `json:"meter_name,omitempty"`
	MeterNumber     string          `json:"meter_number,omitempty"`
	RemainingPower  types.Quantity  `json:"remaining_power"`
	RemainingAmount *types.Quantity `json:"remaining_amount,omitempty"`
	UnitPrice       *types.Quantity `json:"unit_price,omitempty"`

	Delta    types.Quantity `json:"delta"`
	Recharge bool           `json:"recharge"`
	First    bool           `json:"first"`

	// Persisted is false when the reading was ingested but the flush failed.
	Persisted bool `json:"persisted"`

	Buckets map[string]BucketEvent `json:"buckets"`
	Evicted int                    `json:"evicted"`
}

// BucketEvent is the state of one bucket touched by the reading.
type BucketEvent struct {
	Key         string          `json:"key"`
	Usage       types.Quantity  `json:"usage"`
	SampleCount int64           `json:"sample_count"`
	PeakPower   *types.Quantity `json:"peak_power,omitempty"`
}

// NewEvent builds the event of c. It returns nil if c ingested nothing.
func NewEvent(c *scheduler.Cycle) *Event {
	if c == nil || c.Result == nil {
		return nil
	}
	res := c.Result
	r := res.Reading

	ev := &Event{
		ID:              uuid.NewString(),
		CycleID:         c.ID,
		Trigger:         c.Trigger,
		Timestamp:       r.Timestamp,
		MeterName:       r.MeterName,
		MeterNumber:     r.MeterNumber,
		RemainingPower:  r.RemainingPower,
		RemainingAmount: r.RemainingAmount,
		UnitPrice:       r.UnitPrice,
		Delta:           res.Delta,
		Recharge:        res.Recharge,
		First:           res.First,
		Persisted:       c.Err == nil,
		Buckets:         make(map[string]BucketEvent, len(res.Buckets)),
		Evicted:         len(res.Evicted),
	}
	for resolution, b := range res.Buckets {
		ev.Buckets[resolution.String()] = BucketEvent{
			Key:         res.Keys[resolution],
			Usage:       b.Usage,
			SampleCount: b.SampleCount,
			PeakPower:   b.PeakPower,
		}
	}
	return ev
}

// Fanout publishes every event to all sinks concurrently.
type Fanout struct {
	sinks   []Sink
	timeout time.Duration
	metrics *metrics.Metrics
}

// NewFanout creates a fanout over sinks. timeout bounds each publish.
func NewFanout(timeout time.Duration, m *metrics.Metrics, sinks ...Sink) *Fanout {
	if timeout <= 0 {
		timeout = config.DefaultSinkTimeout
	}
	return &Fanout{sinks: sinks, timeout: timeout, metrics: m}
}

// Len returns the number of sinks.
func (f *Fanout) Len() int { return len(f.sinks) }

// Names returns the sink names.
func (f *Fanout) Names() []string {
	names := make([]string, len(f.sinks))
	for i, s := range f.sinks {
		names[i] = s.Name()
	}
	return names
}

// Publish sends ev to every sink and waits for all of them. It returns the
// number of failed sinks.
func (f *Fanout) Publish(ctx context.Context, ev *Event) int {
	if ev == nil || len(f.sinks) == 0 {
		return 0
	}

	clog := logging.WithContext(ctx)
	failed := make([]bool, len(f.sinks))

	var g errgroup.Group
	for i, s := range f.sinks {
		i, s := i, s
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, f.timeout)
			defer cancel()

			if err := s.Publish(pctx, ev); err != nil {
				failed[i] = true
				f.metrics.SinkFailed(s.Name())
				clog.Warn("sink publish failed", "sink", s.Name(), "event_id", ev.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, bad := range failed {
		if bad {
			n++
		}
	}
	return n
}

// Hook returns a scheduler hook publishing the event of each cycle.
func (f *Fanout) Hook() scheduler.Hook {
	return func(ctx context.Context, c *scheduler.Cycle) {
		f.Publish(ctx, NewEvent(c))
	}
}

// Close closes every sink.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			log.Warn("sink close failed", "sink", s.Name(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
