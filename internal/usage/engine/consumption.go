package engine

import (
	"math"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// DefaultSketchAccuracy is the relative accuracy of consumption quantiles.
const DefaultSketchAccuracy = 0.01

// consumptionStats keeps running statistics over per-reading deltas since
// the engine started (or was restored). Not safe for concurrent use.
type consumptionStats struct {
	accuracy float64

	count     int64
	recharges int64
	sum       float64
	min       float64
	max       float64
	firstTs   time.Time
	lastTs    time.Time

	// nil if the sketch could not be created
	sketch *ddsketch.DDSketch
}

// ConsumptionSummary is a point-in-time view of consumptionStats.
type ConsumptionSummary struct {
	Samples   int64     `json:"samples"`
	Recharges int64     `json:"recharges"`
	Total     float64   `json:"total"`
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
	Avg       float64   `json:"avg"`
	P50       float64   `json:"p50"`
	P90       float64   `json:"p90"`
	P95       float64   `json:"p95"`
	P99       float64   `json:"p99"`
	Since     time.Time `json:"since,omitempty"`
	Until     time.Time `json:"until,omitempty"`
}

func newConsumptionStats(accuracy float64) *consumptionStats {
	if accuracy <= 0 || accuracy >= 1 {
		accuracy = DefaultSketchAccuracy
	}
	c := &consumptionStats{accuracy: accuracy}
	c.reset()
	return c
}

func (c *consumptionStats) reset() {
	c.count, c.recharges, c.sum = 0, 0, 0
	c.min = math.MaxFloat64
	c.max = -math.MaxFloat64
	c.firstTs, c.lastTs = time.Time{}, time.Time{}

	// DDSketch has no Clear method
	sketch, err := ddsketch.NewDefaultDDSketch(c.accuracy)
	if err != nil {
		log.Warn("consumption quantiles disabled", "accuracy", c.accuracy, "error", err)
		c.sketch = nil
		return
	}
	c.sketch = sketch
}

// add records one delta. Recharges are counted but their zero delta is
// excluded from the distribution.
func (c *consumptionStats) add(delta float64, recharge bool, ts time.Time) {
	if c.firstTs.IsZero() || ts.Before(c.firstTs) {
		c.firstTs = ts
	}
	if ts.After(c.lastTs) {
		c.lastTs = ts
	}
	if recharge {
		c.recharges++
		return
	}

	c.count++
	c.sum += delta
	if delta < c.min {
		c.min = delta
	}
	if delta > c.max {
		c.max = delta
	}
	if c.sketch != nil {
		_ = c.sketch.Add(delta)
	}
}

func (c *consumptionStats) summary() ConsumptionSummary {
	s := ConsumptionSummary{
		Samples:   c.count,
		Recharges: c.recharges,
		Total:     c.sum,
		Since:     c.firstTs,
		Until:     c.lastTs,
	}
	if c.count == 0 {
		return s
	}

	s.Min = c.min
	s.Max = c.max
	s.Avg = c.sum / float64(c.count)

	if c.sketch != nil {
		s.P50, _ = c.sketch.GetValueAtQuantile(0.50)
		s.P90, _ = c.sketch.GetValueAtQuantile(0.90)
		s.P95, _ = c.sketch.GetValueAtQuantile(0.95)
		s.P99, _ = c.sketch.GetValueAtQuantile(0.99)
	}
	return s
}
