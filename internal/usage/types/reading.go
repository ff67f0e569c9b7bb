package types

import (
	"time"
)

// Reading is one sample of the meter's remaining balance.
//
// Readings are values; once appended to the history they are never changed.
// A Reading whose RemainingPower exceeds the previous one is a recharge.
type Reading struct {
	Timestamp      time.Time `json:"timestamp"`
	RemainingPower Quantity  `json:"remaining_power"`

	// Pass-through fields; not used by the aggregation.
	RemainingAmount *Quantity `json:"remaining_amount,omitempty"`
	UnitPrice       *Quantity `json:"unit_price,omitempty"`
	MeterName       string    `json:"name,omitempty"`
	MeterNumber     string    `json:"number,omitempty"`
}

// Clone returns a deep copy of r.
func (r Reading) Clone() Reading {
	out := r
	out.RemainingPower = r.RemainingPower.Clone()
	if r.RemainingAmount != nil {
		v := r.RemainingAmount.Clone()
		out.RemainingAmount = &v
	}
	if r.UnitPrice != nil {
		v := r.UnitPrice.Clone()
		out.UnitPrice = &v
	}
	return out
}

// Delta returns the consumption between prev and r: max(0, prev - r).
// A recharge (r above prev) yields zero.
func (r Reading) Delta(prev Reading) (delta Quantity, recharge bool) {
	diff := prev.RemainingPower.Sub(r.RemainingPower)
	if diff.Sign() < 0 {
		return Quantity{}, true
	}
	return diff, false
}
