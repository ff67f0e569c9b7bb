package types

import (
	"encoding/json"
)

// Bucket accumulates consumption for one (resolution, key) window.
//
// Buckets are only ever mutated additively by Apply.
type Bucket struct {
	Usage       Quantity  `json:"usage"`
	SampleCount int64     `json:"sample_count"`
	LastPower   Quantity  `json:"last_power"`
	PeakPower   *Quantity `json:"peak_power,omitempty"` // daily only
}

// Apply folds one reading's delta and remaining power into the bucket.
func (b *Bucket) Apply(delta, power Quantity, trackPeak bool) {
	b.Usage = b.Usage.Add(delta)
	b.SampleCount++
	b.LastPower = power
	if trackPeak {
		peak := power
		if b.PeakPower != nil {
			peak = b.PeakPower.Max(power)
		}
		b.PeakPower = &peak
	}
}

// Clone returns a deep copy of b.
func (b Bucket) Clone() Bucket {
	out := Bucket{
		Usage:       b.Usage.Clone(),
		SampleCount: b.SampleCount,
		LastPower:   b.LastPower.Clone(),
	}
	if b.PeakPower != nil {
		peak := b.PeakPower.Clone()
		out.PeakPower = &peak
	}
	return out
}

// Equal reports whether a and b hold the same values.
func (b Bucket) Equal(other Bucket) bool {
	if !b.Usage.Equal(other.Usage) || b.SampleCount != other.SampleCount || !b.LastPower.Equal(other.LastPower) {
		return false
	}
	if (b.PeakPower == nil) != (other.PeakPower == nil) {
		return false
	}
	return b.PeakPower == nil || b.PeakPower.Equal(*other.PeakPower)
}

// UnmarshalJSON also accepts the legacy field names "count" and "avg_power"
// written by older versions of the history file.
func (b *Bucket) UnmarshalJSON(data []byte) error {
	var raw struct {
		Usage       Quantity  `json:"usage"`
		SampleCount *int64    `json:"sample_count"`
		Count       *int64    `json:"count"`
		LastPower   *Quantity `json:"last_power"`
		AvgPower    *Quantity `json:"avg_power"`
		PeakPower   *Quantity `json:"peak_power"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*b = Bucket{Usage: raw.Usage, PeakPower: raw.PeakPower}

	switch {
	case raw.SampleCount != nil:
		b.SampleCount = *raw.SampleCount
	case raw.Count != nil:
		b.SampleCount = *raw.Count
	}

	switch {
	case raw.LastPower != nil:
		b.LastPower = *raw.LastPower
	case raw.AvgPower != nil:
		b.LastPower = *raw.AvgPower
	}

	return nil
}
