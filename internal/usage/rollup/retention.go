package rollup

import (
	"errors"
	"fmt"
	"time"

	"github.com/xtxerr/powerwatch/internal/usage/types"
)

// Retention defines how long buckets of each resolution are kept.
type Retention struct {
	TenMinute time.Duration
	Hourly    time.Duration
	Daily     time.Duration
	Weekly    time.Duration
	Monthly   time.Duration
}

// DefaultRetention returns 24h / 30d / 365d / 52w / 730d.
func DefaultRetention() Retention {
	return Retention{
		TenMinute: types.ResolutionTenMinute.DefaultRetention(),
		Hourly:    types.ResolutionHourly.DefaultRetention(),
		Daily:     types.ResolutionDaily.DefaultRetention(),
		Weekly:    types.ResolutionWeekly.DefaultRetention(),
		Monthly:   types.ResolutionMonthly.DefaultRetention(),
	}
}

// For returns the retention window for res. Unset windows fall back to the
// resolution's default.
func (r Retention) For(res types.Resolution) time.Duration {
	var d time.Duration
	switch res {
	case types.ResolutionTenMinute:
		d = r.TenMinute
	case types.ResolutionHourly:
		d = r.Hourly
	case types.ResolutionDaily:
		d = r.Daily
	case types.ResolutionWeekly:
		d = r.Weekly
	case types.ResolutionMonthly:
		d = r.Monthly
	}
	if d <= 0 {
		return res.DefaultRetention()
	}
	return d
}

// Validate checks that no window is negative.
func (r Retention) Validate() error {
	var errs []error
	for _, res := range types.AllResolutions() {
		var d time.Duration
		switch res {
		case types.ResolutionTenMinute:
			d = r.TenMinute
		case types.ResolutionHourly:
			d = r.Hourly
		case types.ResolutionDaily:
			d = r.Daily
		case types.ResolutionWeekly:
			d = r.Weekly
		case types.ResolutionMonthly:
			d = r.Monthly
		}
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", res))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
