package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Resolution identifies one of the five rollup granularities.
type Resolution int

const (
	// ResolutionTenMinute buckets readings into 10-minute windows.
	// Retention: 24 hours
	ResolutionTenMinute Resolution = iota

	// ResolutionHourly buckets readings into clock hours.
	// Retention: 30 days
	ResolutionHourly

	// ResolutionDaily buckets readings into calendar days and tracks peak power.
	// Retention: 365 days
	ResolutionDaily

	// ResolutionWeekly buckets readings into ISO weeks starting Monday.
	// Retention: 52 weeks
	ResolutionWeekly

	// ResolutionMonthly buckets readings into calendar months.
	// Retention: 730 days
	ResolutionMonthly
)

// Key layouts. All are zero-padded most-significant-first so that string
// order equals calendar order.
const (
	TenMinuteLayout = "2006-01-02 15:04"
	HourlyLayout    = "2006-01-02-15"
	DailyLayout     = "2006-01-02"
	MonthlyLayout   = "2006-01"
)

// String returns the resolution name used in storage and the API.
func (r Resolution) String() string {
	switch r {
	case ResolutionTenMinute:
		return "ten_minute"
	case ResolutionHourly:
		return "hourly"
	case ResolutionDaily:
		return "daily"
	case ResolutionWeekly:
		return "weekly"
	case ResolutionMonthly:
		return "monthly"
	default:
		return fmt.Sprintf("unknown(%d)", r)
	}
}

// DefaultRetention returns the default retention window for this resolution.
func (r Resolution) DefaultRetention() time.Duration {
	switch r {
	case ResolutionTenMinute:
		return 24 * time.Hour
	case ResolutionHourly:
		return 30 * 24 * time.Hour
	case ResolutionDaily:
		return 365 * 24 * time.Hour
	case ResolutionWeekly:
		return 52 * 7 * 24 * time.Hour
	case ResolutionMonthly:
		return 730 * 24 * time.Hour
	default:
		return 0
	}
}

// TracksPeak reports whether buckets of this resolution carry peak_power.
func (r Resolution) TracksPeak() bool {
	return r == ResolutionDaily
}

// TruncateToBucket returns the start of the bucket containing ts, in ts's
// location.
func (r Resolution) TruncateToBucket(ts time.Time) time.Time {
	y, m, d := ts.Date()
	loc := ts.Location()

	switch r {
	case ResolutionTenMinute:
		return time.Date(y, m, d, ts.Hour(), ts.Minute()/10*10, 0, 0, loc)
	case ResolutionHourly:
		return time.Date(y, m, d, ts.Hour(), 0, 0, 0, loc)
	case ResolutionDaily:
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	case ResolutionWeekly:
		// Monday 00:00
		weekday := int(ts.Weekday())
		if weekday == 0 {
			weekday = 7 // Sunday = 7
		}
		return time.Date(y, m, d-(weekday-1), 0, 0, 0, 0, loc)
	case ResolutionMonthly:
		return time.Date(y, m, 1, 0, 0, 0, 0, loc)
	default:
		return ts
	}
}

// Key returns the bucket key for ts. Callers convert ts to the engine's
// location first; Key does not change location.
func (r Resolution) Key(ts time.Time) string {
	switch r {
	case ResolutionTenMinute:
		return r.TruncateToBucket(ts).Format(TenMinuteLayout)
	case ResolutionHourly:
		return ts.Format(HourlyLayout)
	case ResolutionDaily:
		return ts.Format(DailyLayout)
	case ResolutionWeekly:
		year, week := r.TruncateToBucket(ts).ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case ResolutionMonthly:
		return ts.Format(MonthlyLayout)
	default:
		return ""
	}
}

// ParseKey returns the start of the bucket named by key in loc.
func (r Resolution) ParseKey(key string, loc *time.Location) (time.Time, error) {
	switch r {
	case ResolutionTenMinute:
		return time.ParseInLocation(TenMinuteLayout, key, loc)
	case ResolutionHourly:
		return time.ParseInLocation(HourlyLayout, key, loc)
	case ResolutionDaily:
		return time.ParseInLocation(DailyLayout, key, loc)
	case ResolutionMonthly:
		return time.ParseInLocation(MonthlyLayout, key, loc)
	case ResolutionWeekly:
		yearText, weekText, ok := strings.Cut(key, "-W")
		if !ok || len(yearText) != 4 || len(weekText) != 2 {
			return time.Time{}, fmt.Errorf("invalid weekly key %q", key)
		}
		year, err := strconv.Atoi(yearText)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid weekly key %q: %w", key, err)
		}
		week, err := strconv.Atoi(weekText)
		if err != nil || week < 1 || week > 53 {
			return time.Time{}, fmt.Errorf("invalid weekly key %q: week out of range", key)
		}
		// Jan 4th is always in ISO week 1.
		jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, loc)
		monday := ResolutionWeekly.TruncateToBucket(jan4)
		return monday.AddDate(0, 0, (week-1)*7), nil
	default:
		return time.Time{}, fmt.Errorf("unknown resolution: %s", r)
	}
}

// ParseResolution parses a resolution name. "10min" is accepted as an alias.
func ParseResolution(s string) (Resolution, error) {
	switch s {
	case "ten_minute", "10min", "10m":
		return ResolutionTenMinute, nil
	case "hourly":
		return ResolutionHourly, nil
	case "daily":
		return ResolutionDaily, nil
	case "weekly":
		return ResolutionWeekly, nil
	case "monthly":
		return ResolutionMonthly, nil
	default:
		return ResolutionTenMinute, fmt.Errorf("unknown resolution: %s", s)
	}
}

// AllResolutions returns all resolutions from finest to coarsest.
func AllResolutions() []Resolution {
	return []Resolution{
		ResolutionTenMinute,
		ResolutionHourly,
		ResolutionDaily,
		ResolutionWeekly,
		ResolutionMonthly,
	}
}
