package credit

import "time"

// =============================================================================
// CLOCK
// =============================================================================

// Clock returns the current instant. Tests inject a fixed or advancing clock.
type Clock func() time.Time

func systemClock() time.Time { return time.Now() }

// =============================================================================
// CALENDAR HELPERS
// =============================================================================

// StartOfDay returns midnight of t's calendar day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// NextDay returns midnight of the day after t in loc.
func NextDay(t time.Time, loc *time.Location) time.Time {
	return StartOfDay(t, loc).AddDate(0, 0, 1)
}

// AddMonthsNoOverflow adds n calendar months, clamping the day to the last
// day of the target month: Jan 31 + 1 month = Feb 28 (or 29).
func AddMonthsNoOverflow(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := daysIn(first.Year(), first.Month())
	if d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

// MinutesBetween returns the whole minutes from a to b, truncated toward zero.
func MinutesBetween(a, b time.Time) int64 {
	return int64(b.Sub(a) / time.Minute)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
