package types

import "time"

// LocalMidnight returns the start of the local day containing t, in t's
// own location. DST transitions are handled by time.Date the same way
// the original Python implementation's timezone_utils module resolved
// them: by constructing the wall-clock date directly rather than adding
// a fixed 24h duration.
func LocalMidnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// NextLocalMidnight returns the first local midnight strictly after t.
func NextLocalMidnight(t time.Time) time.Time {
	return LocalMidnight(t).AddDate(0, 0, 1)
}

// IsSameLocalDay reports whether a and b fall on the same local calendar
// day in a's location.
func IsSameLocalDay(a, b time.Time) bool {
	b = b.In(a.Location())
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// BillingCycleStart returns the most recent local midnight on or before
// now that falls on dayOfMonth (clamped to the last day of the month
// when dayOfMonth exceeds it, e.g. 31 in a 30-day month).
func BillingCycleStart(now time.Time, dayOfMonth int) time.Time {
	y, m, _ := now.Date()
	loc := now.Location()
	candidate := clampedDate(y, m, dayOfMonth, loc)
	if now.Before(candidate) {
		prevMonth := m - 1
		prevYear := y
		if prevMonth < time.January {
			prevMonth = time.December
			prevYear--
		}
		candidate = clampedDate(prevYear, prevMonth, dayOfMonth, loc)
	}
	return candidate
}

func clampedDate(y int, m time.Month, day int, loc *time.Location) time.Time {
	firstOfNext := time.Date(y, m+1, 1, 0, 0, 0, 0, loc)
	lastOfMonth := firstOfNext.AddDate(0, 0, -1).Day()
	if day > lastOfMonth {
		day = lastOfMonth
	}
	return time.Date(y, m, day, 0, 0, 0, 0, loc)
}
