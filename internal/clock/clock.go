// Package clock maps block timestamps onto UTC calendar-day buckets.
package clock

// SecondsPerDay is the width of a day bucket.
const SecondsPerDay uint64 = 86400

// DayOpen returns the first second of the UTC day containing ts.
func DayOpen(ts uint64) uint64 {
	return ts - ts%SecondsPerDay
}

// DayClose returns the last second of the UTC day containing ts.
func DayClose(ts uint64) uint64 {
	return DayOpen(ts) + SecondsPerDay - 1
}

// DayBounds returns DayOpen and DayClose together.
func DayBounds(ts uint64) (open, closeAt uint64) {
	open = DayOpen(ts)
	return open, open + SecondsPerDay - 1
}
