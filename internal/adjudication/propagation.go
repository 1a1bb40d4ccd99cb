package adjudication

import "time"

// calendarDay truncates t to midnight UTC.
func calendarDay(t time.Time) time.Time {
	utc := t.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}

// entriesAfterEvent lists the still pending entries whose note is dated strictly
// after eventDate. Entries on the event day itself stay reviewable.
func entriesAfterEvent(state *SessionState, eventDate time.Time) []int {
	cutoff := calendarDay(eventDate)
	var indexes []int
	for index, entry := range state.Entries {
		if !state.Pending[index] {
			continue
		}
		if calendarDay(entry.TextDate).After(cutoff) {
			indexes = append(indexes, index)
		}
	}
	return indexes
}
