package settlement

import (
	"fmt"
	"time"
)

// dayOf truncates an instant to midnight in its own location.
func dayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func sameDay(a, b time.Time) bool {
	return dayOf(a).Equal(dayOf(b))
}

func isBusinessDay(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return true
}

// AddBusinessDays returns the date n business days after t, skipping
// weekends. A zero n on a weekend rolls forward to the next business day so
// T+0 obligations never land on a closed day.
func AddBusinessDays(t time.Time, n int) time.Time {
	d := dayOf(t)
	for i := 0; i < n; {
		d = d.AddDate(0, 0, 1)
		if isBusinessDay(d) {
			i++
		}
	}
	for !isBusinessDay(d) {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// cutoff is a time of day instructions must be released by.
type cutoff struct {
	hour, minute int
}

func parseCutoff(s string) (cutoff, error) {
	var c cutoff
	if _, err := fmt.Sscanf(s, "%d:%d", &c.hour, &c.minute); err != nil {
		return cutoff{}, fmt.Errorf("invalid cutoff %q: %w", s, err)
	}
	if c.hour < 0 || c.hour > 23 || c.minute < 0 || c.minute > 59 {
		return cutoff{}, fmt.Errorf("invalid cutoff %q", s)
	}
	return c, nil
}

// onDay places the cutoff on the given date.
func (c cutoff) onDay(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, c.hour, c.minute, 0, 0, day.Location())
}
