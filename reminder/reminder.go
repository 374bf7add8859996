// Package reminder picks which registration-window reminder, if any, is due on a given day.
package reminder

import (
	"buonacaccia-notifier/pkg/notifier"
	"time"
)

// Tag identifies a registration-window milestone.
type Tag int

// Tags in precedence order.
const (
	OpenMinus7 Tag = iota + 1
	OpenMinus1
	OpenToday
	CloseMinus1
)

var tagNames = map[Tag]string{
	OpenMinus7:  "OPEN-7",
	OpenMinus1:  "OPEN-1",
	OpenToday:   "OPEN",
	CloseMinus1: "CLOSE-1",
}

func (t Tag) String() string {
	return tagNames[t]
}

// DefaultCutoff is the local time of day after which the opening-day reminder is no longer sent.
const DefaultCutoff = 9 * time.Hour

// TagFor returns the reminder due today for a registration window, if any.
// Absent dates are zero values. now is the local wall clock; the opening-day
// reminder is only produced while its time of day is before cutoff.
func TagFor(today, now, opens, closes time.Time, cutoff time.Duration) (Tag, bool) {
	if !opens.IsZero() {
		switch DaysBetween(today, opens) {
		case 7:
			return OpenMinus7, true
		case 1:
			return OpenMinus1, true
		case 0:
			if sinceMidnight(now) < cutoff {
				return OpenToday, true
			}
		}
	}
	if !closes.IsZero() && DaysBetween(today, closes) == 1 {
		return CloseMinus1, true
	}
	return 0, false
}

// DaysBetween returns the number of calendar days from today to target.
// Positive means target is in the future. Only the calendar date of each value is used.
func DaysBetween(today, target time.Time) int {
	a := notifier.Today(today)
	b := notifier.Today(target)
	// Both are UTC midnights, so the difference is a whole number of days.
	return int(b.Sub(a).Hours() / 24)
}

func sinceMidnight(t time.Time) time.Duration {
	h, m, s := t.Clock()
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second +
		time.Duration(t.Nanosecond())
}
