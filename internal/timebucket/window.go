package timebucket

import (
	"fmt"
	"time"
)

// Window is a recurring daily trading interval [open, open+duration) in the
// ingestion clock's location. It may span midnight.
type Window struct {
	open     time.Duration // offset from local midnight
	duration time.Duration
	loc      *time.Location
}

// NewWindow creates a trading window opening at the given offset from local
// midnight and staying open for duration.
func NewWindow(open, duration time.Duration, loc *time.Location) (Window, error) {
	if open < 0 || open >= day {
		return Window{}, fmt.Errorf("%w: open %s", ErrInvalidWindow, open)
	}
	if duration <= 0 || duration > day {
		return Window{}, fmt.Errorf("%w: duration %s", ErrInvalidWindow, duration)
	}
	if loc == nil {
		loc = time.UTC
	}
	return Window{open: open, duration: duration, loc: loc}, nil
}

// ParseClock parses "HH:MM" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%w: open %q", ErrInvalidWindow, s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// startOn returns the window start anchored on the calendar day of t
// shifted by offset days.
func (w Window) startOn(t time.Time, offset int) time.Time {
	lt := t.In(w.loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day()+offset, 0, 0, 0, 0, w.loc).Add(w.open)
}

// IsOpen reports whether t falls inside the window anchored on the previous,
// current or next calendar day. Checking all three keeps the answer correct
// wherever midnight falls relative to the window.
func (w Window) IsOpen(t time.Time) bool {
	for offset := -1; offset <= 1; offset++ {
		start := w.startOn(t, offset)
		if !t.Before(start) && t.Before(start.Add(w.duration)) {
			return true
		}
	}
	return false
}

// ClosedPeriod returns the closed interval [close, next open) containing t,
// or the next one if t is inside the window. ok is false for a window that
// never closes.
func (w Window) ClosedPeriod(t time.Time) (from, to time.Time, ok bool) {
	if w.duration == day {
		return time.Time{}, time.Time{}, false
	}
	for offset := -1; offset <= 1; offset++ {
		closeAt := w.startOn(t, offset).Add(w.duration)
		nextOpen := w.startOn(t, offset+1)
		if !t.Before(closeAt) && t.Before(nextOpen) {
			return closeAt, nextOpen, true
		}
	}
	for offset := -1; offset <= 1; offset++ {
		closeAt := w.startOn(t, offset).Add(w.duration)
		if closeAt.After(t) {
			return closeAt, w.startOn(t, offset+1), true
		}
	}
	return time.Time{}, time.Time{}, false
}

// OffHoursDescription renders the closed interval for user-facing messages.
func (w Window) OffHoursDescription(t time.Time) string {
	from, to, ok := w.ClosedPeriod(t)
	if !ok {
		return "trading never closes"
	}
	return fmt.Sprintf("trading is closed from %s to %s (%s)",
		from.In(w.loc).Format("Mon 15:04"), to.In(w.loc).Format("Mon 15:04"), w.loc)
}
