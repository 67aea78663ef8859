// Package timebucket converts wall-clock instants to fixed-width buckets and
// evaluates the recurring daily trading window.
//
// Every function is pure: inputs are never mutated and each call returns a
// new time.Time. Bucket boundaries are computed in the ingestion clock's
// location so a 5-minute bucket always starts at :00, :05, :10, ...
package timebucket

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidWidth is returned when a bucket width is not a positive
	// whole number of minutes dividing a day.
	ErrInvalidWidth = errors.New("timebucket: width must be whole minutes dividing 24h")

	// ErrInvalidWindow is returned for an open time outside [0, 24h) or a
	// duration outside (0, 24h].
	ErrInvalidWindow = errors.New("timebucket: invalid trading window")
)

const day = 24 * time.Hour

// FixedOffset returns the location of an ingestion clock that runs at a
// fixed whole-hour offset from UTC, named like "UTC-07:00".
func FixedOffset(hours int) *time.Location {
	return time.FixedZone(fmt.Sprintf("UTC%+03d:00", hours), hours*3600)
}

// Bucketer aligns instants to buckets of a fixed width.
type Bucketer struct {
	width time.Duration
	loc   *time.Location
}

// NewBucketer creates a bucketer for the given width and clock location.
func NewBucketer(width time.Duration, loc *time.Location) (Bucketer, error) {
	if width <= 0 || width%time.Minute != 0 || day%width != 0 {
		return Bucketer{}, fmt.Errorf("%w: %s", ErrInvalidWidth, width)
	}
	if loc == nil {
		loc = time.UTC
	}
	return Bucketer{width: width, loc: loc}, nil
}

// Width returns the bucket width.
func (b Bucketer) Width() time.Duration { return b.width }

// Location returns the ingestion clock location.
func (b Bucketer) Location() *time.Location { return b.loc }

// Floor rounds t down to the start of its bucket, zeroing sub-bucket minutes,
// seconds and sub-second precision. The result is in UTC.
func (b Bucketer) Floor(t time.Time) time.Time {
	lt := t.In(b.loc)
	midnight := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, b.loc)
	since := lt.Sub(midnight)
	return midnight.Add(since - since%b.width).UTC()
}

// Plus returns t moved by n buckets.
func (b Bucketer) Plus(t time.Time, n int) time.Time {
	return t.Add(time.Duration(n) * b.width)
}

// IsAligned reports whether t is exactly on a bucket boundary.
func (b Bucketer) IsAligned(t time.Time) bool {
	return b.Floor(t).Equal(t)
}

// PlusMinutes returns t moved by m minutes.
func PlusMinutes(t time.Time, m int) time.Time {
	return t.Add(time.Duration(m) * time.Minute)
}
