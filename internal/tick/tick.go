// Package tick implements DAQ time: an integer count of 0.1ns units since
// the UTC start of the current year.
package tick

import (
	"time"

	"github.com/alecthomas/errors"
)

// Tick is a DAQ timestamp: 0.1ns units since the start of the UTC year it
// falls in. Conversion to wall-clock time ignores leap seconds by design.
type Tick int64

// PerSecond is the number of Ticks in one second.
const PerSecond Tick = 10_000_000_000

// PerNanosecond is the number of Ticks in one nanosecond.
const PerNanosecond Tick = 10

// ErrInverted is returned when a start tick is greater than a stop tick.
var ErrInverted = errors.New("start tick after stop tick")

// Range is an inclusive [Start, Stop] tick interval.
type Range struct {
	Start Tick
	Stop  Tick
}

// NewRange validates and constructs a Range.
func NewRange(start, stop Tick) (Range, error) {
	if start > stop {
		return Range{}, errors.Wrap(ErrInverted, "invalid tick range")
	}
	return Range{Start: start, Stop: stop}, nil
}

// Overlaps reports whether r and other share at least one tick.
func (r Range) Overlaps(other Range) bool {
	return r.Start <= other.Stop && other.Start <= r.Stop
}

// Duration returns the wall-clock duration spanned by the range.
func (r Range) Duration() time.Duration {
	return time.Duration(int64((r.Stop - r.Start) / PerNanosecond))
}

// Clamp returns a Range no longer than maxSpan, anchored at r.Start, and
// reports whether truncation occurred.
func (r Range) Clamp(maxSpan Tick) (Range, bool) {
	if maxSpan <= 0 || r.Stop-r.Start <= maxSpan {
		return r, false
	}
	return Range{Start: r.Start, Stop: r.Start + maxSpan}, true
}

// AnchorForYear returns the UTC instant at which Tick 0 falls for the given
// calendar year.
func AnchorForYear(year int) time.Time {
	return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
}

// FromUnixNano converts a Unix-epoch nanosecond timestamp into a Tick,
// anchored at the start of the UTC year the timestamp falls in.
func FromUnixNano(nsec int64) Tick {
	t := time.Unix(0, nsec).UTC()
	anchor := AnchorForYear(t.Year())
	return Tick(t.Sub(anchor).Nanoseconds()) * PerNanosecond
}

// ToTime converts a Tick, interpreted relative to the given year's anchor,
// back into a wall-clock UTC time.
func (t Tick) ToTime(year int) time.Time {
	anchor := AnchorForYear(year)
	return anchor.Add(time.Duration(int64(t/PerNanosecond)) * time.Nanosecond)
}

// FromNanoseconds converts a raw nanosecond duration (as carried on the
// alert-channel wire format) into Ticks.
func FromNanoseconds(nsec int64) Tick {
	return Tick(nsec) * PerNanosecond
}

// ToNanoseconds converts back to nanoseconds, truncating any sub-nanosecond
// remainder (there should be none on the wire, since ticks arrive as whole
// nanoseconds multiplied by ten).
func (t Tick) ToNanoseconds() int64 {
	return int64(t / PerNanosecond)
}
