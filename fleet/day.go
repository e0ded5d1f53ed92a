package fleet

import (
	"fmt"
	"time"
)

// =============================================================================
// DAY - Calendar-day granularity time point
// =============================================================================

// Day is a calendar day in UTC. All booking, pricing, and availability
// intervals in this system operate at day granularity.
type Day struct {
	t time.Time
}

// NewDay constructs a Day from calendar components.
func NewDay(year int, month time.Month, day int) Day {
	return Day{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DayOf truncates a time.Time to its UTC calendar day.
func DayOf(t time.Time) Day {
	u := t.UTC()
	return NewDay(u.Year(), u.Month(), u.Day())
}

// Today returns the current UTC calendar day.
func Today() Day { return DayOf(time.Now()) }

// ParseDay parses a YYYY-MM-DD string.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Day{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD): %w", s, err)
	}
	return Day{t: t}, nil
}

// MustDay parses a YYYY-MM-DD string and panics on error. Test helper.
func MustDay(s string) Day {
	d, err := ParseDay(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Comparison
func (d Day) Before(other Day) bool        { return d.t.Before(other.t) }
func (d Day) After(other Day) bool         { return d.t.After(other.t) }
func (d Day) Equal(other Day) bool         { return d.t.Equal(other.t) }
func (d Day) BeforeOrEqual(other Day) bool { return !d.After(other) }
func (d Day) AfterOrEqual(other Day) bool  { return !d.Before(other) }

// Arithmetic
func (d Day) AddDays(n int) Day { return Day{t: d.t.AddDate(0, 0, n)} }

// Properties
func (d Day) Time() time.Time { return d.t }
func (d Day) IsZero() bool    { return d.t.IsZero() }
func (d Day) String() string  { return d.t.Format("2006-01-02") }

// MarshalJSON encodes the day as a YYYY-MM-DD string.
func (d Day) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON decodes a YYYY-MM-DD string.
func (d *Day) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("invalid day JSON: %s", s)
	}
	parsed, err := ParseDay(s[1 : len(s)-1])
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DaysBetween returns to − from in calendar days.
func DaysBetween(from, to Day) int {
	return int(to.t.Sub(from.t).Hours() / 24)
}

// MinDay / MaxDay helpers for interval math.
func MinDay(a, b Day) Day {
	if a.Before(b) {
		return a
	}
	return b
}

func MaxDay(a, b Day) Day {
	if a.After(b) {
		return a
	}
	return b
}

// =============================================================================
// DATE RANGE - Half-open interval [Start, End)
// =============================================================================

// DateRange is a half-open day interval: Start inclusive, End EXCLUSIVE.
//
// This is the interval contract for the whole engine. Two ranges overlap
// iff a.Start < b.End && b.Start < a.End; ranges that merely touch
// (a.End == b.Start) do NOT overlap. A booking [Jan1, Jan10) covers nine
// billable days, Jan 1 through Jan 9.
type DateRange struct {
	Start Day
	End   Day // exclusive
}

// NewDateRange returns the range [start, end) or ErrInvalidRange when
// end is not strictly after start.
func NewDateRange(start, end Day) (DateRange, error) {
	if !end.After(start) {
		return DateRange{}, &RangeError{Start: start, End: end}
	}
	return DateRange{Start: start, End: end}, nil
}

// Days returns the number of calendar days in the range.
func (r DateRange) Days() int { return DaysBetween(r.Start, r.End) }

// IsValid reports whether End is strictly after Start.
func (r DateRange) IsValid() bool { return r.End.After(r.Start) }

// ContainsDay reports whether day falls within [Start, End).
func (r DateRange) ContainsDay(d Day) bool {
	return d.AfterOrEqual(r.Start) && d.Before(r.End)
}

// Contains reports whether other lies entirely within r.
func (r DateRange) Contains(other DateRange) bool {
	return other.Start.AfterOrEqual(r.Start) && other.End.BeforeOrEqual(r.End)
}

// Overlaps reports whether the two half-open ranges share at least one day.
func (r DateRange) Overlaps(other DateRange) bool {
	return r.Start.Before(other.End) && other.Start.Before(r.End)
}

// Intersect returns the overlapping portion of two ranges. The second
// return value is false when they do not overlap.
func (r DateRange) Intersect(other DateRange) (DateRange, bool) {
	if !r.Overlaps(other) {
		return DateRange{}, false
	}
	return DateRange{Start: MaxDay(r.Start, other.Start), End: MinDay(r.End, other.End)}, true
}

// EachDay returns every day in [Start, End) in order.
func (r DateRange) EachDay() []Day {
	days := make([]Day, 0, r.Days())
	for d := r.Start; d.Before(r.End); d = d.AddDays(1) {
		days = append(days, d)
	}
	return days
}

// String renders the range as [start, end).
func (r DateRange) String() string {
	return "[" + r.Start.String() + ", " + r.End.String() + ")"
}

// DefaultSyncHorizon returns the range synchronized when the caller does
// not supply one: today through today+90 days.
func DefaultSyncHorizon(today Day) DateRange {
	return DateRange{Start: today, End: today.AddDays(90)}
}
