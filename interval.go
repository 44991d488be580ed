package virtualzarr

import (
	"fmt"
	"time"
)

// TimeInterval is a half-open [Start, End) temporal range representing one
// addressable unit of the remote archive, or a requested window.
type TimeInterval struct {
	Start time.Time
	End   time.Time
}

// Interval constructs a TimeInterval without validation.
func Interval(start, end time.Time) TimeInterval {
	return TimeInterval{Start: start, End: end}
}

// IsZero returns true for the zero interval.
func (iv TimeInterval) IsZero() bool {
	return iv.Start.IsZero() && iv.End.IsZero()
}

// Empty returns true if the interval contains no time.
func (iv TimeInterval) Empty() bool {
	return !iv.Start.Before(iv.End)
}

// Duration returns End minus Start.
func (iv TimeInterval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// Overlaps reports whether both half-open intervals share any instant.
func (iv TimeInterval) Overlaps(other TimeInterval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

// Contains reports whether t falls within the half-open interval.
func (iv TimeInterval) Contains(t time.Time) bool {
	return !t.Before(iv.Start) && t.Before(iv.End)
}

// Intersect clips the interval to other. The result may be empty.
func (iv TimeInterval) Intersect(other TimeInterval) TimeInterval {
	out := iv
	if other.Start.After(out.Start) {
		out.Start = other.Start
	}
	if other.End.Before(out.End) {
		out.End = other.End
	}
	if out.Empty() {
		return TimeInterval{Start: out.Start, End: out.Start}
	}
	return out
}

// String renders the interval as "start/end" in RFC 3339.
func (iv TimeInterval) String() string {
	return fmt.Sprintf("%s/%s", iv.Start.Format(time.RFC3339), iv.End.Format(time.RFC3339))
}
