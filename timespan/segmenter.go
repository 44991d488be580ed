// Package timespan converts a dataset's declared period and a requested
// window into an ordered, gapless sequence of temporal intervals. Regular
// periods step arithmetically with no network round trip; climatology and
// irregular periods delegate to the catalog's interval cache.
package timespan

import (
	"context"
	"fmt"
	"time"

	virtualzarr "github.com/earthdatalab/virtualzarr"
)

// RangeSource supplies catalog-derived intervals for datasets whose
// cadence cannot be stepped arithmetically.
type RangeSource interface {
	TimeRanges(ctx context.Context, dataset string, format virtualzarr.Format, window virtualzarr.TimeInterval) ([]virtualzarr.TimeInterval, error)
}

// Segmenter generates the temporal interval sequence for one dataset.
type Segmenter struct {
	ranges RangeSource
}

// New creates a Segmenter backed by the given catalog interval source.
func New(ranges RangeSource) *Segmenter {
	return &Segmenter{ranges: ranges}
}

// Intervals returns the ordered interval sequence of the dataset
// intersecting window. Window bounds not aligned to period boundaries are
// expanded outward to the enclosing period, and the sequence never exceeds
// the dataset's declared coverage by more than one period. A window that
// does not intersect coverage is a domain error.
func (s *Segmenter) Intervals(ctx context.Context, meta *virtualzarr.DatasetMetadata, format virtualzarr.Format, window virtualzarr.TimeInterval) ([]virtualzarr.TimeInterval, error) {
	if window.IsZero() {
		window = meta.Coverage
	}
	if window.Empty() {
		return nil, fmt.Errorf("%w: %s", virtualzarr.ErrInvalidTimeWindow, window)
	}

	if !meta.Period.Regular() {
		intervals, err := s.ranges.TimeRanges(ctx, meta.ID, format, window)
		if err != nil {
			return nil, err
		}
		if len(intervals) == 0 {
			return nil, fmt.Errorf("%w: %s has no intervals in %s", virtualzarr.ErrInvalidTimeWindow, meta.ID, window)
		}
		return intervals, nil
	}

	if !window.Overlaps(meta.Coverage) {
		return nil, fmt.Errorf("%w: %s outside coverage %s", virtualzarr.ErrInvalidTimeWindow, window, meta.Coverage)
	}

	// Clamp the expanded window to the coverage expanded to the same
	// boundaries, so the sequence overshoots coverage by at most one
	// period on either side.
	start := periodFloor(window.Start, meta.Period, meta.Coverage.Start)
	end := window.End
	if cs := periodFloor(meta.Coverage.Start, meta.Period, meta.Coverage.Start); start.Before(cs) {
		start = cs
	}
	if !end.Before(meta.Coverage.End) {
		end = meta.Coverage.End
	}

	var out []virtualzarr.TimeInterval
	for cur := start; cur.Before(end); {
		next := step(cur, meta.Period)
		out = append(out, virtualzarr.Interval(cur, next))
		cur = next
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s produced no intervals", virtualzarr.ErrInvalidTimeWindow, window)
	}
	return out, nil
}

// step advances a boundary by one period. Calendar stepping keeps monthly
// and yearly datasets aligned across month-length changes.
func step(t time.Time, p virtualzarr.Period) time.Time {
	return t.AddDate(p.Years, p.Months, p.Days)
}

// periodFloor returns the greatest period boundary not after t. Month and
// year periods align to the calendar; day-based periods align to a grid
// anchored at the dataset's coverage start, since N-day cadences carry no
// natural calendar anchor.
func periodFloor(t time.Time, p virtualzarr.Period, anchor time.Time) time.Time {
	t = t.UTC()
	anchor = anchor.UTC()
	switch {
	case p.Years > 0:
		y := anchor.Year() + floorDiv(t.Year()-anchor.Year(), p.Years)*p.Years
		b := time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC)
		if b.After(t) {
			b = b.AddDate(-p.Years, 0, 0)
		}
		return b
	case p.Months > 0:
		idx := t.Year()*12 + int(t.Month()) - 1
		base := anchor.Year()*12 + int(anchor.Month()) - 1
		idx = base + floorDiv(idx-base, p.Months)*p.Months
		b := time.Date(idx/12, time.Month(idx%12+1), 1, 0, 0, 0, 0, time.UTC)
		if b.After(t) {
			b = b.AddDate(0, -p.Months, 0)
		}
		return b
	default:
		a := time.Date(anchor.Year(), anchor.Month(), anchor.Day(), 0, 0, 0, 0, time.UTC)
		span := time.Duration(p.Days) * 24 * time.Hour
		steps := floorDiv64(int64(t.Sub(a)), int64(span))
		return a.Add(time.Duration(steps) * span)
	}
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func floorDiv64(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
