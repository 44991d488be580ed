package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	virtualzarr "github.com/earthdatalab/virtualzarr"
)

// rangeKey keys the interval cache per dataset and transport format;
// archives expose different granule boundaries per format.
type rangeKey struct {
	dataset string
	format  virtualzarr.Format
}

// rangeEntry is one cached interval list. intervals is monotonically
// increasing and non-overlapping; covered is the extent queried so far.
// The list only grows by prefix/suffix extension, never invalidation.
type rangeEntry struct {
	mu        sync.Mutex
	init      bool
	covered   virtualzarr.TimeInterval
	intervals []virtualzarr.TimeInterval
}

// TimeRanges returns, in increasing order, the cached temporal intervals
// of a dataset intersecting window. Cache misses trigger paginated catalog
// queries restricted to the missing leading/trailing extent only.
func (c *Client) TimeRanges(ctx context.Context, dataset string, format virtualzarr.Format, window virtualzarr.TimeInterval) ([]virtualzarr.TimeInterval, error) {
	if window.Empty() {
		return nil, fmt.Errorf("%w: %s", virtualzarr.ErrInvalidTimeWindow, window)
	}

	entry := c.rangeEntry(dataset, format)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !entry.init {
		intervals, err := c.fetchIntervals(ctx, dataset, format, window)
		if err != nil {
			return nil, err
		}
		entry.intervals = intervals
		entry.covered = window
		entry.init = true
		return intersecting(entry.intervals, window), nil
	}

	if window.Start.Before(entry.covered.Start) {
		prefix := virtualzarr.Interval(window.Start, entry.covered.Start)
		intervals, err := c.fetchIntervals(ctx, dataset, format, prefix)
		if err != nil {
			return nil, err
		}
		entry.intervals = mergeIntervals(entry.intervals, intervals)
		entry.covered.Start = window.Start
	}

	if window.End.After(entry.covered.End) {
		suffix := virtualzarr.Interval(entry.covered.End, window.End)
		intervals, err := c.fetchIntervals(ctx, dataset, format, suffix)
		if err != nil {
			return nil, err
		}
		entry.intervals = mergeIntervals(entry.intervals, intervals)
		entry.covered.End = window.End
	}

	return intersecting(entry.intervals, window), nil
}

func (c *Client) rangeEntry(dataset string, format virtualzarr.Format) *rangeEntry {
	key := rangeKey{dataset: dataset, format: format}
	c.rangeMu.Lock()
	defer c.rangeMu.Unlock()
	entry, ok := c.ranges[key]
	if !ok {
		entry = &rangeEntry{}
		c.ranges[key] = entry
	}
	return entry
}

// fetchIntervals queries the catalog for the granule intervals of a
// dataset within window and returns them sorted and deduplicated.
func (c *Client) fetchIntervals(ctx context.Context, dataset string, format virtualzarr.Format, window virtualzarr.TimeInterval) ([]virtualzarr.TimeInterval, error) {
	records, err := c.queryAll(ctx, queryRequest{
		Dataset: dataset,
		Format:  format,
		Window:  &window,
	})
	if err != nil {
		return nil, err
	}

	intervals := make([]virtualzarr.TimeInterval, 0, len(records))
	for _, r := range records {
		if r.Interval.Empty() {
			continue
		}
		intervals = append(intervals, r.Interval)
	}
	sort.Slice(intervals, func(i, j int) bool {
		return intervals[i].Start.Before(intervals[j].Start)
	})
	return dedupeIntervals(intervals), nil
}

// mergeIntervals inserts incoming intervals into an ordered cache via
// binary search, skipping intervals already present. Extensions are
// prefix/suffix in practice, so each insertion touches one end.
func mergeIntervals(existing, incoming []virtualzarr.TimeInterval) []virtualzarr.TimeInterval {
	out := existing
	for _, iv := range incoming {
		pos := sort.Search(len(out), func(i int) bool {
			return !out[i].Start.Before(iv.Start)
		})
		if pos < len(out) && out[pos].Start.Equal(iv.Start) {
			continue
		}
		out = append(out, virtualzarr.TimeInterval{})
		copy(out[pos+1:], out[pos:])
		out[pos] = iv
	}
	return out
}

// intersecting returns a copy of the cached intervals overlapping window,
// located by binary search.
func intersecting(intervals []virtualzarr.TimeInterval, window virtualzarr.TimeInterval) []virtualzarr.TimeInterval {
	// First interval whose end is after the window start.
	lo := sort.Search(len(intervals), func(i int) bool {
		return intervals[i].End.After(window.Start)
	})
	// First interval starting at or after the window end.
	hi := sort.Search(len(intervals), func(i int) bool {
		return !intervals[i].Start.Before(window.End)
	})
	if lo >= hi {
		return nil
	}
	out := make([]virtualzarr.TimeInterval, hi-lo)
	copy(out, intervals[lo:hi])
	return out
}

func dedupeIntervals(intervals []virtualzarr.TimeInterval) []virtualzarr.TimeInterval {
	out := intervals[:0]
	for i, iv := range intervals {
		if i > 0 && iv.Start.Equal(intervals[i-1].Start) {
			continue
		}
		out = append(out, iv)
	}
	return out
}
