package catalog

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	virtualzarr "github.com/earthdatalab/virtualzarr"
)

// monthRecords builds one granule record per month of 2021, from January
// up to but excluding the given month.
func monthRecords(until time.Month) []Record {
	var out []Record
	for m := time.January; m < until; m++ {
		out = append(out, Record{
			ID: "ESA/CCI/SM:2021-" + m.String(),
			Interval: virtualzarr.Interval(
				time.Date(2021, m, 1, 0, 0, 0, 0, time.UTC),
				time.Date(2021, m+1, 1, 0, 0, 0, 0, time.UTC),
			),
		})
	}
	return out
}

// rangeServer serves granule records, recording the window of every query.
type rangeServer struct {
	records []Record

	mu      sync.Mutex
	windows []virtualzarr.TimeInterval // zero interval for unbounded queries
}

func (s *rangeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var window virtualzarr.TimeInterval
	if q.Get("start") != "" {
		start, _ := time.Parse(time.RFC3339, q.Get("start"))
		end, _ := time.Parse(time.RFC3339, q.Get("end"))
		window = virtualzarr.Interval(start, end)
	}

	s.mu.Lock()
	s.windows = append(s.windows, window)
	s.mu.Unlock()

	matched := s.records
	if !window.IsZero() {
		matched = nil
		for _, rec := range s.records {
			if rec.Interval.Overlaps(window) {
				matched = append(matched, rec)
			}
		}
	}
	writeJSON(w, QueryPage{Total: len(matched), Records: matched})
}

func (s *rangeServer) queries() []virtualzarr.TimeInterval {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]virtualzarr.TimeInterval(nil), s.windows...)
}

func month(m time.Month) time.Time {
	return time.Date(2021, m, 1, 0, 0, 0, 0, time.UTC)
}

func TestTimeRanges(t *testing.T) {
	srv := &rangeServer{records: monthRecords(time.July)}
	c := newTestClient(t, srv)

	got, err := c.TimeRanges(context.Background(), "ESA/CCI/SM", virtualzarr.FormatRecords,
		virtualzarr.Interval(month(time.March), month(time.May)))
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, month(time.March), got[0].Start)
	require.Equal(t, month(time.April), got[1].Start)
}

func TestTimeRanges_CacheHitSkipsNetwork(t *testing.T) {
	srv := &rangeServer{records: monthRecords(time.July)}
	c := newTestClient(t, srv)
	window := virtualzarr.Interval(month(time.March), month(time.May))

	first, err := c.TimeRanges(context.Background(), "ESA/CCI/SM", virtualzarr.FormatRecords, window)
	require.NoError(t, err)
	require.Len(t, srv.queries(), 1)

	second, err := c.TimeRanges(context.Background(), "ESA/CCI/SM", virtualzarr.FormatRecords, window)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, srv.queries(), 1, "covered window must not requery")
}

func TestTimeRanges_GrowsByPrefixAndSuffixOnly(t *testing.T) {
	srv := &rangeServer{records: monthRecords(time.July)}
	c := newTestClient(t, srv)

	_, err := c.TimeRanges(context.Background(), "ESA/CCI/SM", virtualzarr.FormatRecords,
		virtualzarr.Interval(month(time.March), month(time.May)))
	require.NoError(t, err)

	got, err := c.TimeRanges(context.Background(), "ESA/CCI/SM", virtualzarr.FormatRecords,
		virtualzarr.Interval(month(time.January), month(time.July)))
	require.NoError(t, err)
	require.Len(t, got, 6)
	for i, iv := range got {
		require.Equal(t, month(time.Month(i+1)), iv.Start)
	}

	queries := srv.queries()
	require.Len(t, queries, 3)
	require.Equal(t, virtualzarr.Interval(month(time.January), month(time.March)), queries[1], "prefix fetch covers only the missing leading extent")
	require.Equal(t, virtualzarr.Interval(month(time.May), month(time.July)), queries[2], "suffix fetch covers only the missing trailing extent")
}

func TestTimeRanges_FormatsCachedIndependently(t *testing.T) {
	srv := &rangeServer{records: monthRecords(time.July)}
	c := newTestClient(t, srv)
	window := virtualzarr.Interval(month(time.March), month(time.May))

	_, err := c.TimeRanges(context.Background(), "ESA/CCI/SM", virtualzarr.FormatRecords, window)
	require.NoError(t, err)
	_, err = c.TimeRanges(context.Background(), "ESA/CCI/SM", virtualzarr.FormatImage, window)
	require.NoError(t, err)
	require.Len(t, srv.queries(), 2)
}

func TestTimeRanges_EmptyBoundedQueryRetriesUnbounded(t *testing.T) {
	// The archive ignores granules when filtering a sparse dataset by
	// time; the client retries without the bound and clips locally.
	records := monthRecords(time.July)
	srv := &rangeServer{}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("start") != "" {
			srv.ServeHTTP(w, r) // bounded: no records loaded yet, serves empty
			return
		}
		writeJSON(w, QueryPage{Total: len(records), Records: records})
	}))

	got, err := c.TimeRanges(context.Background(), "ESA/CCI/SM", virtualzarr.FormatRecords,
		virtualzarr.Interval(month(time.February), month(time.April)))
	require.NoError(t, err)
	require.Len(t, got, 2, "unbounded results clip back to the requested window")
	require.Equal(t, month(time.February), got[0].Start)
	require.Equal(t, month(time.March), got[1].Start)
}

func TestTimeRanges_EmptyWindow(t *testing.T) {
	srv := &rangeServer{records: monthRecords(time.July)}
	c := newTestClient(t, srv)

	_, err := c.TimeRanges(context.Background(), "ESA/CCI/SM", virtualzarr.FormatRecords,
		virtualzarr.Interval(month(time.May), month(time.March)))
	require.ErrorIs(t, err, virtualzarr.ErrInvalidTimeWindow)
}
