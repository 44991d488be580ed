package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	virtualzarr "github.com/earthdatalab/virtualzarr"
	"github.com/earthdatalab/virtualzarr/fetch"
	"github.com/earthdatalab/virtualzarr/telemetry"
)

// queryRequest is one logical catalog query before pagination.
type queryRequest struct {
	Dataset    string
	Provider   string
	Collection string
	Keyword    string
	Format     virtualzarr.Format
	Window     *virtualzarr.TimeInterval
}

func (c *Client) queryURL(req queryRequest, page int) string {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(c.pageSize))
	if req.Dataset != "" {
		q.Set("dataset", req.Dataset)
	}
	if req.Provider != "" {
		q.Set("provider", req.Provider)
	}
	if req.Collection != "" {
		q.Set("collection", req.Collection)
	}
	if req.Keyword != "" {
		q.Set("q", req.Keyword)
	}
	if req.Format != "" {
		q.Set("format", string(req.Format))
	}
	if req.Window != nil {
		q.Set("start", req.Window.Start.UTC().Format(time.RFC3339))
		q.Set("end", req.Window.End.UTC().Format(time.RFC3339))
	}
	return c.baseURL + "/records?" + q.Encode()
}

// queryPage fetches and decodes one page.
func (c *Client) queryPage(ctx context.Context, req queryRequest, page int) (*QueryPage, error) {
	start := time.Now()
	data, err := c.get(ctx, c.queryURL(req, page))
	if err != nil {
		telemetry.RecordCatalogQuery(ctx, time.Since(start), "error")
		return nil, err
	}

	p, err := c.decoder.DecodeQueryPage(data)
	if err != nil {
		telemetry.RecordCatalogQuery(ctx, time.Since(start), "decode_error")
		return nil, fmt.Errorf("decoding catalog page %d: %w", page, err)
	}
	telemetry.RecordCatalogQuery(ctx, time.Since(start), "success")
	return p, nil
}

// queryAll drains a paginated query. When the first page reports a total,
// the remaining window is partitioned into sub-time-ranges fetched
// concurrently; when the total is unknown, workers advance a shared page
// cursor until a short page appears.
//
// A time-bounded query returning zero results is retried once without the
// time bound before being declared genuinely empty; the results are then
// clipped back to the originally requested window.
func (c *Client) queryAll(ctx context.Context, req queryRequest) ([]Record, error) {
	records, err := c.queryBounded(ctx, req)
	if err != nil {
		return nil, err
	}

	if len(records) == 0 && req.Window != nil {
		window := *req.Window
		unbounded := req
		unbounded.Window = nil
		c.logger.Debug("time-bounded query empty, retrying unbounded", "dataset", req.Dataset)
		all, err := c.queryBounded(ctx, unbounded)
		if err != nil {
			return nil, err
		}
		for _, r := range all {
			if r.Interval.Overlaps(window) || r.Interval.IsZero() {
				records = append(records, r)
			}
		}
	}

	return records, nil
}

func (c *Client) queryBounded(ctx context.Context, req queryRequest) ([]Record, error) {
	first, err := c.queryPage(ctx, req, 0)
	if err != nil {
		return nil, err
	}

	switch {
	case first.Total >= 0 && first.Total <= len(first.Records):
		return first.Records, nil
	case first.Total < 0 && len(first.Records) < c.pageSize:
		return first.Records, nil
	case first.Total >= 0 && req.Window != nil:
		return c.queryPartitioned(ctx, req, first.Total)
	default:
		return c.queryCursor(ctx, req, first.Records)
	}
}

// queryPartitioned splits the request window into sub-time-ranges and
// drains each serially inside a bounded pool. Each sub-query paginates
// itself, so the split stays correct under uneven record distribution.
func (c *Client) queryPartitioned(ctx context.Context, req queryRequest, total int) ([]Record, error) {
	parts := (total + c.pageSize - 1) / c.pageSize
	if parts > c.concurrency {
		parts = c.concurrency
	}

	window := *req.Window
	step := window.Duration() / time.Duration(parts)
	results := make([][]Record, parts)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < parts; i++ {
		sub := virtualzarr.Interval(
			window.Start.Add(step*time.Duration(i)),
			window.Start.Add(step*time.Duration(i+1)),
		)
		if i == parts-1 {
			sub.End = window.End
		}
		subReq := req
		subReq.Window = &sub

		g.Go(func() error {
			recs, err := c.querySerial(gctx, subReq)
			if err != nil {
				return err
			}
			results[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []Record
	for _, recs := range results {
		merged = append(merged, recs...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].Interval.Start.Equal(merged[j].Interval.Start) {
			return merged[i].Interval.Start.Before(merged[j].Interval.Start)
		}
		return merged[i].ID < merged[j].ID
	})

	// Boundary records can land in two adjacent sub-ranges.
	return dedupeRecords(merged), nil
}

// querySerial drains a query page by page with no fan-out.
func (c *Client) querySerial(ctx context.Context, req queryRequest) ([]Record, error) {
	var out []Record
	for page := 0; ; page++ {
		p, err := c.queryPage(ctx, req, page)
		if errors.Is(err, fetch.ErrNotFound) {
			// Catalogs that 404 past the last page.
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p.Records...)
		if len(p.Records) < c.pageSize {
			return out, nil
		}
		if p.Total >= 0 && len(out) >= p.Total {
			return out, nil
		}
	}
}

// queryCursor fans workers over a shared page cursor. Sibling pages
// complete in no particular order; assembly sorts by page index.
func (c *Client) queryCursor(ctx context.Context, req queryRequest, firstPage []Record) ([]Record, error) {
	var (
		cursor atomic.Int64
		done   atomic.Bool
		mu     sync.Mutex
		pages  = map[int][]Record{0: firstPage}
	)
	cursor.Store(0)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.concurrency; i++ {
		g.Go(func() error {
			for {
				if done.Load() || gctx.Err() != nil {
					return gctx.Err()
				}
				page := int(cursor.Add(1))
				p, err := c.queryPage(gctx, req, page)
				if errors.Is(err, fetch.ErrNotFound) {
					done.Store(true)
					return nil
				}
				if err != nil {
					return err
				}
				mu.Lock()
				pages[page] = p.Records
				mu.Unlock()
				if len(p.Records) < c.pageSize {
					done.Store(true)
					return nil
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	idx := make([]int, 0, len(pages))
	for p := range pages {
		idx = append(idx, p)
	}
	sort.Ints(idx)

	var out []Record
	for _, p := range idx {
		out = append(out, pages[p]...)
	}
	return out, nil
}

func dedupeRecords(records []Record) []Record {
	out := records[:0]
	seen := map[string]struct{}{}
	for _, r := range records {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	return out
}
