// Package catalog discovers dataset identifiers, per-dataset metadata and
// temporal interval lists from a remote catalog service. Metadata is
// cached for the process lifetime; interval lists grow by prefix/suffix
// extension and are never invalidated.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	virtualzarr "github.com/earthdatalab/virtualzarr"
	"github.com/earthdatalab/virtualzarr/fetch"
)

const (
	// DefaultPageSize is the page size used for catalog queries.
	DefaultPageSize = 200

	// DefaultConcurrency bounds concurrently issued catalog pages.
	DefaultConcurrency = 4
)

// Client is the catalog client. One instance owns the per-dataset metadata
// cache and the per-(dataset, format) time-range cache and is shared by
// reference with the stores that use it.
type Client struct {
	baseURL     string
	fetcher     *fetch.Fetcher
	decoder     Decoder
	logger      *slog.Logger
	pageSize    int
	concurrency int

	metaMu     sync.Mutex
	meta       map[string]*virtualzarr.DatasetMetadata
	metaFlight singleflight.Group

	rangeMu sync.Mutex
	ranges  map[rangeKey]*rangeEntry
}

// Option configures a Client.
type Option func(*Client)

// WithFetcher sets the resilient fetcher shared with the store.
func WithFetcher(f *fetch.Fetcher) Option {
	return func(c *Client) {
		c.fetcher = f
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithPageSize sets the catalog query page size.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithConcurrency bounds concurrently issued catalog pages.
func WithConcurrency(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// New creates a catalog client for the service at baseURL. The decoder
// parses the service's response bodies.
func New(baseURL string, decoder Decoder, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		decoder:     decoder,
		logger:      slog.Default(),
		pageSize:    DefaultPageSize,
		concurrency: DefaultConcurrency,
		meta:        map[string]*virtualzarr.DatasetMetadata{},
		ranges:      map[rangeKey]*rangeEntry{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fetcher == nil {
		c.fetcher = fetch.New(fetch.WithLogger(c.logger))
	}
	return c
}

// Search returns the dataset ids matching the filters. Filters expressible
// against identifier-encoded attributes of a known candidate list are
// evaluated locally without a network round trip.
func (c *Client) Search(ctx context.Context, f Filters) ([]string, error) {
	if f.local() {
		var out []string
		for _, id := range f.Candidates {
			if f.matchID(id) {
				out = append(out, id)
			}
		}
		return out, nil
	}

	records, err := c.queryAll(ctx, queryRequest{
		Provider:   f.Provider,
		Collection: f.Collection,
		Keyword:    f.Keyword,
		Window:     f.Window,
	})
	if err != nil {
		return nil, err
	}

	seen := map[string]struct{}{}
	var out []string
	for _, r := range records {
		id := datasetID(r.ID)
		if _, ok := seen[id]; ok {
			continue
		}
		if len(f.Candidates) > 0 && !contains(f.Candidates, id) {
			continue
		}
		if !f.matchID(id) {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// DatasetMetadata returns the cached metadata for a dataset, fetching the
// catalog detail record plus one representative sample record on first
// use. Concurrent first uses are deduplicated; the winning fetch runs on a
// detached context so one caller's cancellation does not fail the others.
func (c *Client) DatasetMetadata(ctx context.Context, id string) (*virtualzarr.DatasetMetadata, error) {
	c.metaMu.Lock()
	if m, ok := c.meta[id]; ok {
		c.metaMu.Unlock()
		return m, nil
	}
	c.metaMu.Unlock()

	ch := c.metaFlight.DoChan(id, func() (any, error) {
		return c.fetchMetadata(context.WithoutCancel(ctx), id)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			c.metaFlight.Forget(id)
			return nil, res.Err
		}
		return res.Val.(*virtualzarr.DatasetMetadata), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) fetchMetadata(ctx context.Context, id string) (*virtualzarr.DatasetMetadata, error) {
	detailURL := fmt.Sprintf("%s/datasets/%s", c.baseURL, url.PathEscape(id))
	data, err := c.get(ctx, detailURL)
	if err != nil {
		return nil, fmt.Errorf("fetching detail for %s: %w", id, err)
	}
	detail, err := c.decoder.DecodeDetail(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding detail for %s: %w", virtualzarr.ErrMetadataIncomplete, id, err)
	}

	sampleURL := detail.SampleLink
	if sampleURL == "" {
		sampleURL = fmt.Sprintf("%s/datasets/%s/sample", c.baseURL, url.PathEscape(id))
	}
	data, err = c.get(ctx, sampleURL)
	if err != nil {
		return nil, fmt.Errorf("%w: probing sample for %s: %w", virtualzarr.ErrMetadataIncomplete, id, err)
	}
	sample, err := c.decoder.DecodeSample(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding sample for %s: %w", virtualzarr.ErrMetadataIncomplete, id, err)
	}

	meta, err := buildMetadata(detail, sample)
	if err != nil {
		return nil, err
	}

	c.metaMu.Lock()
	c.meta[id] = meta
	c.metaMu.Unlock()

	c.logger.Debug("dataset metadata cached", "dataset", id, "variables", len(meta.Variables))
	return meta, nil
}

// buildMetadata assembles and validates the composite metadata. Every
// variable the detail record declares must have a complete layout in the
// sample, otherwise the dataset cannot back a store.
func buildMetadata(detail *Detail, sample *Sample) (*virtualzarr.DatasetMetadata, error) {
	period, err := virtualzarr.ParsePeriod(detail.Period)
	if err != nil {
		return nil, fmt.Errorf("%w: dataset %s: %w", virtualzarr.ErrMetadataIncomplete, detail.ID, err)
	}

	dims := make(map[string]virtualzarr.DimensionMeta, len(detail.Dimensions))
	for _, d := range detail.Dimensions {
		dims[d.Name] = d
	}

	vars := make(map[string]virtualzarr.VariableMeta, len(sample.Variables))
	for _, v := range sample.Variables {
		vars[v.Name] = v
	}

	for _, name := range detail.VariableNames {
		v, ok := vars[name]
		if !ok {
			return nil, fmt.Errorf("%w: dataset %s: no sample layout for variable %q", virtualzarr.ErrMetadataIncomplete, detail.ID, name)
		}
		if v.DType == "" || len(v.Shape) != len(v.Dimensions) || len(v.NativeChunk) != len(v.Shape) {
			return nil, fmt.Errorf("%w: dataset %s: variable %q has inconsistent layout", virtualzarr.ErrMetadataIncomplete, detail.ID, name)
		}
		for _, d := range v.Dimensions {
			if _, ok := dims[d]; !ok {
				return nil, fmt.Errorf("%w: dataset %s: variable %q uses undeclared dimension %q", virtualzarr.ErrMetadataIncomplete, detail.ID, name, d)
			}
		}
	}

	timeChunk := detail.TimeChunk
	if timeChunk < 1 {
		timeChunk = 1
	}

	return &virtualzarr.DatasetMetadata{
		ID:            detail.ID,
		Title:         detail.Title,
		Dimensions:    dims,
		Variables:     vars,
		Coverage:      detail.Coverage,
		Period:        period,
		BBox:          detail.BBox,
		CRS:           detail.CRS,
		TimeChunk:     timeChunk,
		TimeDimension: detail.TimeDimension,
	}, nil
}

// get executes one catalog GET through the resilient fetcher, mapping an
// exhausted retry budget onto the catalog error taxonomy.
func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	data, err := c.fetcher.Do(ctx, req)
	if err != nil {
		if errors.Is(err, fetch.ErrBudgetExhausted) {
			return nil, fmt.Errorf("%w: %w", virtualzarr.ErrCatalogUnavailable, err)
		}
		return nil, err
	}
	return data, nil
}

// datasetID strips any granule suffix from a record identifier. Records
// are identified as "<dataset id>:<granule>"; the dataset id itself keeps
// its slash-separated structure.
func datasetID(recordID string) string {
	if i := strings.LastIndex(recordID, ":"); i >= 0 {
		return recordID[:i]
	}
	return recordID
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
