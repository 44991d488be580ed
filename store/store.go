// Package store exposes a catalog-discovered remote dataset as a
// read-only zarr v2 key-value store. Metadata and coordinate entries are
// synthesized at construction; data chunks are resolved on first access
// through a transport fallback chain and never retained.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	virtualzarr "github.com/earthdatalab/virtualzarr"
	"github.com/earthdatalab/virtualzarr/catalog"
	"github.com/earthdatalab/virtualzarr/chunkplan"
	"github.com/earthdatalab/virtualzarr/timespan"
)

// remoteVar is a Remote entry: a variable whose chunks are fetched on
// demand. Shape and chunk shape are in the served (clipped) index space;
// offsets translate back into native indices.
type remoteVar struct {
	meta     virtualzarr.VariableMeta
	shape    []int
	chunks   []int
	grid     []int
	offsets  []int
	timeAxis int
}

// Store is the virtual chunked store for one dataset.
type Store struct {
	logger     *slog.Logger
	meta       *virtualzarr.DatasetMetadata
	transports []Transport

	// static holds fully materialized entries: metadata blobs and
	// coordinate arrays.
	static  map[string][]byte
	remotes map[string]*remoteVar

	// timeGrid is the gapless temporal grid of the served time axis,
	// expanded to whole native-chunk boundaries. Positions outside the
	// dataset's coverage are backfilled with fill values on read.
	timeGrid []virtualzarr.TimeInterval

	keysOnce sync.Once
	keys     []string

	flight singleflight.Group
}

type config struct {
	window     virtualzarr.TimeInterval
	bbox       *virtualzarr.BBox
	bounds     chunkplan.Bounds
	logger     *slog.Logger
	transports []Transport
}

// Option configures a Store.
type Option func(*config)

// WithWindow restricts the served time axis to a temporal window.
func WithWindow(window virtualzarr.TimeInterval) Option {
	return func(c *config) {
		c.window = window
	}
}

// WithBBox clips the served spatial axes to a bounding box.
func WithBBox(bbox virtualzarr.BBox) Option {
	return func(c *config) {
		c.bbox = &bbox
	}
}

// WithBounds sets the serving chunk size bounds.
func WithBounds(bounds chunkplan.Bounds) Option {
	return func(c *config) {
		c.bounds = bounds
	}
}

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithTransports sets the transport fallback chain, in priority order.
func WithTransports(transports ...Transport) Option {
	return func(c *config) {
		c.transports = transports
	}
}

// Open resolves a dataset's metadata through the catalog client and
// constructs the virtual store. A dataset whose metadata cannot be fully
// resolved fails here rather than yielding a partially populated store.
func Open(ctx context.Context, cat *catalog.Client, datasetID string, opts ...Option) (*Store, error) {
	cfg := config{
		bounds: chunkplan.DefaultBounds,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.transports) == 0 {
		return nil, fmt.Errorf("opening %s: no transports configured", datasetID)
	}

	meta, err := cat.DatasetMetadata(ctx, datasetID)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", datasetID, err)
	}

	seg := timespan.New(cat)
	intervals, err := seg.Intervals(ctx, meta, cfg.transports[0].Format(), cfg.window)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", datasetID, err)
	}

	s := &Store{
		logger:     cfg.logger.With("dataset", datasetID),
		meta:       meta,
		transports: cfg.transports,
		static:     map[string][]byte{},
		remotes:    map[string]*remoteVar{},
		timeGrid:   expandToChunkBoundaries(intervals, meta),
	}

	clips := s.clipSpatial(cfg.bbox)
	if err := s.registerVariables(clips, cfg.bounds); err != nil {
		return nil, fmt.Errorf("opening %s: %w", datasetID, err)
	}
	s.materializeStatic(clips)

	s.logger.Debug("store opened",
		"variables", len(s.remotes),
		"time_steps", len(s.timeGrid),
	)
	return s, nil
}

// clip records one spatial clip: the retained native index range and the
// clipped coordinate values.
type clip struct {
	offset int
	coords []float64
}

// clipSpatial clips large coordinate axes to the bounding box, recording
// the clip offset per dimension. Dimensions without coordinates, or when
// no bbox is requested, are served whole.
func (s *Store) clipSpatial(bbox *virtualzarr.BBox) map[string]clip {
	clips := map[string]clip{}
	for name, dim := range s.meta.Dimensions {
		if name == s.meta.TimeDimension || len(dim.Coordinates) == 0 {
			continue
		}
		lo, hi := 0, len(dim.Coordinates)
		if bbox != nil {
			switch axisKind(name) {
			case axisX:
				lo, hi = clipRange(dim.Coordinates, bbox.MinX, bbox.MaxX)
			case axisY:
				lo, hi = clipRange(dim.Coordinates, bbox.MinY, bbox.MaxY)
			}
		}
		clips[name] = clip{offset: lo, coords: dim.Coordinates[lo:hi]}
	}
	return clips
}

// registerVariables derives each variable's serving shape and chunk shape
// and registers it as a Remote entry.
func (s *Store) registerVariables(clips map[string]clip, bounds chunkplan.Bounds) error {
	for name, v := range s.meta.Variables {
		timeAxis := s.meta.TimeAxis(v)

		shape := make([]int, len(v.Dimensions))
		native := make([]int, len(v.Dimensions))
		offsets := make([]int, len(v.Dimensions))
		for i, d := range v.Dimensions {
			switch {
			case i == timeAxis:
				shape[i] = len(s.timeGrid)
				native[i] = s.meta.TimeChunk
			default:
				shape[i] = v.Shape[i]
				native[i] = v.NativeChunk[i]
				if c, ok := clips[d]; ok {
					shape[i] = len(c.coords)
					offsets[i] = c.offset
				}
			}
		}

		chunks, err := chunkplan.Plan(native, shape, timeAxis, bounds)
		if err != nil {
			return fmt.Errorf("planning chunks for %s: %w", name, err)
		}

		grid := make([]int, len(shape))
		for i := range shape {
			grid[i] = (shape[i] + chunks[i] - 1) / chunks[i]
		}

		s.remotes[name] = &remoteVar{
			meta:     v,
			shape:    shape,
			chunks:   chunks,
			grid:     grid,
			offsets:  offsets,
			timeAxis: timeAxis,
		}
	}
	return nil
}

// materializeStatic synthesizes the group descriptor, per-variable array
// metadata, coordinate arrays and the consolidated metadata blob.
func (s *Store) materializeStatic(clips map[string]clip) {
	s.static[keyGroup] = marshalMeta(GroupMeta{ZarrFormat: zarrFormat})
	s.static[keyAttrs] = marshalMeta(map[string]any{
		"id":    s.meta.ID,
		"title": s.meta.Title,
		"crs":   s.meta.CRS,
	})

	// Coordinate axes are small; materialize them fully.
	for name, c := range clips {
		s.putCoordinate(name, c.coords, map[string]any{
			"_ARRAY_DIMENSIONS": []string{name},
		})
	}

	if s.meta.TimeDimension != "" && len(s.timeGrid) > 0 {
		values := make([]float64, len(s.timeGrid))
		for i, iv := range s.timeGrid {
			values[i] = float64(iv.Start.UTC().Unix())
		}
		s.putCoordinate(s.meta.TimeDimension, values, map[string]any{
			"_ARRAY_DIMENSIONS": []string{s.meta.TimeDimension},
			"units":             "seconds since 1970-01-01T00:00:00Z",
			"calendar":          "proleptic_gregorian",
		})
	}

	for name, rv := range s.remotes {
		attrs := map[string]any{
			"_ARRAY_DIMENSIONS": rv.meta.Dimensions,
		}
		for k, v := range rv.meta.Attributes {
			attrs[k] = v
		}
		am := newArrayMeta(rv.shape, rv.chunks, rv.meta.DType, rv.meta.FillValue, defaultCompressor)
		s.static[name+"/"+keyArray] = marshalMeta(am)
		s.static[name+"/"+keyAttrs] = marshalMeta(attrs)
	}

	consolidated := ConsolidatedMeta{
		ConsolidatedFormat: consolidatedFormat,
		Metadata:           map[string]json.RawMessage{},
	}
	for key, data := range s.static {
		if strings.HasSuffix(key, keyGroup) || strings.HasSuffix(key, keyAttrs) || strings.HasSuffix(key, keyArray) {
			consolidated.Metadata[key] = json.RawMessage(data)
		}
	}
	s.static[keyConsolidated] = marshalMeta(consolidated)
}

// putCoordinate materializes one 1-D float64 coordinate array as Static
// entries: array metadata, attributes and a single compressed chunk.
func (s *Store) putCoordinate(name string, values []float64, attrs map[string]any) {
	am := newArrayMeta([]int{len(values)}, []int{len(values)}, virtualzarr.Float64, 0, defaultCompressor)
	s.static[name+"/"+keyArray] = marshalMeta(am)
	s.static[name+"/"+keyAttrs] = marshalMeta(attrs)

	data, err := compress(encodeFloat64s(values), defaultCompressor)
	if err != nil {
		// zlib over an in-memory buffer cannot fail.
		panic(err)
	}
	s.static[name+"/0"] = data
}

// Get returns the value for a store key: metadata and coordinate entries
// from the static map, data chunks resolved on demand. Chunk bytes are not
// retained after the read completes.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if data, ok := s.static[key]; ok {
		return data, nil
	}

	ck, rv, err := s.lookupChunk(key)
	if err != nil {
		return nil, err
	}

	// Concurrent readers of the same chunk share one resolution. The
	// detached context keeps one caller's cancellation from failing the
	// others; singleflight drops the entry once the call completes, so
	// the payload is not retained.
	ch := s.flight.DoChan(key, func() (any, error) {
		return s.resolveChunk(context.WithoutCancel(ctx), rv, ck)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Has reports whether a key exists without resolving chunk bytes.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	if _, ok := s.static[key]; ok {
		return true, nil
	}
	_, _, err := s.lookupChunk(key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, virtualzarr.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Keys enumerates every key in the store. The chunk keyspace is derived
// arithmetically from shape and chunk shape, materialized lazily on the
// first full enumeration.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	s.keysOnce.Do(func() {
		keys := make([]string, 0, len(s.static))
		for k := range s.static {
			keys = append(keys, k)
		}
		for name, rv := range s.remotes {
			idx := make([]int, len(rv.grid))
			for {
				keys = append(keys, virtualzarr.ChunkKey{Variable: name, Index: append([]int(nil), idx...)}.String())
				d := len(idx) - 1
				for ; d >= 0; d-- {
					idx[d]++
					if idx[d] < rv.grid[d] {
						break
					}
					idx[d] = 0
				}
				if d < 0 {
					break
				}
			}
		}
		sort.Strings(keys)
		s.keys = keys
	})

	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out, nil
}

// Put always fails: the store is read-only.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	return fmt.Errorf("put %q: %w", key, virtualzarr.ErrReadOnly)
}

// Delete always fails: the store is read-only.
func (s *Store) Delete(ctx context.Context, key string) error {
	return fmt.Errorf("delete %q: %w", key, virtualzarr.ErrReadOnly)
}

// Metadata returns the dataset metadata backing the store.
func (s *Store) Metadata() *virtualzarr.DatasetMetadata {
	return s.meta
}

// lookupChunk parses and validates a chunk key against the registered
// Remote entries.
func (s *Store) lookupChunk(key string) (virtualzarr.ChunkKey, *remoteVar, error) {
	ck, err := virtualzarr.ParseChunkKey(key)
	if err != nil {
		return virtualzarr.ChunkKey{}, nil, fmt.Errorf("%w: %s", virtualzarr.ErrNotFound, key)
	}
	rv, ok := s.remotes[ck.Variable]
	if !ok {
		return virtualzarr.ChunkKey{}, nil, fmt.Errorf("%w: no variable %q", virtualzarr.ErrNotFound, ck.Variable)
	}
	if len(ck.Index) != len(rv.grid) {
		return virtualzarr.ChunkKey{}, nil, fmt.Errorf("%w: key %s has rank %d, variable has %d", virtualzarr.ErrNotFound, key, len(ck.Index), len(rv.grid))
	}
	for d, i := range ck.Index {
		if i >= rv.grid[d] {
			return virtualzarr.ChunkKey{}, nil, fmt.Errorf("%w: chunk index %v outside grid %v", virtualzarr.ErrNotFound, ck.Index, rv.grid)
		}
	}
	return ck, rv, nil
}

// expandToChunkBoundaries pads the interval grid outward so it aligns to
// whole native time chunks. Regular periods anchor the chunk grid at the
// epoch; the synthetic lead/tail positions fall outside coverage and are
// backfilled with fill values on read. Irregular grids cannot be stepped
// and are served as returned.
func expandToChunkBoundaries(intervals []virtualzarr.TimeInterval, meta *virtualzarr.DatasetMetadata) []virtualzarr.TimeInterval {
	tc := meta.TimeChunk
	if tc <= 1 || len(intervals) == 0 || !meta.Period.Regular() {
		return intervals
	}

	p := meta.Period
	lead := floorMod(periodIndex(intervals[0].Start, p), tc)

	out := make([]virtualzarr.TimeInterval, 0, lead+len(intervals)+tc)
	start := intervals[0].Start
	for i := 0; i < lead; i++ {
		prev := start.AddDate(-p.Years, -p.Months, -p.Days)
		out = append(out, virtualzarr.Interval(prev, start))
		start = prev
	}
	reverse(out)
	out = append(out, intervals...)

	for len(out)%tc != 0 {
		last := out[len(out)-1].End
		out = append(out, virtualzarr.Interval(last, last.AddDate(p.Years, p.Months, p.Days)))
	}
	return out
}

// periodIndex counts whole periods between the Unix epoch and t.
func periodIndex(t time.Time, p virtualzarr.Period) int {
	t = t.UTC()
	switch {
	case p.Years > 0:
		return (t.Year() - 1970) / p.Years
	case p.Months > 0:
		return ((t.Year()-1970)*12 + int(t.Month()) - 1) / p.Months
	default:
		days := int(t.Sub(time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC)) / (24 * time.Hour))
		return days / p.Days
	}
}

func floorMod(a, n int) int {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}

func reverse(intervals []virtualzarr.TimeInterval) {
	for i, j := 0, len(intervals)-1; i < j; i, j = i+1, j-1 {
		intervals[i], intervals[j] = intervals[j], intervals[i]
	}
}

type axis int

const (
	axisOther axis = iota
	axisX
	axisY
)

// axisKind classifies a dimension name as a spatial axis for bounding-box
// clipping.
func axisKind(name string) axis {
	switch strings.ToLower(name) {
	case "lon", "longitude", "x":
		return axisX
	case "lat", "latitude", "y":
		return axisY
	}
	return axisOther
}

// clipRange binary-searches a sorted coordinate axis for the index range
// [lo, hi) covering [min, max]. Descending axes (north-up latitude grids)
// are handled by searching in the mirrored order.
func clipRange(coords []float64, min, max float64) (int, int) {
	if len(coords) == 0 {
		return 0, 0
	}
	ascending := coords[0] <= coords[len(coords)-1]

	if ascending {
		lo := sort.Search(len(coords), func(i int) bool { return coords[i] >= min })
		hi := sort.Search(len(coords), func(i int) bool { return coords[i] > max })
		return lo, hi
	}

	lo := sort.Search(len(coords), func(i int) bool { return coords[i] <= max })
	hi := sort.Search(len(coords), func(i int) bool { return coords[i] < min })
	return lo, hi
}
