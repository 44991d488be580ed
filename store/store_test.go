package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/require"

	virtualzarr "github.com/earthdatalab/virtualzarr"
	"github.com/earthdatalab/virtualzarr/catalog"
)

// jsonDecoder round-trips the catalog types as plain JSON.
type jsonDecoder struct{}

func (jsonDecoder) DecodeQueryPage(data []byte) (*catalog.QueryPage, error) {
	var p catalog.QueryPage
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (jsonDecoder) DecodeDetail(data []byte) (*catalog.Detail, error) {
	var d catalog.Detail
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (jsonDecoder) DecodeSample(data []byte) (*catalog.Sample, error) {
	var s catalog.Sample
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// fakeTransport serves float32 payloads whose values count up from zero in
// C-order, so assembled chunks are predictable byte-for-byte.
type fakeTransport struct {
	name string
	err  error

	mu   sync.Mutex
	reqs []*ChunkRequest
}

func (t *fakeTransport) Name() string               { return t.name }
func (t *fakeTransport) Format() virtualzarr.Format { return virtualzarr.FormatRecords }

func (t *fakeTransport) Fetch(ctx context.Context, req *ChunkRequest) ([]byte, error) {
	t.mu.Lock()
	t.reqs = append(t.reqs, req)
	t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}

	n := req.elements()
	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(float32(i)))
	}
	return out, nil
}

func (t *fakeTransport) requests() []*ChunkRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*ChunkRequest(nil), t.reqs...)
}

func sstDetail(coverageStart time.Time) *catalog.Detail {
	return &catalog.Detail{
		ID:    "NOAA/CDR/SST",
		Title: "Sea surface temperature",
		Dimensions: []virtualzarr.DimensionMeta{
			{Name: "time", Size: 12},
			{Name: "lat", Size: 6, Coordinates: []float64{50, 40, 30, 20, 10, 0}},
			{Name: "lon", Size: 8, Coordinates: []float64{0, 1, 2, 3, 4, 5, 6, 7}},
		},
		VariableNames: []string{"sst"},
		Coverage:      virtualzarr.Interval(coverageStart, coverageStart.AddDate(1, 0, 0)),
		Period:        "P1M",
		TimeDimension: "time",
		TimeChunk:     4,
	}
}

func sstSample() *catalog.Sample {
	return &catalog.Sample{
		Variables: []virtualzarr.VariableMeta{{
			Name:        "sst",
			DType:       virtualzarr.Float32,
			Dimensions:  []string{"time", "lat", "lon"},
			Shape:       []int{12, 6, 8},
			NativeChunk: []int{1, 6, 8},
			FillValue:   -5,
		}},
	}
}

func testCatalog(t *testing.T, detail *catalog.Detail, sample *catalog.Sample) *catalog.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		var v any = detail
		if r.URL.Path[len(r.URL.Path)-7:] == "/sample" {
			v = sample
		}
		_ = json.NewEncoder(w).Encode(v)
	}))
	t.Cleanup(srv.Close)
	return catalog.New(srv.URL, jsonDecoder{})
}

func openTestStore(t *testing.T, detail *catalog.Detail, opts ...Option) (*Store, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{name: "fake"}
	cat := testCatalog(t, detail, sstSample())
	s, err := Open(context.Background(), cat, detail.ID, append([]Option{WithTransports(ft)}, opts...)...)
	require.NoError(t, err)
	return s, ft
}

func inflate(t *testing.T, data []byte) []byte {
	t.Helper()
	r, err := zlib.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return out
}

func float32At(data []byte, i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
}

var jan2000 = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

func TestOpen_MaterializesStaticEntries(t *testing.T) {
	s, _ := openTestStore(t, sstDetail(jan2000))

	data, err := s.Get(context.Background(), ".zgroup")
	require.NoError(t, err)
	require.JSONEq(t, `{"zarr_format": 2}`, string(data))

	data, err = s.Get(context.Background(), "sst/.zarray")
	require.NoError(t, err)
	var am ArrayMeta
	require.NoError(t, json.Unmarshal(data, &am))
	require.Equal(t, []int{12, 6, 8}, am.Shape)
	require.Equal(t, []int{4, 6, 8}, am.Chunks)
	require.Equal(t, "<f4", am.Dtype)
	require.Equal(t, "zlib", am.Compressor.ID)
	require.Equal(t, float64(-5), am.FillValue)
	require.Equal(t, "C", am.Order)

	data, err = s.Get(context.Background(), "sst/.zattrs")
	require.NoError(t, err)
	var attrs map[string]any
	require.NoError(t, json.Unmarshal(data, &attrs))
	require.Equal(t, []any{"time", "lat", "lon"}, attrs["_ARRAY_DIMENSIONS"])

	data, err = s.Get(context.Background(), ".zmetadata")
	require.NoError(t, err)
	var cm ConsolidatedMeta
	require.NoError(t, json.Unmarshal(data, &cm))
	require.Equal(t, 1, cm.ConsolidatedFormat)
	require.Contains(t, cm.Metadata, ".zgroup")
	require.Contains(t, cm.Metadata, "sst/.zarray")
	require.Contains(t, cm.Metadata, "time/.zattrs")
}

func TestOpen_MaterializesTimeCoordinates(t *testing.T) {
	s, _ := openTestStore(t, sstDetail(jan2000))

	data, err := s.Get(context.Background(), "time/0")
	require.NoError(t, err)
	raw := inflate(t, data)
	require.Len(t, raw, 12*8)

	for i := 0; i < 12; i++ {
		want := float64(jan2000.AddDate(0, i, 0).Unix())
		got := math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		require.Equal(t, want, got, "month %d", i)
	}

	data, err = s.Get(context.Background(), "time/.zattrs")
	require.NoError(t, err)
	var attrs map[string]any
	require.NoError(t, json.Unmarshal(data, &attrs))
	require.Equal(t, "seconds since 1970-01-01T00:00:00Z", attrs["units"])
}

func TestGet_ResolvesChunkOnDemand(t *testing.T) {
	s, ft := openTestStore(t, sstDetail(jan2000))

	data, err := s.Get(context.Background(), "sst/0.0.0")
	require.NoError(t, err)
	raw := inflate(t, data)
	require.Len(t, raw, 4*6*8*4)
	for i := 0; i < 4*6*8; i++ {
		require.Equal(t, float32(i), float32At(raw, i))
	}

	reqs := ft.requests()
	require.Len(t, reqs, 1)
	require.Equal(t, 4, reqs[0].Steps)
	require.Equal(t, virtualzarr.Interval(jan2000, jan2000.AddDate(0, 4, 0)), reqs[0].Interval)
	require.Len(t, reqs[0].Units, 4)
	require.Equal(t, virtualzarr.Interval(jan2000.AddDate(0, 1, 0), jan2000.AddDate(0, 2, 0)), reqs[0].Units[1], "units follow the monthly grid, not equal divisions")
	require.Equal(t, DimRange{Name: "lat", Start: 0, Stop: 6}, reqs[0].Ranges[1])
	require.Equal(t, DimRange{Name: "lon", Start: 0, Stop: 8}, reqs[0].Ranges[2])
}

func TestGet_RepeatedReadsAreByteIdentical(t *testing.T) {
	s, _ := openTestStore(t, sstDetail(jan2000))

	first, err := s.Get(context.Background(), "sst/1.0.0")
	require.NoError(t, err)
	second, err := s.Get(context.Background(), "sst/1.0.0")
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, virtualzarr.HashBytes(first), virtualzarr.HashBytes(second))
}

func TestGet_BackfillsPositionsOutsideCoverage(t *testing.T) {
	// Coverage starts in March, mid-way through an epoch-anchored 4-month
	// chunk. The grid grows two synthetic leading months whose positions
	// read back as fill values.
	mar2000 := time.Date(2000, time.March, 1, 0, 0, 0, 0, time.UTC)
	s, ft := openTestStore(t, sstDetail(mar2000))

	data, err := s.Get(context.Background(), "time/0")
	require.NoError(t, err)
	raw := inflate(t, data)
	require.Len(t, raw, 16*8, "12 covered months pad to four whole chunks")
	first := math.Float64frombits(binary.LittleEndian.Uint64(raw))
	require.Equal(t, float64(jan2000.Unix()), first, "grid anchors at the chunk boundary before coverage")

	data, err = s.Get(context.Background(), "sst/0.0.0")
	require.NoError(t, err)
	chunk := inflate(t, data)
	require.Len(t, chunk, 4*6*8*4)

	plane := 6 * 8
	for i := 0; i < 2*plane; i++ {
		require.Equal(t, float32(-5), float32At(chunk, i), "position %d precedes coverage", i)
	}
	for i := 2 * plane; i < 4*plane; i++ {
		require.Equal(t, float32(i-2*plane), float32At(chunk, i))
	}

	reqs := ft.requests()
	require.Len(t, reqs, 1)
	require.Equal(t, 2, reqs[0].Steps, "only covered months are requested")
	require.Equal(t, mar2000, reqs[0].Interval.Start)
	require.Len(t, reqs[0].Units, 2)
	require.Equal(t, mar2000, reqs[0].Units[0].Start)
}

func TestGet_TransportFallback(t *testing.T) {
	broken := &fakeTransport{name: "records", err: errors.New("export refused")}
	working := &fakeTransport{name: "image"}
	cat := testCatalog(t, sstDetail(jan2000), sstSample())
	s, err := Open(context.Background(), cat, "NOAA/CDR/SST", WithTransports(broken, working))
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "sst/0.0.0")
	require.NoError(t, err)
	require.Len(t, broken.requests(), 1)
	require.Len(t, working.requests(), 1)
}

func TestGet_AllTransportsFail(t *testing.T) {
	cat := testCatalog(t, sstDetail(jan2000), sstSample())
	s, err := Open(context.Background(), cat, "NOAA/CDR/SST",
		WithTransports(&fakeTransport{name: "records", err: errors.New("export refused")}))
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "sst/0.0.0")
	require.ErrorIs(t, err, virtualzarr.ErrChunkUnresolvable)
	require.Contains(t, err.Error(), "export refused")
}

func TestGet_UnknownKey(t *testing.T) {
	s, ft := openTestStore(t, sstDetail(jan2000))

	_, err := s.Get(context.Background(), "nope/0.0.0")
	require.ErrorIs(t, err, virtualzarr.ErrNotFound)

	_, err = s.Get(context.Background(), "sst/9.0.0")
	require.ErrorIs(t, err, virtualzarr.ErrNotFound)

	_, err = s.Get(context.Background(), "sst/0.0")
	require.ErrorIs(t, err, virtualzarr.ErrNotFound)

	require.Empty(t, ft.requests())
}

func TestHas_NeverResolvesChunks(t *testing.T) {
	s, ft := openTestStore(t, sstDetail(jan2000))

	ok, err := s.Has(context.Background(), "sst/.zarray")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Has(context.Background(), "sst/2.0.0")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Has(context.Background(), "sst/3.0.0")
	require.NoError(t, err)
	require.False(t, ok)

	require.Empty(t, ft.requests())
}

func TestKeys_EnumeratesWithoutFetching(t *testing.T) {
	s, ft := openTestStore(t, sstDetail(jan2000))

	keys, err := s.Keys(context.Background())
	require.NoError(t, err)
	require.Contains(t, keys, ".zgroup")
	require.Contains(t, keys, ".zmetadata")
	require.Contains(t, keys, "sst/.zarray")
	require.Contains(t, keys, "sst/0.0.0")
	require.Contains(t, keys, "sst/1.0.0")
	require.Contains(t, keys, "sst/2.0.0")
	require.NotContains(t, keys, "sst/3.0.0")
	require.IsIncreasing(t, keys)
	require.Empty(t, ft.requests())
}

func TestStoreIsReadOnly(t *testing.T) {
	s, _ := openTestStore(t, sstDetail(jan2000))

	err := s.Put(context.Background(), "sst/0.0.0", []byte("x"))
	require.ErrorIs(t, err, virtualzarr.ErrReadOnly)

	err = s.Delete(context.Background(), "sst/.zarray")
	require.ErrorIs(t, err, virtualzarr.ErrReadOnly)
}

func TestOpen_ClipsToBoundingBox(t *testing.T) {
	s, ft := openTestStore(t, sstDetail(jan2000),
		WithBBox(virtualzarr.BBox{MinX: 2, MaxX: 5, MinY: 15, MaxY: 45}))

	data, err := s.Get(context.Background(), "sst/.zarray")
	require.NoError(t, err)
	var am ArrayMeta
	require.NoError(t, json.Unmarshal(data, &am))
	require.Equal(t, []int{12, 3, 4}, am.Shape)

	data, err = s.Get(context.Background(), "lat/0")
	require.NoError(t, err)
	raw := inflate(t, data)
	require.Len(t, raw, 3*8)
	require.Equal(t, float64(40), math.Float64frombits(binary.LittleEndian.Uint64(raw)))

	_, err = s.Get(context.Background(), "sst/0.0.0")
	require.NoError(t, err)
	reqs := ft.requests()
	require.Len(t, reqs, 1)
	require.Equal(t, DimRange{Name: "lat", Start: 1, Stop: 4}, reqs[0].Ranges[1], "clipped ranges address native indices")
	require.Equal(t, DimRange{Name: "lon", Start: 2, Stop: 6}, reqs[0].Ranges[2])
}

func TestOpen_WindowRestrictsTimeAxis(t *testing.T) {
	// May through August is one whole epoch-anchored chunk.
	window := virtualzarr.Interval(jan2000.AddDate(0, 4, 0), jan2000.AddDate(0, 8, 0))
	s, ft := openTestStore(t, sstDetail(jan2000), WithWindow(window))

	data, err := s.Get(context.Background(), "sst/.zarray")
	require.NoError(t, err)
	var am ArrayMeta
	require.NoError(t, json.Unmarshal(data, &am))
	require.Equal(t, []int{4, 6, 8}, am.Shape)

	_, err = s.Get(context.Background(), "sst/0.0.0")
	require.NoError(t, err)
	reqs := ft.requests()
	require.Len(t, reqs, 1)
	require.Equal(t, window, reqs[0].Interval)
}

func TestOpen_IncompleteMetadataFailsFast(t *testing.T) {
	detail := sstDetail(jan2000)
	detail.VariableNames = []string{"sst", "anomaly"}
	cat := testCatalog(t, detail, sstSample())

	_, err := Open(context.Background(), cat, detail.ID, WithTransports(&fakeTransport{name: "fake"}))
	require.ErrorIs(t, err, virtualzarr.ErrMetadataIncomplete)
}

func TestOpen_RequiresTransports(t *testing.T) {
	cat := testCatalog(t, sstDetail(jan2000), sstSample())
	_, err := Open(context.Background(), cat, "NOAA/CDR/SST")
	require.Error(t, err)
}
