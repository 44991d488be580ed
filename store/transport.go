package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	virtualzarr "github.com/earthdatalab/virtualzarr"
	"github.com/earthdatalab/virtualzarr/fetch"
)

// DimRange is a half-open index range along one dimension, in the native
// index space of the remote archive (spatial clip offsets already
// applied). The temporal dimension's range is in grid positions of the
// store's time axis.
type DimRange struct {
	Name  string
	Start int
	Stop  int
}

// Extent returns the number of positions in the range.
func (r DimRange) Extent() int {
	return r.Stop - r.Start
}

// ChunkRequest is one remote request: a variable, the covered temporal
// sub-range of the chunk, and per-dimension index ranges for all other
// axes.
type ChunkRequest struct {
	Dataset  string
	Variable string
	DType    virtualzarr.DType

	// Interval is the covered temporal sub-range (already clipped to the
	// dataset's native coverage). Zero for variables without a time axis.
	Interval virtualzarr.TimeInterval

	// Units holds the granule interval of each covered temporal position,
	// in time order. Calendar cadences make these uneven, so transports
	// that export per temporal unit must iterate Units rather than divide
	// Interval. Empty for variables without a time axis.
	Units []virtualzarr.TimeInterval

	// Steps is the number of temporal positions the payload must hold, or
	// 1 for variables without a time axis.
	Steps int

	// Ranges holds one entry per variable dimension, in dimension order.
	Ranges []DimRange

	// TimeAxis is the index of the temporal entry in Ranges, or -1.
	TimeAxis int
}

// Region returns the expected payload extents in dimension order.
func (r *ChunkRequest) Region() []int {
	out := make([]int, len(r.Ranges))
	for i, dr := range r.Ranges {
		out[i] = dr.Extent()
	}
	if r.TimeAxis >= 0 {
		out[r.TimeAxis] = r.Steps
	}
	return out
}

// elements returns the expected payload element count.
func (r *ChunkRequest) elements() int {
	n := 1
	for _, e := range r.Region() {
		n *= e
	}
	return n
}

// ChunkDecoder parses one transport payload into raw C-order array bytes
// for the requested region. Wire formats are a collaborator's concern.
type ChunkDecoder interface {
	Decode(format virtualzarr.Format, payload []byte, req *ChunkRequest) ([]byte, error)
}

// Transport resolves a chunk request against one export surface of the
// archive. Transports are tried in a fixed priority order; the first one
// yielding data wins.
type Transport interface {
	Name() string
	Format() virtualzarr.Format
	Fetch(ctx context.Context, req *ChunkRequest) ([]byte, error)
}

// upstream is the shared base of the HTTP transports: URL construction
// against one archive endpoint, execution through the resilient fetcher,
// payload decoding via the injected decoder.
type upstream struct {
	baseURL string
	fetcher *fetch.Fetcher
	decoder ChunkDecoder
}

// DefaultTransports builds the transport fallback chain in priority order:
// bulk sequential records, single-image export, compressed multi-file
// bundle, tabular export.
func DefaultTransports(baseURL string, fetcher *fetch.Fetcher, decoder ChunkDecoder) []Transport {
	up := upstream{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		fetcher: fetcher,
		decoder: decoder,
	}
	return []Transport{
		&recordsTransport{upstream: up},
		&imageTransport{upstream: up},
		&bundleTransport{upstream: up},
		&tableTransport{upstream: up},
	}
}

func (u upstream) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return u.fetcher.Do(ctx, req)
}

// query renders the shared request parameters: variable, temporal bounds
// and per-dimension index ranges.
func (u upstream) query(req *ChunkRequest) url.Values {
	q := url.Values{}
	q.Set("variable", req.Variable)
	if req.TimeAxis >= 0 {
		q.Set("start", req.Interval.Start.UTC().Format(time.RFC3339))
		q.Set("end", req.Interval.End.UTC().Format(time.RFC3339))
	}
	for i, r := range req.Ranges {
		if i == req.TimeAxis {
			continue
		}
		q.Set(r.Name, fmt.Sprintf("%d:%d", r.Start, r.Stop))
	}
	return q
}

// checkSize validates a decoded payload against the expected region.
func checkSize(data []byte, req *ChunkRequest) ([]byte, error) {
	itemSize, err := req.DType.ItemSize()
	if err != nil {
		return nil, err
	}
	want := req.elements() * itemSize
	if len(data) != want {
		return nil, fmt.Errorf("payload is %d bytes, region %v of %s needs %d", len(data), req.Region(), req.DType, want)
	}
	return data, nil
}

// recordsTransport reads bulk sequential binary records.
type recordsTransport struct {
	upstream
}

func (t *recordsTransport) Name() string               { return "records" }
func (t *recordsTransport) Format() virtualzarr.Format { return virtualzarr.FormatRecords }

func (t *recordsTransport) Fetch(ctx context.Context, req *ChunkRequest) ([]byte, error) {
	u := fmt.Sprintf("%s/datasets/%s/records?%s", t.baseURL, url.PathEscape(req.Dataset), t.query(req).Encode())
	payload, err := t.get(ctx, u)
	if err != nil {
		return nil, err
	}
	data, err := t.decoder.Decode(virtualzarr.FormatRecords, payload, req)
	if err != nil {
		return nil, fmt.Errorf("decoding records payload: %w", err)
	}
	return checkSize(data, req)
}

// imageTransport exports one image per temporal unit and concatenates the
// decoded planes in time order.
type imageTransport struct {
	upstream
}

func (t *imageTransport) Name() string               { return "image" }
func (t *imageTransport) Format() virtualzarr.Format { return virtualzarr.FormatImage }

func (t *imageTransport) Fetch(ctx context.Context, req *ChunkRequest) ([]byte, error) {
	if req.TimeAxis < 0 {
		return t.fetchOne(ctx, req, req.Interval)
	}

	// One export per temporal unit; planes concatenate in C-order because
	// the time axis is the leading varying axis of the region. Units carry
	// the actual granule boundaries, which calendar cadences make uneven.
	var out []byte
	for _, unit := range req.Units {
		plane, err := t.fetchOne(ctx, req, unit)
		if err != nil {
			return nil, err
		}
		out = append(out, plane...)
	}
	return checkSize(out, req)
}

func (t *imageTransport) fetchOne(ctx context.Context, req *ChunkRequest, unit virtualzarr.TimeInterval) ([]byte, error) {
	q := t.query(req)
	q.Set("start", unit.Start.UTC().Format(time.RFC3339))
	q.Set("end", unit.End.UTC().Format(time.RFC3339))
	u := fmt.Sprintf("%s/datasets/%s/export/image?%s", t.baseURL, url.PathEscape(req.Dataset), q.Encode())
	payload, err := t.get(ctx, u)
	if err != nil {
		return nil, err
	}
	plane, err := t.decoder.Decode(virtualzarr.FormatImage, payload, req)
	if err != nil {
		return nil, fmt.Errorf("decoding image payload: %w", err)
	}
	return plane, nil
}

// bundleTransport downloads a compressed multi-file bundle, unpacks it and
// concatenates the decoded members in name order.
type bundleTransport struct {
	upstream
}

func (t *bundleTransport) Name() string               { return "bundle" }
func (t *bundleTransport) Format() virtualzarr.Format { return virtualzarr.FormatBundle }

func (t *bundleTransport) Fetch(ctx context.Context, req *ChunkRequest) ([]byte, error) {
	u := fmt.Sprintf("%s/datasets/%s/export/bundle?%s", t.baseURL, url.PathEscape(req.Dataset), t.query(req).Encode())
	payload, err := t.get(ctx, u)
	if err != nil {
		return nil, err
	}

	members, err := unpackBundle(payload)
	if err != nil {
		return nil, err
	}

	var out []byte
	for _, m := range members {
		data, err := t.decoder.Decode(virtualzarr.FormatBundle, m, req)
		if err != nil {
			return nil, fmt.Errorf("decoding bundle member: %w", err)
		}
		out = append(out, data...)
	}
	return checkSize(out, req)
}

// unpackBundle expands a zip archive into its member payloads in name
// order, transparently gunzipping members that are themselves compressed.
func unpackBundle(payload []byte) ([][]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("opening bundle: %w", err)
	}

	files := make([]*zip.File, len(zr.File))
	copy(files, zr.File)
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	var out [][]byte
	for _, f := range files {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening bundle member %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("reading bundle member %s: %w", f.Name, err)
		}

		if strings.HasSuffix(f.Name, ".gz") {
			gz, err := gzip.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("gunzipping bundle member %s: %w", f.Name, err)
			}
			data, err = io.ReadAll(gz)
			_ = gz.Close()
			if err != nil {
				return nil, fmt.Errorf("gunzipping bundle member %s: %w", f.Name, err)
			}
		}
		out = append(out, data)
	}
	return out, nil
}

// tableTransport reads a tabular export, the lowest-priority fallback.
type tableTransport struct {
	upstream
}

func (t *tableTransport) Name() string               { return "table" }
func (t *tableTransport) Format() virtualzarr.Format { return virtualzarr.FormatTable }

func (t *tableTransport) Fetch(ctx context.Context, req *ChunkRequest) ([]byte, error) {
	u := fmt.Sprintf("%s/datasets/%s/export/table?%s", t.baseURL, url.PathEscape(req.Dataset), t.query(req).Encode())
	payload, err := t.get(ctx, u)
	if err != nil {
		return nil, err
	}
	data, err := t.decoder.Decode(virtualzarr.FormatTable, payload, req)
	if err != nil {
		return nil, fmt.Errorf("decoding table payload: %w", err)
	}
	return checkSize(data, req)
}
