package catalog

import (
	"strings"

	virtualzarr "github.com/earthdatalab/virtualzarr"
)

// Record is one structured catalog entry: a temporal granule of a dataset
// with its transport links.
type Record struct {
	ID        string
	Title     string
	Interval  virtualzarr.TimeInterval
	Links     map[virtualzarr.Format]string
	Variables []string
}

// QueryPage is one page of a paginated catalog query. Total is the
// catalog-reported total match count, or -1 when the catalog does not
// report one.
type QueryPage struct {
	Total   int
	Records []Record
}

// Detail is the catalog's dataset-level description. Catalogs never expose
// per-variable binary layout; that comes from the sample probe.
type Detail struct {
	ID            string
	Title         string
	Dimensions    []virtualzarr.DimensionMeta
	VariableNames []string
	Coverage      virtualzarr.TimeInterval
	Period        string
	BBox          virtualzarr.BBox
	CRS           string
	TimeDimension string
	TimeChunk     int

	// SampleLink points at one representative binary payload. Empty means
	// the client derives the probe URL from the dataset id.
	SampleLink string
}

// Sample carries the per-variable layout learned from one representative
// binary payload.
type Sample struct {
	Variables []virtualzarr.VariableMeta
}

// Decoder parses catalog response bodies and the sample payload into
// structured types. Wire formats are a collaborator's concern; the client
// owns only request construction and caching.
type Decoder interface {
	DecodeQueryPage(data []byte) (*QueryPage, error)
	DecodeDetail(data []byte) (*Detail, error)
	DecodeSample(data []byte) (*Sample, error)
}

// Filters narrow a dataset search. Provider and Collection match the
// leading segments of structured dataset identifiers
// ("PROVIDER/COLLECTION/...") and can be applied without a network call
// when a candidate list is already known.
type Filters struct {
	Provider   string
	Collection string
	Keyword    string
	Window     *virtualzarr.TimeInterval

	// Candidates restricts the search to known dataset ids.
	Candidates []string
}

// local reports whether the filters can be evaluated against the candidate
// list alone.
func (f Filters) local() bool {
	return len(f.Candidates) > 0 && f.Keyword == "" && f.Window == nil
}

// matchID applies the identifier-encoded filters to one dataset id.
func (f Filters) matchID(id string) bool {
	parts := strings.Split(id, "/")
	if f.Provider != "" && (len(parts) < 1 || !strings.EqualFold(parts[0], f.Provider)) {
		return false
	}
	if f.Collection != "" && (len(parts) < 2 || !strings.EqualFold(parts[1], f.Collection)) {
		return false
	}
	return true
}
