package virtualzarr

// Format identifies a transport format a chunk (or its catalog records)
// can be served in. Transports are tried in a fixed priority order; the
// format also keys the per-dataset time-range cache.
type Format string

const (
	// FormatRecords is bulk sequential binary records.
	FormatRecords Format = "records"
	// FormatImage is a single-image export per temporal unit.
	FormatImage Format = "image"
	// FormatBundle is a compressed multi-file bundle.
	FormatBundle Format = "bundle"
	// FormatTable is a tabular/shapefile export.
	FormatTable Format = "table"
)

// BBox is a geographic bounding box in coordinate units of the dataset's
// declared CRS.
type BBox struct {
	MinX float64
	MinY float64
	MaxX float64
	MaxY float64
}

// DimensionMeta describes one named axis of a dataset. Coordinates, when
// present, are the sorted axis values the metadata probe observed; spatial
// clipping binary-searches over them.
type DimensionMeta struct {
	Name        string
	Size        int
	Coordinates []float64
}

// VariableMeta describes one variable as learned from the catalog detail
// record plus a representative sample payload.
type VariableMeta struct {
	Name        string
	DType       DType
	Dimensions  []string
	Shape       []int
	NativeChunk []int
	FillValue   float64
	Attributes  map[string]any
}

// DatasetMetadata is everything the store needs to synthesize its static
// entries and plan chunk fetches. Fetched once per dataset id and cached
// for the process lifetime, never invalidated.
type DatasetMetadata struct {
	ID         string
	Title      string
	Dimensions map[string]DimensionMeta
	Variables  map[string]VariableMeta
	Coverage   TimeInterval
	Period     Period
	BBox       BBox
	CRS        string

	// TimeChunk is the number of native temporal units forming one served
	// chunk along the time axis. Always at least 1.
	TimeChunk int

	// TimeDimension names the temporal axis shared by all variables.
	TimeDimension string
}

// Variable returns the metadata for a named variable.
func (m *DatasetMetadata) Variable(name string) (VariableMeta, bool) {
	v, ok := m.Variables[name]
	return v, ok
}

// TimeAxis returns the index of the time dimension within a variable's
// dimension list, or -1 if the variable has no temporal axis.
func (m *DatasetMetadata) TimeAxis(v VariableMeta) int {
	for i, d := range v.Dimensions {
		if d == m.TimeDimension {
			return i
		}
	}
	return -1
}
