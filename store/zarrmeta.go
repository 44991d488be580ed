package store

import (
	"encoding/json"
	"math"

	virtualzarr "github.com/earthdatalab/virtualzarr"
)

// Store key names of the zarr v2 convention.
const (
	keyGroup        = ".zgroup"
	keyAttrs        = ".zattrs"
	keyArray        = ".zarray"
	keyConsolidated = ".zmetadata"

	zarrFormat         = 2
	consolidatedFormat = 1
)

// CompressorMeta identifies the primary compression codec of an array.
type CompressorMeta struct {
	ID    string `json:"id"`
	Level int    `json:"level,omitempty"`
}

// ArrayMeta is the ".zarray" metadata blob: everything a consumer needs to
// interpret the chunk blobs of one array.
type ArrayMeta struct {
	ZarrFormat         int             `json:"zarr_format"`
	Shape              []int           `json:"shape"`
	Chunks             []int           `json:"chunks"`
	Dtype              string          `json:"dtype"`
	Compressor         *CompressorMeta `json:"compressor"`
	FillValue          any             `json:"fill_value"`
	Order              string          `json:"order"`
	Filters            []any           `json:"filters"`
	DimensionSeparator string          `json:"dimension_separator,omitempty"`
}

// GroupMeta is the top-level ".zgroup" descriptor.
type GroupMeta struct {
	ZarrFormat int `json:"zarr_format"`
}

// ConsolidatedMeta is the ".zmetadata" blob aggregating every metadata key
// so consumers can open the store with a single read.
type ConsolidatedMeta struct {
	ConsolidatedFormat int                        `json:"zarr_consolidated_format"`
	Metadata           map[string]json.RawMessage `json:"metadata"`
}

// newArrayMeta builds the ".zarray" blob for a served array. NaN fill
// values encode as the string "NaN" per the storage convention.
func newArrayMeta(shape, chunks []int, dtype virtualzarr.DType, fill float64, comp *CompressorMeta) ArrayMeta {
	var fillValue any = fill
	if math.IsNaN(fill) {
		fillValue = "NaN"
	}
	return ArrayMeta{
		ZarrFormat: zarrFormat,
		Shape:      shape,
		Chunks:     chunks,
		Dtype:      string(dtype),
		Compressor: comp,
		FillValue:  fillValue,
		Order:      "C",
	}
}

func marshalMeta(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// All metadata types marshal by construction.
		panic(err)
	}
	return data
}
