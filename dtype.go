package virtualzarr

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DType is a zarr v2 data type string: a byte-order prefix ("<" little,
// ">" big, "|" not applicable) followed by a kind character and item size,
// e.g. "<f4", "<i2", "|u1".
type DType string

// Common dtypes served by scientific archives.
const (
	Float32 DType = "<f4"
	Float64 DType = "<f8"
	Int8    DType = "|i1"
	Int16   DType = "<i2"
	Int32   DType = "<i4"
	Int64   DType = "<i8"
	Uint8   DType = "|u1"
	Uint16  DType = "<u2"
	Uint32  DType = "<u4"
	Uint64  DType = "<u8"
)

// ItemSize returns the per-element byte width, or an error for dtypes the
// store cannot encode.
func (d DType) ItemSize() (int, error) {
	if len(d) != 3 {
		return 0, fmt.Errorf("unsupported dtype %q", string(d))
	}
	switch d[2] {
	case '1':
		return 1, nil
	case '2':
		return 2, nil
	case '4':
		return 4, nil
	case '8':
		return 8, nil
	}
	return 0, fmt.Errorf("unsupported dtype %q", string(d))
}

// PutScalar encodes a single value of the dtype into dst, which must be at
// least ItemSize bytes. Integer dtypes truncate toward zero; NaN fill
// values for integer dtypes encode as zero.
func (d DType) PutScalar(dst []byte, v float64) error {
	size, err := d.ItemSize()
	if err != nil {
		return err
	}
	if len(dst) < size {
		return fmt.Errorf("dtype %s needs %d bytes, have %d", string(d), size, len(dst))
	}

	if d[1] != 'f' && math.IsNaN(v) {
		v = 0
	}

	switch d {
	case Float32:
		binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(dst, math.Float64bits(v))
	case Int8:
		dst[0] = byte(int8(v))
	case Int16:
		binary.LittleEndian.PutUint16(dst, uint16(int16(v)))
	case Int32:
		binary.LittleEndian.PutUint32(dst, uint32(int32(v)))
	case Int64:
		binary.LittleEndian.PutUint64(dst, uint64(int64(v)))
	case Uint8:
		dst[0] = byte(uint8(v))
	case Uint16:
		binary.LittleEndian.PutUint16(dst, uint16(v))
	case Uint32:
		binary.LittleEndian.PutUint32(dst, uint32(v))
	case Uint64:
		binary.LittleEndian.PutUint64(dst, uint64(v))
	default:
		return fmt.Errorf("unsupported dtype %q", string(d))
	}
	return nil
}
