package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/klauspost/compress/zlib"

	virtualzarr "github.com/earthdatalab/virtualzarr"
)

// defaultCompressor is the codec applied to every served chunk. A fixed
// codec and level keep repeated reads of a chunk byte-identical.
var defaultCompressor = &CompressorMeta{ID: "zlib", Level: zlib.DefaultCompression}

// compress encodes raw chunk bytes per the compressor metadata. A nil
// compressor passes bytes through.
func compress(raw []byte, comp *CompressorMeta) ([]byte, error) {
	if comp == nil {
		return raw, nil
	}
	if comp.ID != "zlib" {
		return nil, fmt.Errorf("unsupported compressor %q", comp.ID)
	}

	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, comp.Level)
	if err != nil {
		return nil, fmt.Errorf("creating zlib writer: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("compressing chunk: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("flushing zlib writer: %w", err)
	}
	return buf.Bytes(), nil
}

// encodeFloat64s renders coordinate values as little-endian float64 bytes,
// the on-wire form of a "<f8" array.
func encodeFloat64s(values []float64) []byte {
	out := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}

// fillBuffer allocates a chunk buffer of n elements pre-filled with the
// encoded fill value.
func fillBuffer(n int, dtype virtualzarr.DType, fill float64) ([]byte, error) {
	size, err := dtype.ItemSize()
	if err != nil {
		return nil, err
	}
	one := make([]byte, size)
	if err := dtype.PutScalar(one, fill); err != nil {
		return nil, err
	}
	buf := make([]byte, n*size)
	for off := 0; off < len(buf); off += size {
		copy(buf[off:], one)
	}
	return buf, nil
}

// copyRegion copies a C-order source region into a C-order destination
// buffer at the given per-dimension offsets. Shapes are in elements; the
// innermost dimension is copied as one contiguous run per row.
func copyRegion(dst []byte, dstShape []int, src []byte, srcShape, dstOffset []int, itemSize int) error {
	if len(dstShape) != len(srcShape) || len(srcShape) != len(dstOffset) {
		return fmt.Errorf("rank mismatch copying region")
	}
	for d := range srcShape {
		if dstOffset[d]+srcShape[d] > dstShape[d] {
			return fmt.Errorf("region %v at offset %v exceeds destination %v", srcShape, dstOffset, dstShape)
		}
	}

	rank := len(srcShape)
	if rank == 0 {
		copy(dst, src[:itemSize])
		return nil
	}

	dstStride := make([]int, rank)
	srcStride := make([]int, rank)
	dstStride[rank-1] = itemSize
	srcStride[rank-1] = itemSize
	for d := rank - 2; d >= 0; d-- {
		dstStride[d] = dstStride[d+1] * dstShape[d+1]
		srcStride[d] = srcStride[d+1] * srcShape[d+1]
	}

	row := srcShape[rank-1] * itemSize
	coord := make([]int, rank-1)
	for {
		srcOff, dstOff := 0, dstOffset[rank-1]*itemSize
		for d := 0; d < rank-1; d++ {
			srcOff += coord[d] * srcStride[d]
			dstOff += (dstOffset[d] + coord[d]) * dstStride[d]
		}
		copy(dst[dstOff:dstOff+row], src[srcOff:srcOff+row])

		// Odometer over the outer dimensions.
		d := rank - 2
		for ; d >= 0; d-- {
			coord[d]++
			if coord[d] < srcShape[d] {
				break
			}
			coord[d] = 0
		}
		if d < 0 {
			return nil
		}
	}
}
