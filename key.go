package virtualzarr

import (
	"fmt"
	"strconv"
	"strings"
)

// ChunkKey addresses one chunk of one variable: the variable name plus the
// chunk index along each dimension. Its string form follows the zarr v2
// key convention "<var>/<i0>.<i1>...".
type ChunkKey struct {
	Variable string
	Index    []int
}

// String renders the key in the "<var>/<i0>.<i1>..." form.
func (k ChunkKey) String() string {
	parts := make([]string, len(k.Index))
	for i, v := range k.Index {
		parts[i] = strconv.Itoa(v)
	}
	return k.Variable + "/" + strings.Join(parts, ".")
}

// ParseChunkKey parses a "<var>/<i0>.<i1>..." key. Metadata keys such as
// "<var>/.zarray" are not chunk keys and fail to parse.
func ParseChunkKey(s string) (ChunkKey, error) {
	variable, rest, ok := strings.Cut(s, "/")
	if !ok || variable == "" || rest == "" {
		return ChunkKey{}, fmt.Errorf("malformed chunk key %q", s)
	}
	if strings.HasPrefix(rest, ".") {
		return ChunkKey{}, fmt.Errorf("metadata key %q is not a chunk key", s)
	}

	parts := strings.Split(rest, ".")
	idx := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return ChunkKey{}, fmt.Errorf("invalid chunk index %q in key %q", p, s)
		}
		idx[i] = v
	}
	return ChunkKey{Variable: variable, Index: idx}, nil
}
