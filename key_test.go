package virtualzarr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkKey_String(t *testing.T) {
	k := ChunkKey{Variable: "sst", Index: []int{3, 0, 12}}
	require.Equal(t, "sst/3.0.12", k.String())
}

func TestParseChunkKey(t *testing.T) {
	k, err := ParseChunkKey("sst/3.0.12")
	require.NoError(t, err)
	require.Equal(t, "sst", k.Variable)
	require.Equal(t, []int{3, 0, 12}, k.Index)
}

func TestParseChunkKey_RejectsMetadataKeys(t *testing.T) {
	for _, key := range []string{"sst/.zarray", "sst/.zattrs", ".zgroup"} {
		_, err := ParseChunkKey(key)
		require.Error(t, err, key)
	}
}

func TestParseChunkKey_RejectsMalformed(t *testing.T) {
	for _, key := range []string{"", "sst", "sst/", "sst/a.b", "sst/1.-2", "/0"} {
		_, err := ParseChunkKey(key)
		require.Error(t, err, key)
	}
}

func TestHashBytes_Deterministic(t *testing.T) {
	a := HashBytes([]byte("chunk payload"))
	b := HashBytes([]byte("chunk payload"))
	require.Equal(t, a, b)
	require.False(t, a.IsZero())
	require.Len(t, a.String(), HashSize*2)
}
