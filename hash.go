// Package virtualzarr defines the shared types of the virtual chunked
// array store: dataset metadata, chunk keys, time intervals, periods and
// the error taxonomy used across the catalog, planner and store packages.
package virtualzarr

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// Hash is a BLAKE3 256-bit digest of a chunk payload. Repeated resolution
// of the same chunk key must produce the same digest.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for logging.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// IsZero returns true if the hash is all zeros (uninitialized).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// HashBytes computes the BLAKE3 hash of a byte slice.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}
