// Package blake3 provides BLAKE3 hashing and an order-independent set fold
// used by library digests.
package blake3

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Hasher implements hex BLAKE3-256 hashing.
type Hasher struct{}

// New returns a BLAKE3 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Fold accumulates a checksum over a set of strings. The result does not
// depend on insertion order, so two stores holding the same identifiers agree
// regardless of how they iterate.
type Fold struct {
	acc [32]byte
	n   int64
}

// Add mixes one member into the fold.
func (f *Fold) Add(member string) {
	sum := blake3.Sum256([]byte(member))
	for i := range f.acc {
		f.acc[i] ^= sum[i]
	}
	f.n++
}

// Len returns how many members were added.
func (f *Fold) Len() int64 {
	return f.n
}

// Sum returns the hex checksum. An empty fold yields an empty string.
func (f *Fold) Sum() string {
	if f.n == 0 {
		return ""
	}
	return hex.EncodeToString(f.acc[:])
}
