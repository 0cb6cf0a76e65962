// Package md5 provides the MD5 content hasher used for binary corruption checks.
package md5

import (
	"crypto/md5" //nolint:gosec // corruption detection, not security
	"encoding/hex"
	"fmt"
	"io"
)

// Hasher hashes payload bytes into lowercase hex MD5 digests.
type Hasher struct{}

// New returns an MD5 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := md5.Sum(data) //nolint:gosec // see package comment
	return hex.EncodeToString(sum[:]), nil
}

// HashReader streams r through MD5 and returns the digest with the byte count.
func (h *Hasher) HashReader(r io.Reader) (string, int64, error) {
	d := md5.New() //nolint:gosec // see package comment
	n, err := io.Copy(d, r)
	if err != nil {
		return "", n, fmt.Errorf("hash reader: %w", err)
	}
	return hex.EncodeToString(d.Sum(nil)), n, nil
}
