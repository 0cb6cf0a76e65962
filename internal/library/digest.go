package library

import (
	"fmt"

	"github.com/JakeFAU/bookmark-mirror/internal/hash/blake3"
)

// Digest is a cheap, human-checkable snapshot of a Library used to detect
// drift or corruption between two points in time or two backends.
type Digest struct {
	Backend  string `json:"backend"`
	Items    int64  `json:"items"`
	Binaries int64  `json:"binaries"`
	Authors  int64  `json:"authors"`
	Tags     int64  `json:"tags"`
	Trash    int64  `json:"trash"`
	Bytes    int64  `json:"bytes"`
	Checksum string `json:"checksum"`
}

// String renders the digest on one line.
func (d Digest) String() string {
	sum := d.Checksum
	if len(sum) > 16 {
		sum = sum[:16]
	}
	if sum == "" {
		sum = "-"
	}
	return fmt.Sprintf("%s: %d items, %d binaries (%d bytes), %d authors, %d tags, %d trashed, checksum %s",
		d.Backend, d.Items, d.Binaries, d.Bytes, d.Authors, d.Tags, d.Trash, sum)
}

// Compare lists the fields where other differs from d. The backend name and
// the trash count are ignored so digests of migrated libraries compare equal.
func (d Digest) Compare(other Digest) []string {
	var out []string
	check := func(field string, a, b int64) {
		if a != b {
			out = append(out, fmt.Sprintf("%s: %d != %d", field, a, b))
		}
	}
	check("items", d.Items, other.Items)
	check("binaries", d.Binaries, other.Binaries)
	check("authors", d.Authors, other.Authors)
	check("tags", d.Tags, other.Tags)
	check("bytes", d.Bytes, other.Bytes)
	if d.Checksum != other.Checksum {
		out = append(out, fmt.Sprintf("checksum: %s != %s", d.Checksum, other.Checksum))
	}
	return out
}

// DigestBuilder accumulates a Digest while a driver scans its items.
type DigestBuilder struct {
	digest Digest
	fold   blake3.Fold
}

// NewDigestBuilder starts a digest for the named backend.
func NewDigestBuilder(backend string) *DigestBuilder {
	return &DigestBuilder{digest: Digest{Backend: backend}}
}

// AddItem counts an item and folds its PID into the checksum.
func (b *DigestBuilder) AddItem(pid string) {
	b.digest.Items++
	b.fold.Add(pid)
}

// AddBinaries counts n binaries totalling size bytes.
func (b *DigestBuilder) AddBinaries(n, size int64) {
	b.digest.Binaries += n
	b.digest.Bytes += size
}

// SetCounts records collection sizes the driver can count directly.
func (b *DigestBuilder) SetCounts(authors, tags, trash int64) {
	b.digest.Authors = authors
	b.digest.Tags = tags
	b.digest.Trash = trash
}

// Digest returns the accumulated digest.
func (b *DigestBuilder) Digest() Digest {
	d := b.digest
	d.Checksum = b.fold.Sum()
	return d
}
