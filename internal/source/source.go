// Package source models the remote bookmark sequence: a paged listing
// ordered newest first, and per-work details naming the binaries to mirror.
package source

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var (
	// ErrModified is returned when the remote total changes mid-run.
	ErrModified = errors.New("source: bookmarks changed during run")
	// ErrOutOfRange is returned for positions beyond the sequence.
	ErrOutOfRange = errors.New("source: position out of range")
)

// DeletedTitle is how the remote lists a bookmark whose work was removed.
const DeletedTitle = "-----"

// Bookmark is one entry of the remote listing.
type Bookmark struct {
	PID        string
	Order      int64
	Title      string
	AuthorID   string
	AuthorName string
	Tags       []string
	Private    bool
	Deleted    bool
}

// Page is one slice of the listing.
type Page struct {
	Total     int
	Bookmarks []Bookmark
}

// Work holds the details needed to build a library document.
type Work struct {
	Bookmark      Bookmark
	Title         string
	Description   string
	Kind          string
	AuthorID      string
	AuthorName    string
	AuthorAccount string
	Tags          []string
	CreatedAt     time.Time
	Metadata      map[string]string
	Binaries      []BinarySource
}

// BinarySource names one payload to download.
type BinarySource struct {
	URL  string
	Name string
	MIME string
	Page int
	// Headers are sent with the download, e.g. the Referer image hosts require.
	Headers http.Header
}

// Source is the remote the mirror reads from.
type Source interface {
	// Page lists limit bookmarks starting at offset in the remote order.
	Page(ctx context.Context, offset, limit int) (Page, error)
	// Work loads details for a bookmark.
	Work(ctx context.Context, b Bookmark) (Work, error)
}
