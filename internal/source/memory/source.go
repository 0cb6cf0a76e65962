// Package memory provides an in-process bookmark source for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/bookmark-mirror/internal/source"
)

// Source serves a fixed newest-first bookmark list.
type Source struct {
	// BinaryBase prefixes synthesized binary URLs.
	BinaryBase string

	mu        sync.Mutex
	bookmarks []source.Bookmark
	works     map[string]source.Work
	pageErr   error
	pageCalls int
	workCalls int
}

// New returns a source listing bookmarks in the given (newest first) order.
func New(bookmarks ...source.Bookmark) *Source {
	return &Source{
		BinaryBase: "https://i.example.test",
		bookmarks:  bookmarks,
		works:      make(map[string]source.Work),
	}
}

// Sequential builds n bookmarks p1..pn where pn is the newest, returned
// newest first the way the remote lists them.
func Sequential(n int) []source.Bookmark {
	out := make([]source.Bookmark, 0, n)
	for i := n; i >= 1; i-- {
		out = append(out, source.Bookmark{
			PID:        "p" + strconv.Itoa(i),
			Order:      int64(i),
			Title:      "work " + strconv.Itoa(i),
			AuthorID:   "a" + strconv.Itoa(i%3),
			AuthorName: "author " + strconv.Itoa(i%3),
			Tags:       []string{"tag" + strconv.Itoa(i%2)},
		})
	}
	return out
}

// SetWork overrides the synthesized details for a PID.
func (s *Source) SetWork(w source.Work) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.works[w.Bookmark.PID] = w
}

// Prepend adds bookmarks at the newest end, as a user liking new works would.
func (s *Source) Prepend(bookmarks ...source.Bookmark) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookmarks = append(append([]source.Bookmark(nil), bookmarks...), s.bookmarks...)
}

// FailPages makes every later Page call return err.
func (s *Source) FailPages(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageErr = err
}

// PageCalls reports how many pages were listed.
func (s *Source) PageCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pageCalls
}

// WorkCalls reports how many works were loaded.
func (s *Source) WorkCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workCalls
}

// Page implements source.Source.
func (s *Source) Page(ctx context.Context, offset, limit int) (source.Page, error) {
	if err := ctx.Err(); err != nil {
		return source.Page{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageCalls++
	if s.pageErr != nil {
		return source.Page{}, s.pageErr
	}
	total := len(s.bookmarks)
	if offset > total {
		offset = total
	}
	end := min(offset+limit, total)
	return source.Page{
		Total:     total,
		Bookmarks: append([]source.Bookmark(nil), s.bookmarks[offset:end]...),
	}, nil
}

// Work implements source.Source.
func (s *Source) Work(ctx context.Context, b source.Bookmark) (source.Work, error) {
	if err := ctx.Err(); err != nil {
		return source.Work{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workCalls++
	if w, ok := s.works[b.PID]; ok {
		return w, nil
	}
	name := b.PID + "_p0.png"
	return source.Work{
		Bookmark:   b,
		Title:      b.Title,
		Kind:       "illust",
		AuthorID:   b.AuthorID,
		AuthorName: b.AuthorName,
		Tags:       b.Tags,
		CreatedAt:  time.Unix(1_600_000_000+b.Order, 0).UTC(),
		Binaries: []source.BinarySource{{
			URL:  fmt.Sprintf("%s/%s", s.BinaryBase, name),
			Name: name,
			MIME: "image/png",
		}},
	}, nil
}
