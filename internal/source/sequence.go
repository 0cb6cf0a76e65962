package source

import (
	"context"
	"fmt"
	"sync"
)

// Sequence gives random access to the remote listing, fetching one page per
// block and caching it. The total is pinned by the first page; any later page
// reporting a different total fails with ErrModified.
type Sequence struct {
	src      Source
	pageSize int

	mu     sync.Mutex
	total  int
	known  bool
	blocks map[int][]Bookmark
}

// NewSequence wraps src. pageSize defaults to 48.
func NewSequence(src Source, pageSize int) *Sequence {
	if pageSize <= 0 {
		pageSize = 48
	}
	return &Sequence{
		src:      src,
		pageSize: pageSize,
		blocks:   make(map[int][]Bookmark),
	}
}

// Len returns the remote total, fetching the first page if needed.
func (s *Sequence) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.known {
		return s.total, nil
	}
	if _, err := s.block(ctx, 0); err != nil {
		return 0, err
	}
	return s.total, nil
}

// At returns the bookmark at position i in remote order.
func (s *Sequence) At(ctx context.Context, i int) (Bookmark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || (s.known && i >= s.total) {
		return Bookmark{}, fmt.Errorf("%w: %d", ErrOutOfRange, i)
	}
	idx := i / s.pageSize
	items, err := s.block(ctx, idx)
	if err != nil {
		return Bookmark{}, err
	}
	if i >= s.total {
		return Bookmark{}, fmt.Errorf("%w: %d", ErrOutOfRange, i)
	}
	off := i - idx*s.pageSize
	if off >= len(items) {
		return Bookmark{}, fmt.Errorf("%w: page at offset %d is short", ErrModified, idx*s.pageSize)
	}
	return items[off], nil
}

func (s *Sequence) block(ctx context.Context, idx int) ([]Bookmark, error) {
	if items, ok := s.blocks[idx]; ok {
		return items, nil
	}
	offset := idx * s.pageSize
	page, err := s.src.Page(ctx, offset, s.pageSize)
	if err != nil {
		return nil, fmt.Errorf("list bookmarks at offset %d: %w", offset, err)
	}
	if !s.known {
		s.total = page.Total
		s.known = true
	} else if page.Total != s.total {
		return nil, fmt.Errorf("%w: total went from %d to %d", ErrModified, s.total, page.Total)
	}
	s.blocks[idx] = page.Bookmarks
	return page.Bookmarks, nil
}
