package source

import (
	"context"
	"fmt"
	"iter"
)

// View adapts a Sequence to the crawl direction. Position 0 is the newest
// bookmark, or the oldest when ascending.
type View struct {
	seq       *Sequence
	ascending bool
}

// NewView wraps seq.
func NewView(seq *Sequence, ascending bool) *View {
	return &View{seq: seq, ascending: ascending}
}

// Ascending reports the view direction.
func (v *View) Ascending() bool {
	return v.ascending
}

// Len returns the number of bookmarks.
func (v *View) Len(ctx context.Context) (int, error) {
	return v.seq.Len(ctx)
}

// At returns the bookmark at view position i.
func (v *View) At(ctx context.Context, i int) (Bookmark, error) {
	if !v.ascending {
		return v.seq.At(ctx, i)
	}
	total, err := v.seq.Len(ctx)
	if err != nil {
		return Bookmark{}, err
	}
	if i < 0 || i >= total {
		return Bookmark{}, fmt.Errorf("%w: %d", ErrOutOfRange, i)
	}
	return v.seq.At(ctx, total-1-i)
}

// Range yields bookmarks at positions [start, stop) in view order. Iteration
// ends after the first error.
func (v *View) Range(ctx context.Context, start, stop int) iter.Seq2[Bookmark, error] {
	return func(yield func(Bookmark, error) bool) {
		for i := start; i < stop; i++ {
			if err := ctx.Err(); err != nil {
				yield(Bookmark{}, err)
				return
			}
			b, err := v.At(ctx, i)
			if err != nil {
				yield(Bookmark{}, err)
				return
			}
			if !yield(b, nil) {
				return
			}
		}
	}
}
