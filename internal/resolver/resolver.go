// Package resolver decides which slice of the remote bookmark sequence a run
// has to download, by probing the library for identifiers it already holds.
package resolver

import (
	"context"
	"fmt"

	"github.com/JakeFAU/bookmark-mirror/internal/source"
)

// StopAll is the explicit stop that means "crawl everything".
const StopAll = -1

// DefaultLookback is how many further entries must be present before a
// stored entry is accepted as the boundary of the stored run.
const DefaultLookback = 3

// Lookup is the slice of the library the resolver needs.
type Lookup interface {
	Exists(ctx context.Context, pid string) (bool, error)
}

// Sequence is a direction-adjusted remote listing.
type Sequence interface {
	Len(ctx context.Context) (int, error)
	At(ctx context.Context, i int) (source.Bookmark, error)
}

// Options override detection.
type Options struct {
	// Start skips this many positions before probing.
	Start int
	// Stop, when set, bypasses detection. StopAll crawls to the end; other
	// negative values count back from the end.
	Stop     *int
	Lookback int
}

// Plan is the resolved half-open range [Start, Stop).
type Plan struct {
	Start    int  `json:"start"`
	Stop     int  `json:"stop"`
	Total    int  `json:"total"`
	Detected bool `json:"detected"`
}

// Len returns the number of positions to crawl.
func (p Plan) Len() int {
	if p.Stop <= p.Start {
		return 0
	}
	return p.Stop - p.Start
}

// Resolve computes the plan. Any library or listing error aborts resolution;
// no partial plan is returned.
func Resolve(ctx context.Context, lib Lookup, seq Sequence, opts Options) (Plan, error) {
	total, err := seq.Len(ctx)
	if err != nil {
		return Plan{}, fmt.Errorf("resolve: read sequence length: %w", err)
	}
	start := clamp(opts.Start, 0, total)

	if opts.Stop != nil {
		stop := *opts.Stop
		switch {
		case stop == StopAll:
			stop = total
		case stop < 0:
			stop = total + stop + 1
		}
		stop = clamp(stop, start, total)
		return Plan{Start: start, Stop: stop, Total: total}, nil
	}

	lookback := opts.Lookback
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	p := &prober{lib: lib, seq: seq, total: total}

	first, err := p.firstMissing(ctx, start)
	if err != nil {
		return Plan{}, err
	}
	stop, err := p.boundary(ctx, first, lookback)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Start: first, Stop: stop, Total: total, Detected: true}, nil
}

type prober struct {
	lib   Lookup
	seq   Sequence
	total int
}

// present reports whether position i is already handled. Entries deleted
// upstream count as handled.
func (p *prober) present(ctx context.Context, i int) (bool, source.Bookmark, error) {
	b, err := p.seq.At(ctx, i)
	if err != nil {
		return false, source.Bookmark{}, fmt.Errorf("resolve: read position %d: %w", i, err)
	}
	if b.Deleted {
		return true, b, nil
	}
	ok, err := p.lib.Exists(ctx, b.PID)
	if err != nil {
		return false, b, fmt.Errorf("resolve: probe %s: %w", b.PID, err)
	}
	return ok, b, nil
}

func (p *prober) firstMissing(ctx context.Context, from int) (int, error) {
	for i := from; i < p.total; i++ {
		ok, _, err := p.present(ctx, i)
		if err != nil {
			return 0, err
		}
		if !ok {
			return i, nil
		}
	}
	return p.total, nil
}

// boundary finds the first stored position at or after from that is followed
// by lookback stored, non-deleted entries. The end of the sequence confirms.
func (p *prober) boundary(ctx context.Context, from, lookback int) (int, error) {
	for i := from; i < p.total; i++ {
		b, err := p.seq.At(ctx, i)
		if err != nil {
			return 0, fmt.Errorf("resolve: read position %d: %w", i, err)
		}
		if b.Deleted {
			continue
		}
		ok, err := p.lib.Exists(ctx, b.PID)
		if err != nil {
			return 0, fmt.Errorf("resolve: probe %s: %w", b.PID, err)
		}
		if !ok {
			continue
		}
		confirmed, err := p.confirmed(ctx, i+1, lookback)
		if err != nil {
			return 0, err
		}
		if confirmed {
			return i, nil
		}
	}
	return p.total, nil
}

func (p *prober) confirmed(ctx context.Context, from, lookback int) (bool, error) {
	seen := 0
	for j := from; j < p.total && seen < lookback; j++ {
		ok, b, err := p.present(ctx, j)
		if err != nil {
			return false, err
		}
		if b.Deleted {
			continue
		}
		if !ok {
			return false, nil
		}
		seen++
	}
	return true, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
