// Package pacing implements the global gate that spaces outbound fetch starts.
package pacing

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/bookmark-mirror/internal/metrics"
)

// Gate enforces a minimum interval between successive acquisitions across all
// callers. It is shared by every worker and passed explicitly.
type Gate struct {
	limiter  *rate.Limiter
	interval time.Duration
}

// New creates a Gate. A non-positive interval disables pacing.
func New(interval time.Duration) *Gate {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Gate{
		limiter:  rate.NewLimiter(limit, 1),
		interval: interval,
	}
}

// Interval returns the configured spacing.
func (g *Gate) Interval() time.Duration {
	return g.interval
}

// Acquire blocks until the interval since the previous acquisition has
// elapsed, or the context ends.
func (g *Gate) Acquire(ctx context.Context) error {
	start := time.Now()
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pacing gate: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObservePacingWait(waited)
	}
	return nil
}
