// Package mirror ties the resolver, the scheduler and the library together
// into a single incremental run.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bookmark-mirror/internal/clock/system"
	"github.com/JakeFAU/bookmark-mirror/internal/content"
	"github.com/JakeFAU/bookmark-mirror/internal/id/uuid"
	"github.com/JakeFAU/bookmark-mirror/internal/library"
	"github.com/JakeFAU/bookmark-mirror/internal/resolver"
	"github.com/JakeFAU/bookmark-mirror/internal/scheduler"
	"github.com/JakeFAU/bookmark-mirror/internal/source"
)

// ErrRunning is returned when Run is called while another run is active.
var ErrRunning = errors.New("mirror: a run is already in progress")

// Notifier reports the outcome of a run. err is nil for completed runs.
type Notifier interface {
	Notify(ctx context.Context, summary Summary, err error) error
}

// Snapshotter records the data file in version control after a run.
type Snapshotter interface {
	Snapshot(ctx context.Context, path string, message string) error
}

// IDGenerator creates run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock abstracts time for run timestamps.
type Clock interface {
	Now() time.Time
}

// Deps are the collaborators of a Runner. Notifier and Snapshotter are
// optional; IDs and Clock default to UUIDv7 and the system clock.
type Deps struct {
	Library     *library.Library
	Store       content.Store
	Source      source.Source
	Getter      scheduler.Getter
	Notifier    Notifier
	Snapshotter Snapshotter
	// DataFile is the docfile path to snapshot; empty disables snapshots.
	DataFile string
	IDs      IDGenerator
	Clock    Clock
}

// Config tunes a Runner.
type Config struct {
	Scheduler scheduler.Config
	PageSize  int
	Lookback  int
}

// RunOptions select the slice to mirror. Nil Start and Stop mean "detect".
type RunOptions struct {
	Start     *int
	Stop      *int
	Ascending bool
	Overwrite bool
}

// Summary reports a run.
type Summary struct {
	RunID      string              `json:"run_id"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Ascending  bool                `json:"ascending"`
	Plan       resolver.Plan       `json:"plan"`
	Crawled    int                 `json:"crawled"`
	Skipped    int                 `json:"skipped"`
	Deleted    int                 `json:"deleted"`
	Failures   []scheduler.Failure `json:"failures,omitempty"`
	Before     library.Digest      `json:"before"`
	After      *library.Digest     `json:"after,omitempty"`
}

// Duration returns how long the run took.
func (s Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// Runner executes mirror runs, one at a time.
type Runner struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	current atomic.Pointer[scheduler.Scheduler]
	last    atomic.Pointer[Summary]
}

// NewRunner constructs a Runner.
func NewRunner(deps Deps, cfg Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = resolver.DefaultLookback
	}
	if deps.IDs == nil {
		deps.IDs = uuid.NewGenerator()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	return &Runner{deps: deps, cfg: cfg, logger: logger.Named("mirror")}
}

// Progress returns live counters of the active run, and false when idle.
func (r *Runner) Progress() (scheduler.Progress, bool) {
	s := r.current.Load()
	if s == nil {
		return scheduler.Progress{}, false
	}
	return s.Progress(), true
}

// Last returns the summary of the most recent run, finished or aborted.
func (r *Runner) Last() (Summary, bool) {
	s := r.last.Load()
	if s == nil {
		return Summary{}, false
	}
	return *s, true
}

// Run resolves the slice to download, downloads it, and reports the outcome.
// Item failures are listed in the Summary; a non-nil error means the run was
// aborted and the Summary has no after-digest.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (Summary, error) {
	cfg := r.cfg.Scheduler
	cfg.Overwrite = opts.Overwrite
	sched := scheduler.New(scheduler.Deps{
		Library: r.deps.Library,
		Store:   r.deps.Store,
		Works:   r.deps.Source,
		Getter:  r.deps.Getter,
		Clock:   r.deps.Clock,
	}, cfg, r.logger)
	if !r.current.CompareAndSwap(nil, sched) {
		return Summary{}, ErrRunning
	}
	defer r.current.Store(nil)

	summary := Summary{StartedAt: r.now(), Ascending: opts.Ascending}
	id, err := r.deps.IDs.NewID()
	if err != nil {
		return summary, fmt.Errorf("run id: %w", err)
	}
	summary.RunID = id
	logger := r.logger.With(zap.String("run_id", id))

	fail := func(err error) (Summary, error) {
		summary.FinishedAt = r.now()
		r.remember(summary)
		logger.Error("run aborted", zap.Error(err))
		r.notify(ctx, logger, summary, err)
		return summary, err
	}

	if summary.Before, err = r.deps.Library.Digest(ctx); err != nil {
		return fail(err)
	}
	logger.Info("library before run", zap.Stringer("digest", summary.Before))

	view := source.NewView(source.NewSequence(r.deps.Source, r.cfg.PageSize), opts.Ascending)
	ropts := resolver.Options{Stop: opts.Stop, Lookback: r.cfg.Lookback}
	if opts.Start != nil {
		ropts.Start = *opts.Start
	}
	summary.Plan, err = resolver.Resolve(ctx, r.deps.Library, view, ropts)
	if err != nil {
		return fail(fmt.Errorf("resolve offsets: %w", err))
	}
	logger.Info("plan resolved",
		zap.Int("start", summary.Plan.Start),
		zap.Int("stop", summary.Plan.Stop),
		zap.Int("total", summary.Plan.Total),
		zap.Bool("detected", summary.Plan.Detected),
		zap.Bool("ascending", opts.Ascending),
	)

	result, err := sched.Run(ctx, view.Range(ctx, summary.Plan.Start, summary.Plan.Stop))
	summary.Crawled = result.Crawled
	summary.Skipped = result.Skipped
	summary.Deleted = result.Deleted
	summary.Failures = result.Failures
	if err != nil {
		return fail(err)
	}

	after, err := r.deps.Library.Digest(ctx)
	if err != nil {
		return fail(err)
	}
	summary.After = &after
	summary.FinishedAt = r.now()
	logger.Info("library after run",
		zap.Stringer("digest", after),
		zap.Duration("took", summary.Duration()),
	)

	r.remember(summary)
	r.notify(ctx, logger, summary, nil)
	r.snapshot(ctx, logger, summary)
	return summary, nil
}

func (r *Runner) notify(ctx context.Context, logger *zap.Logger, summary Summary, runErr error) {
	if r.deps.Notifier == nil {
		return
	}
	if err := r.deps.Notifier.Notify(context.WithoutCancel(ctx), summary, runErr); err != nil {
		logger.Warn("notification failed", zap.Error(err))
	}
}

func (r *Runner) snapshot(ctx context.Context, logger *zap.Logger, summary Summary) {
	if r.deps.Snapshotter == nil || r.deps.DataFile == "" {
		return
	}
	msg := fmt.Sprintf("mirror run %s: %d crawled, %d failed", summary.RunID, summary.Crawled, len(summary.Failures))
	if err := r.deps.Snapshotter.Snapshot(ctx, r.deps.DataFile, msg); err != nil {
		logger.Warn("snapshot failed", zap.String("path", r.deps.DataFile), zap.Error(err))
	}
}

func (r *Runner) remember(s Summary) {
	r.last.Store(&s)
}

func (r *Runner) now() time.Time {
	return r.deps.Clock.Now()
}
