// Package scheduler downloads bookmarks with a fixed pool of workers fed from
// a bounded queue. Every bookmark is committed to the library in a single
// upsert, after all of its binaries are in the content store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bookmark-mirror/internal/content"
	"github.com/JakeFAU/bookmark-mirror/internal/fetch"
	"github.com/JakeFAU/bookmark-mirror/internal/library"
	"github.com/JakeFAU/bookmark-mirror/internal/metrics"
	"github.com/JakeFAU/bookmark-mirror/internal/queue/memory"
	"github.com/JakeFAU/bookmark-mirror/internal/source"
)

// Pool defaults applied by New.
const (
	DefaultWorkers    = 4
	DefaultQueueDepth = 64
)

// Library is the subset of *library.Library the scheduler writes through.
type Library interface {
	Exists(ctx context.Context, pid string) (bool, error)
	Upsert(ctx context.Context, doc library.Document, overwrite bool) error
}

// Works loads bookmark details.
type Works interface {
	Work(ctx context.Context, b source.Bookmark) (source.Work, error)
}

// Getter downloads one binary, pacing and retrying as it sees fit.
type Getter interface {
	Get(ctx context.Context, req fetch.Request) (fetch.Response, error)
}

// Clock abstracts time for CrawledAt stamps.
type Clock interface {
	Now() time.Time
}

// Deps are the collaborators a Scheduler drives.
type Deps struct {
	Library Library
	Store   content.Store
	Works   Works
	Getter  Getter
	Clock   Clock
}

// Config controls pool size and overwrite behaviour.
type Config struct {
	Workers    int  `mapstructure:"workers" yaml:"workers"`
	QueueDepth int  `mapstructure:"queue_depth" yaml:"queue_depth"`
	Overwrite  bool `mapstructure:"overwrite" yaml:"overwrite"`
}

// Outcome is the fate of one bookmark.
type Outcome string

// Outcomes recorded per bookmark.
const (
	OutcomeCrawled Outcome = "crawled"
	OutcomeSkipped Outcome = "skipped"
	OutcomeDeleted Outcome = "deleted"
	OutcomeFailed  Outcome = "failed"
)

// Failure records a bookmark that could not be mirrored.
type Failure struct {
	PID    string `json:"pid"`
	Reason string `json:"reason"`
}

// Result totals a run.
type Result struct {
	Crawled  int       `json:"crawled"`
	Skipped  int       `json:"skipped"`
	Deleted  int       `json:"deleted"`
	Failures []Failure `json:"failures,omitempty"`
}

// Progress is a live snapshot of a run.
type Progress struct {
	Running  bool  `json:"running"`
	Enqueued int64 `json:"enqueued"`
	Active   int64 `json:"active"`
	Crawled  int64 `json:"crawled"`
	Skipped  int64 `json:"skipped"`
	Deleted  int64 `json:"deleted"`
	Failed   int64 `json:"failed"`
}

// Scheduler runs the download pipeline.
type Scheduler struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	running  atomic.Bool
	enqueued atomic.Int64
	active   atomic.Int64
	crawled  atomic.Int64
	skipped  atomic.Int64
	deleted  atomic.Int64
	failed   atomic.Int64
}

// New constructs a Scheduler. Zero config values take defaults.
func New(deps Deps, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("scheduler"),
	}
}

// Progress returns live counters. Safe to call from any goroutine.
func (s *Scheduler) Progress() Progress {
	return Progress{
		Running:  s.running.Load(),
		Enqueued: s.enqueued.Load(),
		Active:   s.active.Load(),
		Crawled:  s.crawled.Load(),
		Skipped:  s.skipped.Load(),
		Deleted:  s.deleted.Load(),
		Failed:   s.failed.Load(),
	}
}

// Run drains jobs through the worker pool. Item failures are collected in the
// Result; the error is non-nil only when the run was aborted, by a listing
// error, an unavailable backend, an unwritable content store, or ctx.
func (s *Scheduler) Run(ctx context.Context, jobs iter.Seq2[source.Bookmark, error]) (Result, error) {
	s.reset()
	s.running.Store(true)
	defer s.running.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu     sync.Mutex
		result Result
		fatal  error
	)
	abort := func(err error) {
		mu.Lock()
		if fatal == nil {
			fatal = err
		}
		mu.Unlock()
		cancel()
	}
	record := func(pid string, outcome Outcome, err error) {
		metrics.ObserveItem(string(outcome))
		mu.Lock()
		defer mu.Unlock()
		switch outcome {
		case OutcomeCrawled:
			result.Crawled++
			s.crawled.Add(1)
		case OutcomeSkipped:
			result.Skipped++
			s.skipped.Add(1)
		case OutcomeDeleted:
			result.Deleted++
			s.deleted.Add(1)
		case OutcomeFailed:
			result.Failures = append(result.Failures, Failure{PID: pid, Reason: err.Error()})
			s.failed.Add(1)
		}
	}

	q := memory.New[source.Bookmark](s.cfg.QueueDepth)
	produced := make(chan struct{})
	go func() {
		defer close(produced)
		defer q.Close()
		for b, err := range jobs {
			if err != nil {
				abort(fmt.Errorf("list bookmarks: %w", err))
				return
			}
			if err := q.Enqueue(runCtx, b); err != nil {
				return
			}
			s.enqueued.Add(1)
		}
	}()

	var wg sync.WaitGroup
	for i := range s.cfg.Workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.work(runCtx, id, q, record, abort)
		}(i)
	}
	wg.Wait()
	cancel()
	<-produced

	mu.Lock()
	defer mu.Unlock()
	s.logger.Info("run finished",
		zap.Int("crawled", result.Crawled),
		zap.Int("skipped", result.Skipped),
		zap.Int("deleted", result.Deleted),
		zap.Int("failed", len(result.Failures)),
	)
	if fatal != nil {
		return result, fatal
	}
	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("run canceled: %w", err)
	}
	return result, nil
}

func (s *Scheduler) work(
	ctx context.Context,
	id int,
	q *memory.Queue[source.Bookmark],
	record func(string, Outcome, error),
	abort func(error),
) {
	logger := s.logger.With(zap.Int("worker", id))
	for {
		b, err := q.Dequeue(ctx)
		if err != nil {
			return
		}
		s.active.Add(1)
		metrics.IncActiveWorkers()
		outcome, err := s.process(ctx, b)
		metrics.DecActiveWorkers()
		s.active.Add(-1)

		switch {
		case err == nil:
			logger.Debug("bookmark processed", zap.String("pid", b.PID), zap.String("outcome", string(outcome)))
			record(b.PID, outcome, nil)
		case ctx.Err() != nil:
			// Aborted or canceled; the item is neither done nor failed.
			return
		case fatalErr(err):
			logger.Error("run aborted", zap.String("pid", b.PID), zap.Error(err))
			abort(err)
			return
		default:
			logger.Warn("bookmark failed", zap.String("pid", b.PID), zap.Error(err))
			record(b.PID, OutcomeFailed, err)
		}
	}
}

func fatalErr(err error) bool {
	return errors.Is(err, library.ErrUnavailable) || errors.Is(err, content.ErrUnwritable)
}

func (s *Scheduler) reset() {
	s.enqueued.Store(0)
	s.active.Store(0)
	s.crawled.Store(0)
	s.skipped.Store(0)
	s.deleted.Store(0)
	s.failed.Store(0)
}
