// Package app builds the long-lived services of the mirror from configuration
// and exposes the operations the command line runs.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookmark-mirror/internal/api"
	"github.com/JakeFAU/bookmark-mirror/internal/config"
	"github.com/JakeFAU/bookmark-mirror/internal/content"
	"github.com/JakeFAU/bookmark-mirror/internal/content/gcs"
	"github.com/JakeFAU/bookmark-mirror/internal/content/local"
	"github.com/JakeFAU/bookmark-mirror/internal/fetch"
	collyfetch "github.com/JakeFAU/bookmark-mirror/internal/fetch/colly"
	"github.com/JakeFAU/bookmark-mirror/internal/library"
	"github.com/JakeFAU/bookmark-mirror/internal/library/docfile"
	"github.com/JakeFAU/bookmark-mirror/internal/library/mongodb"
	"github.com/JakeFAU/bookmark-mirror/internal/library/postgres"
	"github.com/JakeFAU/bookmark-mirror/internal/migrate"
	"github.com/JakeFAU/bookmark-mirror/internal/mirror"
	"github.com/JakeFAU/bookmark-mirror/internal/notify"
	notifypubsub "github.com/JakeFAU/bookmark-mirror/internal/notify/pubsub"
	"github.com/JakeFAU/bookmark-mirror/internal/pacing"
	"github.com/JakeFAU/bookmark-mirror/internal/retry"
	"github.com/JakeFAU/bookmark-mirror/internal/scheduler"
	"github.com/JakeFAU/bookmark-mirror/internal/snapshot"
	"github.com/JakeFAU/bookmark-mirror/internal/source"
	"github.com/JakeFAU/bookmark-mirror/internal/source/pixiv"
)

// ErrTargetExists is returned when a migration would write into an existing
// docfile without force.
var ErrTargetExists = errors.New("migration target already exists")

type closer func(context.Context) error

// App holds the library, the content store and, once a run was requested,
// the runner with its remote source.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	lib   *library.Library
	store content.Store

	source   source.Source
	getter   scheduler.Getter
	notifier mirror.Notifier

	mu      sync.Mutex
	runner  *mirror.Runner
	closers []closer
}

// Option customizes an App.
type Option func(*App)

// WithSource replaces the configured remote source.
func WithSource(src source.Source) Option {
	return func(a *App) { a.source = src }
}

// WithGetter replaces the paced HTTP client used for downloads.
func WithGetter(g scheduler.Getter) Option {
	return func(a *App) { a.getter = g }
}

// WithNotifier replaces the configured notifiers.
func WithNotifier(n mirror.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// New opens the library and the content store. Fail fast: nothing is left
// open when an error is returned.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(a)
	}

	lib, err := OpenLibrary(ctx, cfg.Library, logger)
	if err != nil {
		return nil, err
	}
	a.lib = lib
	a.closers = append(a.closers, lib.Close)

	store, closeStore, err := OpenStore(ctx, cfg.Content)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	a.store = store
	if closeStore != nil {
		a.closers = append(a.closers, closeStore)
	}

	logger.Info("application services initialized",
		zap.String("library", lib.Backend()),
		zap.String("content", cfg.Content.Backend),
	)
	return a, nil
}

// Library returns the opened library.
func (a *App) Library() *library.Library {
	return a.lib
}

// Store returns the content store.
func (a *App) Store() content.Store {
	return a.store
}

// Run mirrors the configured remote. The status server, when enabled, runs
// for the duration of the call.
func (a *App) Run(ctx context.Context, opts mirror.RunOptions) (mirror.Summary, error) {
	runner, err := a.Runner(ctx)
	if err != nil {
		return mirror.Summary{}, err
	}
	if !a.cfg.Server.Enabled {
		return runner.Run(ctx, opts)
	}

	srv := api.NewServer(runner, a.lib, a.cfg.Server, a.logger)
	serveCtx, stop := context.WithCancel(ctx)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(serveCtx, a.cfg.Server.Addr) }()

	summary, runErr := runner.Run(ctx, opts)
	stop()
	if err := <-served; err != nil {
		a.logger.Warn("status server stopped with error", zap.Error(err))
	}
	return summary, runErr
}

// Runner builds the runner on first use.
func (a *App) Runner(ctx context.Context) (*mirror.Runner, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runner != nil {
		return a.runner, nil
	}

	getter := a.getter
	if getter == nil {
		getter = NewGetter(a.cfg.Fetch, a.logger)
	}
	src := a.source
	if src == nil {
		client, err := pixiv.New(a.cfg.Source.Pixiv(), getter, a.logger)
		if err != nil {
			return nil, fmt.Errorf("build source: %w", err)
		}
		src = client
	}
	notifier := a.notifier
	if notifier == nil {
		n, closeNotifier, err := newNotifier(ctx, a.cfg.Notify, a.logger)
		if err != nil {
			return nil, err
		}
		notifier = n
		if closeNotifier != nil {
			a.closers = append(a.closers, closeNotifier)
		}
	}

	deps := mirror.Deps{
		Library:  a.lib,
		Store:    a.store,
		Source:   src,
		Getter:   getter,
		Notifier: notifier,
	}
	if a.cfg.Snapshot.Enabled && a.cfg.Library.Backend == docfile.Backend {
		deps.Snapshotter = snapshot.New(a.cfg.Snapshot, a.logger)
		deps.DataFile = a.cfg.Library.Docfile.Path
	}
	a.runner = mirror.NewRunner(deps, mirror.Config{
		Scheduler: a.cfg.Download,
		PageSize:  a.cfg.Source.PageSize,
		Lookback:  a.cfg.Resolver.Lookback,
	}, a.logger)
	return a.runner, nil
}

// Digest summarizes the library.
func (a *App) Digest(ctx context.Context) (library.Digest, error) {
	return a.lib.Digest(ctx)
}

// Check verifies every stored binary against the content store and the
// author and tag records against the items.
func (a *App) Check(ctx context.Context) (mirror.CheckReport, error) {
	return mirror.Check(ctx, a.lib, a.store)
}

// Repair fixes the reference issues of a fresh check and checks again. It
// returns the number of issues fixed and the report after the repair.
func (a *App) Repair(ctx context.Context) (int, mirror.CheckReport, error) {
	report, err := a.Check(ctx)
	if err != nil {
		return 0, report, err
	}
	if report.Repairable() == 0 {
		return 0, report, nil
	}
	fixed, err := mirror.Repair(ctx, a.lib, report)
	if err != nil {
		return 0, report, err
	}
	a.logger.Info("library references repaired", zap.Int("fixed", fixed))
	after, err := a.Check(ctx)
	return fixed, after, err
}

// Delete moves items to the trash.
func (a *App) Delete(ctx context.Context, pids ...string) error {
	if len(pids) == 0 {
		return fmt.Errorf("at least one pid is required")
	}
	return a.lib.Delete(ctx, pids...)
}

// Close releases everything New and Runner opened, newest first.
func (a *App) Close(ctx context.Context) error {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error closing application services", zap.Error(err))
		return err
	}
	return nil
}

// OpenLibrary opens the configured driver and wraps it.
func OpenLibrary(ctx context.Context, cfg config.LibraryConfig, logger *zap.Logger) (*library.Library, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var (
		driver library.Driver
		err    error
	)
	switch cfg.Backend {
	case docfile.Backend:
		driver, err = docfile.Open(cfg.Docfile, logger)
	case mongodb.Backend:
		driver, err = mongodb.Open(ctx, cfg.MongoDB, logger)
	case postgres.Backend:
		driver, err = postgres.Open(ctx, cfg.Postgres, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s library: %w", cfg.Backend, err)
	}
	return library.New(driver, logger), nil
}

// OpenStore builds the configured content store. The returned closer may be nil.
func OpenStore(ctx context.Context, cfg config.ContentConfig) (content.Store, closer, error) {
	switch cfg.Backend {
	case config.ContentLocal:
		s, err := local.New(cfg.Local)
		if err != nil {
			return nil, nil, fmt.Errorf("open local content store: %w", err)
		}
		return s, nil, nil
	case config.ContentGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create storage client: %w", err)
		}
		s, err := gcs.New(client, cfg.GCS)
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("open gcs content store: %w", err)
		}
		return s, func(context.Context) error { return client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown content backend: %s", cfg.Backend)
	}
}

// NewGetter wires the colly fetcher behind the global pacing gate and the
// retry policy.
func NewGetter(cfg config.FetchConfig, logger *zap.Logger) *fetch.Client {
	fetcher := collyfetch.New(collyfetch.Config{
		UserAgent:    cfg.UserAgent,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	return fetch.NewClient(
		fetcher,
		pacing.New(cfg.Interval),
		retry.New(cfg.Retry.Policy()),
		fetch.ClientOptions{
			Timeout:  cfg.Timeout,
			GiveUpOn: cfg.GiveUpOn,
			Logger:   logger.Named("fetch"),
		},
	)
}

func newNotifier(ctx context.Context, cfg config.NotifyConfig, logger *zap.Logger) (mirror.Notifier, closer, error) {
	var notifiers notify.Multi
	if cfg.Log {
		notifiers = append(notifiers, notify.NewLog(logger))
	}
	if !cfg.PubSub.Enabled {
		return notifiers, nil, nil
	}
	p, err := notifypubsub.New(ctx, cfg.PubSub.Config, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("build pubsub notifier: %w", err)
	}
	notifiers = append(notifiers, p)
	return notifiers, func(context.Context) error { return p.Close() }, nil
}

// MigrateOptions controls Migrate.
type MigrateOptions struct {
	// Force allows writing into an existing docfile target.
	Force     bool
	Overwrite bool
	Progress  func(copied int)
}

// Migrate copies every document of the source library into the target.
func Migrate(ctx context.Context, src, dst config.LibraryConfig, opts MigrateOptions, logger *zap.Logger) (migrate.Report, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dst.Backend == docfile.Backend {
		if src.Backend == docfile.Backend && src.Docfile.Path == dst.Docfile.Path {
			return migrate.Report{}, fmt.Errorf("source and target are the same file: %s", dst.Docfile.Path)
		}
		exists, err := docfile.FileExists(dst.Docfile.Path)
		if err != nil {
			return migrate.Report{}, fmt.Errorf("stat target: %w", err)
		}
		if exists && !opts.Force {
			return migrate.Report{}, fmt.Errorf("%w: %s (use --force to merge into it)", ErrTargetExists, dst.Docfile.Path)
		}
	}

	from, err := OpenLibrary(ctx, src, logger.Named("source"))
	if err != nil {
		return migrate.Report{}, err
	}
	defer closeLibrary(ctx, from, logger)

	to, err := OpenLibrary(ctx, dst, logger.Named("target"))
	if err != nil {
		return migrate.Report{}, err
	}
	defer closeLibrary(ctx, to, logger)

	return migrate.Run(ctx, from, to, migrate.Options{
		Overwrite: opts.Overwrite,
		Progress:  opts.Progress,
	}, logger)
}

func closeLibrary(ctx context.Context, lib *library.Library, logger *zap.Logger) {
	if err := lib.Close(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("error closing library", zap.String("backend", lib.Backend()), zap.Error(err))
	}
}
