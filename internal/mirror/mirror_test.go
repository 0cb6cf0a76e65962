package mirror

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	contentmemory "github.com/JakeFAU/bookmark-mirror/internal/content/memory"
	"github.com/JakeFAU/bookmark-mirror/internal/fetch"
	"github.com/JakeFAU/bookmark-mirror/internal/library"
	"github.com/JakeFAU/bookmark-mirror/internal/library/docfile"
	"github.com/JakeFAU/bookmark-mirror/internal/scheduler"
	sourcememory "github.com/JakeFAU/bookmark-mirror/internal/source/memory"
)

type countingGetter struct {
	mu    sync.Mutex
	urls  []string
	failN string
}

func (g *countingGetter) Get(_ context.Context, req fetch.Request) (fetch.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.urls = append(g.urls, req.URL)
	if g.failN != "" && strings.HasSuffix(req.URL, "/"+g.failN+"_p0.png") {
		return fetch.Response{}, fetch.ErrExhausted
	}
	return fetch.Response{URL: req.URL, StatusCode: 200, Body: []byte(req.URL)}, nil
}

func (g *countingGetter) fetched() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.urls...)
}

type recordingNotifier struct {
	mu        sync.Mutex
	summaries []Summary
	errs      []error
}

func (n *recordingNotifier) Notify(_ context.Context, s Summary, err error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.summaries = append(n.summaries, s)
	n.errs = append(n.errs, err)
	return nil
}

type recordingSnapshotter struct {
	paths []string
	err   error
}

func (s *recordingSnapshotter) Snapshot(_ context.Context, path, _ string) error {
	s.paths = append(s.paths, path)
	return s.err
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	src      *sourcememory.Source
	lib      *library.Library
	store    *contentmemory.Store
	getter   *countingGetter
	notifier *recordingNotifier
	snap     *recordingSnapshotter
	runner   *Runner
	dataFile string
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	dataFile := filepath.Join(t.TempDir(), "library.json")
	driver, err := docfile.Open(docfile.Config{Path: dataFile}, zap.NewNop())
	require.NoError(t, err)
	f := &fixture{
		src:      sourcememory.New(sourcememory.Sequential(n)...),
		lib:      library.New(driver, zap.NewNop()),
		store:    contentmemory.NewStore(),
		getter:   &countingGetter{},
		notifier: &recordingNotifier{},
		snap:     &recordingSnapshotter{},
		dataFile: dataFile,
	}
	t.Cleanup(func() { _ = f.lib.Close(context.Background()) })
	f.runner = NewRunner(Deps{
		Library:     f.lib,
		Store:       f.store,
		Source:      f.src,
		Getter:      f.getter,
		Notifier:    f.notifier,
		Snapshotter: f.snap,
		DataFile:    dataFile,
		Clock:       &stepClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}, Config{Scheduler: scheduler.Config{Workers: 3}, PageSize: 4}, zap.NewNop())
	return f
}

func TestRunFromEmptyLibrary(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10)
	summary, err := f.runner.Run(context.Background(), RunOptions{Ascending: true})
	require.NoError(t, err)

	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, 0, summary.Plan.Start)
	assert.Equal(t, 10, summary.Plan.Stop)
	assert.Equal(t, 10, summary.Crawled)
	assert.Zero(t, summary.Before.Items)
	require.NotNil(t, summary.After)
	assert.Equal(t, int64(10), summary.After.Items)
	assert.Positive(t, summary.Duration())

	require.Len(t, f.notifier.summaries, 1)
	assert.NoError(t, f.notifier.errs[0])
	assert.Equal(t, []string{f.dataFile}, f.snap.paths)

	_, running := f.runner.Progress()
	assert.False(t, running)
}

func TestRunResumesAfterStoredPrefix(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10)
	stop := 5
	_, err := f.runner.Run(context.Background(), RunOptions{Ascending: true, Stop: &stop})
	require.NoError(t, err)
	require.Len(t, f.getter.fetched(), 5)

	summary, err := f.runner.Run(context.Background(), RunOptions{Ascending: true})
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Plan.Start)
	assert.Equal(t, 10, summary.Plan.Stop)
	assert.Equal(t, 5, summary.Crawled)
	assert.Zero(t, summary.Skipped)

	fetched := f.getter.fetched()[5:]
	require.Len(t, fetched, 5)
	for _, url := range fetched {
		pid := strings.TrimSuffix(url[strings.LastIndex(url, "/")+1:], "_p0.png")
		assert.Contains(t, []string{"p6", "p7", "p8", "p9", "p10"}, pid)
	}
}

func TestRunNewestFirstStopsAtStoredRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 6)
	_, err := f.runner.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	f.src.Prepend(sourcememory.Sequential(8)[:2]...)
	summary, err := f.runner.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Plan.Start)
	assert.Equal(t, 2, summary.Plan.Stop)
	assert.Equal(t, 2, summary.Crawled)
	assert.Equal(t, int64(8), summary.After.Items)
}

func TestRunListsPermanentFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10)
	f.getter.failN = "p7"
	summary, err := f.runner.Run(context.Background(), RunOptions{Ascending: true})
	require.NoError(t, err)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "p7", summary.Failures[0].PID)
	assert.Equal(t, int64(9), summary.After.Items)

	ok, err := f.lib.Exists(context.Background(), "p7")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunAbortReportsFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10)
	boom := errors.New("listing unavailable")
	f.src.FailPages(boom)

	summary, err := f.runner.Run(context.Background(), RunOptions{})
	require.ErrorIs(t, err, boom)
	assert.Nil(t, summary.After)
	require.Len(t, f.notifier.errs, 1)
	assert.ErrorIs(t, f.notifier.errs[0], boom)
	assert.Empty(t, f.snap.paths)
}

func TestRunSnapshotFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	f.snap.err = errors.New("git missing")
	summary, err := f.runner.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Crawled)
}

func TestCheckFindsBrokenBinaries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t, 4)
	_, err := f.runner.Run(ctx, RunOptions{})
	require.NoError(t, err)

	report, err := Check(ctx, f.lib, f.store)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 4, report.Items)
	assert.Equal(t, 4, report.Binaries)

	// Same length, different bytes.
	orig, err := f.store.Stat(ctx, "p1_p0.png")
	require.NoError(t, err)
	_, err = f.store.Put(ctx, "p1_p0.png", "image/png", []byte(strings.Repeat("x", int(orig.Size))), true)
	require.NoError(t, err)
	_, err = f.store.Put(ctx, "p2_p0.png", "image/png", []byte("short"), true)
	require.NoError(t, err)
	f.store.Delete("p3_p0.png")

	report, err = Check(ctx, f.lib, f.store)
	require.NoError(t, err)
	codes := map[string]string{}
	for _, issue := range report.Issues {
		codes[issue.PID] = issue.Code
	}
	assert.Equal(t, map[string]string{
		"p1": IssueHashMismatch,
		"p2": IssueSizeMismatch,
		"p3": IssueMissing,
	}, codes)
}

func TestRunRefusesConcurrentRuns(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	blocker := scheduler.New(scheduler.Deps{}, scheduler.Config{}, nil)
	require.True(t, f.runner.current.CompareAndSwap(nil, blocker))

	_, err := f.runner.Run(context.Background(), RunOptions{})
	require.ErrorIs(t, err, ErrRunning)

	progress, running := f.runner.Progress()
	assert.True(t, running)
	assert.Equal(t, scheduler.Progress{}, progress)
}

func TestLastKeepsMostRecentSummary(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	_, ok := f.runner.Last()
	assert.False(t, ok)

	summary, err := f.runner.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	last, ok := f.runner.Last()
	require.True(t, ok)
	assert.Equal(t, summary.RunID, last.RunID)
}

// brokenLibrary is a data file edited outside the mirror: p1 names an author
// and a tag without records, and two records are referenced by nothing.
const brokenLibrary = `{
 "version": 1,
 "items": [
  {"pid": "p1", "order": 1, "title": "one", "author_id": "a1", "tags": ["cat", "sky"],
   "created_at": "2024-01-01T00:00:00Z", "crawled_at": "2024-01-02T00:00:00Z", "binaries": []},
  {"pid": "p2", "order": 2, "title": "two", "author_id": "a2", "tags": ["sky"],
   "created_at": "2024-01-01T00:00:00Z", "crawled_at": "2024-01-02T00:00:00Z", "binaries": []}
 ],
 "authors": [{"id": "a2", "name": "Bob"}, {"id": "a9", "name": "Gone"}],
 "tags": [{"name": "sky"}, {"name": "unused"}],
 "trash": []
}`

func openBrokenLibrary(t *testing.T) (*library.Library, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "library.json")
	require.NoError(t, os.WriteFile(path, []byte(brokenLibrary), 0o600))
	driver, err := docfile.Open(docfile.Config{Path: path}, zap.NewNop())
	require.NoError(t, err)
	lib := library.New(driver, zap.NewNop())
	t.Cleanup(func() { _ = lib.Close(context.Background()) })
	return lib, path
}

func TestCheckFindsBrokenReferences(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	lib, _ := openBrokenLibrary(t)

	report, err := Check(ctx, lib, contentmemory.NewStore())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Items)
	assert.Equal(t, 2, report.Authors)
	assert.Equal(t, 2, report.Tags)
	assert.Equal(t, []Issue{
		{PID: "p1", Ref: "a1", Code: IssueMissingAuthor},
		{PID: "p1", Ref: "cat", Code: IssueMissingTag},
		{Ref: "a9", Code: IssueOrphanAuthor, Detail: "Gone"},
		{Ref: "unused", Code: IssueOrphanTag},
	}, report.Issues)
	assert.Equal(t, 4, report.Repairable())
}

func TestRepairRebuildsReferences(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	lib, path := openBrokenLibrary(t)
	store := contentmemory.NewStore()

	report, err := Check(ctx, lib, store)
	require.NoError(t, err)
	fixed, err := Repair(ctx, lib, report)
	require.NoError(t, err)
	assert.Equal(t, 4, fixed)

	report, err = Check(ctx, lib, store)
	require.NoError(t, err)
	assert.True(t, report.OK(), "issues: %+v", report.Issues)

	refs, err := lib.References(ctx)
	require.NoError(t, err)
	assert.Equal(t, []library.Author{{ID: "a1"}, {ID: "a2", Name: "Bob"}}, refs.Authors)
	assert.Equal(t, []string{"cat", "sky"}, refs.Tags)

	// The repair is persisted, not only held in memory.
	require.NoError(t, lib.Close(ctx))
	reopened, err := docfile.Open(docfile.Config{Path: path}, zap.NewNop())
	require.NoError(t, err)
	again := library.New(reopened, zap.NewNop())
	defer again.Close(ctx) //nolint:errcheck // test cleanup
	report, err = Check(ctx, again, store)
	require.NoError(t, err)
	assert.True(t, report.OK(), "issues: %+v", report.Issues)
}

func TestRepairLeavesContentIssuesAlone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t, 2)
	_, err := f.runner.Run(ctx, RunOptions{})
	require.NoError(t, err)
	f.store.Delete("p1_p0.png")

	report, err := Check(ctx, f.lib, f.store)
	require.NoError(t, err)
	require.Len(t, report.Issues, 1)
	assert.Zero(t, report.Repairable())

	before, err := f.lib.Digest(ctx)
	require.NoError(t, err)
	fixed, err := Repair(ctx, f.lib, report)
	require.NoError(t, err)
	assert.Zero(t, fixed)
	after, err := f.lib.Digest(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
