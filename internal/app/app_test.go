package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookmark-mirror/internal/app"
	"github.com/JakeFAU/bookmark-mirror/internal/config"
	"github.com/JakeFAU/bookmark-mirror/internal/library/librarytest"
	"github.com/JakeFAU/bookmark-mirror/internal/mirror"
	"github.com/JakeFAU/bookmark-mirror/internal/notify"
	"github.com/JakeFAU/bookmark-mirror/internal/source/memory"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.Library.Docfile.Path = filepath.Join(dir, "library.json")
	cfg.Content.Local.BaseDir = filepath.Join(dir, "files")
	cfg.Fetch.Interval = 0
	cfg.Fetch.Retry.MaxAttempts = 2
	cfg.Download.Workers = 2
	return cfg
}

func imageServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png:" + strings.TrimPrefix(r.URL.Path, "/")))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewRejectsUnknownBackends(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := testConfig(t)
	cfg.Library.Backend = "sqlite"
	_, err := app.New(ctx, cfg, zap.NewNop())
	require.ErrorContains(t, err, "library.backend")

	cfg = testConfig(t)
	cfg.Content.Backend = "s3"
	_, err = app.New(ctx, cfg, zap.NewNop())
	require.ErrorContains(t, err, "unknown content backend")
}

func TestRunMirrorsThroughConfiguredStack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := imageServer(t)
	src := memory.New(memory.Sequential(5)...)
	src.BinaryBase = srv.URL
	reports := notify.NewMemory()

	cfg := testConfig(t)
	cfg.Server.Enabled = true
	cfg.Server.Addr = "127.0.0.1:0"
	a, err := app.New(ctx, cfg, zap.NewNop(), app.WithSource(src), app.WithNotifier(reports))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close(context.Background())) })

	summary, err := a.Run(ctx, mirror.RunOptions{Ascending: true})
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Crawled)
	assert.Empty(t, summary.Failures)
	require.NotNil(t, summary.After)
	assert.Equal(t, int64(5), summary.After.Items)
	require.Len(t, reports.Reports(), 1)

	doc, err := a.Library().Get(ctx, "p3")
	require.NoError(t, err)
	require.Len(t, doc.Binaries, 1)
	assert.Equal(t, int64(len("png:p3_p0.png")), doc.Binaries[0].Size)

	report, err := a.Check(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "issues: %+v", report.Issues)
	assert.Equal(t, 5, report.Binaries)

	require.NoError(t, a.Delete(ctx, "p1", "p2"))
	digest, err := a.Digest(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), digest.Items)
	assert.Equal(t, int64(2), digest.Trash)

	require.Error(t, a.Delete(ctx))
}

func TestRunNeedsAUser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a, err := app.New(ctx, testConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer a.Close(ctx) //nolint:errcheck // test cleanup

	_, err = a.Run(ctx, mirror.RunOptions{})
	require.ErrorContains(t, err, "user id is required")
}

func TestMigrateBetweenDocfiles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	from := config.LibraryConfig{Backend: "docfile"}
	from.Docfile.Path = filepath.Join(dir, "a.json")
	to := config.LibraryConfig{Backend: "docfile"}
	to.Docfile.Path = filepath.Join(dir, "b.json")

	lib, err := app.OpenLibrary(ctx, from, zap.NewNop())
	require.NoError(t, err)
	for i, pid := range []string{"p1", "p2", "p3"} {
		require.NoError(t, lib.Upsert(ctx, librarytest.Doc(pid, int64(i+1), 2, "tag"), false))
	}
	require.NoError(t, lib.Close(ctx))

	var progress []int
	report, err := app.Migrate(ctx, from, to, app.MigrateOptions{
		Progress: func(n int) { progress = append(progress, n) },
	}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Copied)
	assert.True(t, report.Consistent(), "discrepancies: %v", report.Discrepancies)
	assert.NotEmpty(t, progress)

	_, err = app.Migrate(ctx, from, to, app.MigrateOptions{}, zap.NewNop())
	require.ErrorIs(t, err, app.ErrTargetExists)

	report, err = app.Migrate(ctx, from, to, app.MigrateOptions{Force: true}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Copied)
	assert.Equal(t, 3, report.Skipped)

	_, err = app.Migrate(ctx, from, from, app.MigrateOptions{Force: true}, zap.NewNop())
	require.ErrorContains(t, err, "same file")
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a, err := app.New(ctx, testConfig(t), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, a.Close(ctx))
	require.NoError(t, a.Close(ctx))
}
