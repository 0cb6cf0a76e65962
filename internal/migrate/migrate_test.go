package migrate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookmark-mirror/internal/library"
	"github.com/JakeFAU/bookmark-mirror/internal/library/docfile"
	"github.com/JakeFAU/bookmark-mirror/internal/library/librarytest"
)

func openLibrary(t *testing.T, name string) *library.Library {
	t.Helper()
	d, err := docfile.Open(docfile.Config{Path: filepath.Join(t.TempDir(), name)}, zap.NewNop())
	require.NoError(t, err)
	lib := library.New(d, zap.NewNop())
	t.Cleanup(func() { _ = lib.Close(context.Background()) })
	return lib
}

func seed(t *testing.T, lib *library.Library, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		pid := fmt.Sprintf("p%d", i)
		require.NoError(t, lib.Upsert(context.Background(), librarytest.Doc(pid, int64(i), i%3+1, "tag"+pid[len(pid)-1:]), false))
	}
}

func TestRoundTripKeepsDigest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a := openLibrary(t, "a.json")
	seed(t, a, 12)
	require.NoError(t, a.Delete(ctx, "p12"))

	b := openLibrary(t, "b.json")
	report, err := Run(ctx, a, b, Options{}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 11, report.Copied)
	assert.True(t, report.Consistent(), report.Discrepancies)

	back := openLibrary(t, "a2.json")
	report, err = Run(ctx, b, back, Options{}, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, report.Consistent(), report.Discrepancies)

	original, err := a.Digest(ctx)
	require.NoError(t, err)
	final, err := back.Digest(ctx)
	require.NoError(t, err)
	assert.Empty(t, original.Compare(final))
	assert.Equal(t, int64(11), final.Items)
	assert.Equal(t, original.Checksum, final.Checksum)
	assert.Equal(t, int64(1), original.Trash)
	assert.Zero(t, final.Trash, "trash is not migrated")
}

func TestRerunSkipsCopiedItems(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a := openLibrary(t, "a.json")
	seed(t, a, 4)
	b := openLibrary(t, "b.json")
	require.NoError(t, b.Upsert(ctx, librarytest.Doc("p1", 1, 2, "tag1"), false))

	var seen []int
	report, err := Run(ctx, a, b, Options{Progress: func(n int) { seen = append(seen, n) }}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Copied)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, []int{1, 2, 3, 4}, seen)

	report, err = Run(ctx, a, b, Options{Overwrite: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Copied)
	assert.True(t, report.Consistent())
}

type flakyDriver struct {
	library.Driver
	failPID string
	err     error
}

func (d *flakyDriver) Begin(ctx context.Context) (library.Tx, error) {
	tx, err := d.Driver.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &flakyTx{Tx: tx, d: d}, nil
}

type flakyTx struct {
	library.Tx
	d *flakyDriver
}

func (tx *flakyTx) Upsert(ctx context.Context, doc library.Document, overwrite bool) error {
	if doc.Item.PID == tx.d.failPID {
		return tx.d.err
	}
	return tx.Tx.Upsert(ctx, doc, overwrite)
}

func TestFailuresAreRecordedAndStreamContinues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a := openLibrary(t, "a.json")
	seed(t, a, 5)
	inner, err := docfile.Open(docfile.Config{Path: filepath.Join(t.TempDir(), "b.json")}, zap.NewNop())
	require.NoError(t, err)
	b := library.New(&flakyDriver{Driver: inner, failPID: "p3", err: errors.New("document too large")}, zap.NewNop())

	report, err := Run(ctx, a, b, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Copied)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "p3", report.Failures[0].PID)
	assert.False(t, report.Consistent())
	assert.Contains(t, report.Discrepancies, "items: 5 != 4")

	ok, err := b.Exists(ctx, "p3")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnavailableTargetIsFatal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a := openLibrary(t, "a.json")
	seed(t, a, 5)
	inner, err := docfile.Open(docfile.Config{Path: filepath.Join(t.TempDir(), "b.json")}, zap.NewNop())
	require.NoError(t, err)
	b := library.New(&flakyDriver{Driver: inner, failPID: "p2", err: library.ErrUnavailable}, zap.NewNop())

	report, err := Run(ctx, a, b, Options{}, nil)
	require.ErrorIs(t, err, library.ErrUnavailable)
	assert.Equal(t, 1, report.Copied)
}
