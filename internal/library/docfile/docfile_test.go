package docfile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookmark-mirror/internal/library"
	"github.com/JakeFAU/bookmark-mirror/internal/library/librarytest"
)

func openTemp(t *testing.T) (*Driver, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "library.json")
	d, err := Open(Config{Path: path}, zap.NewNop())
	require.NoError(t, err)
	return d, path
}

func TestDriverSuite(t *testing.T) {
	t.Parallel()

	librarytest.Run(t, func(t *testing.T) library.Driver {
		d, _ := openTemp(t)
		return d
	})
}

func TestReopenReloadsState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, path := openTemp(t)
	require.NoError(t, d.Upsert(ctx, librarytest.Doc("p1", 1, 2, "x"), false))
	require.NoError(t, d.Upsert(ctx, librarytest.Doc("p2", 2, 1, "y"), false))
	require.NoError(t, library.InTx(ctx, d, func(tx library.Tx) error { return tx.Delete(ctx, "p2") }))
	before, err := d.Digest(ctx)
	require.NoError(t, err)
	require.NoError(t, d.Close(ctx))

	reopened, err := Open(Config{Path: path}, nil)
	require.NoError(t, err)
	after, err := reopened.Digest(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	doc, err := library.New(reopened, nil).Get(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, doc.Binaries, 2)
	require.NotNil(t, doc.Author)
}

func TestReconcilePersistsReferences(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, path := openTemp(t)
	lib := library.New(d, nil)
	require.NoError(t, d.Upsert(ctx, librarytest.Doc("p1", 1, 1, "x"), false))

	put := library.References{Authors: []library.Author{{ID: "a9"}}, Tags: []string{" Y "}}
	drop := library.References{Authors: []library.Author{{ID: "author-p1"}}, Tags: []string{"x"}}
	require.NoError(t, lib.Reconcile(ctx, put, drop))
	require.NoError(t, lib.Reconcile(ctx, library.References{}, library.References{}))
	require.NoError(t, d.Close(ctx))

	reopened, err := Open(Config{Path: path}, nil)
	require.NoError(t, err)
	refs, err := reopened.References(ctx)
	require.NoError(t, err)
	assert.Equal(t, []library.Author{{ID: "a9"}}, refs.Authors)
	assert.Equal(t, []string{"Y"}, refs.Tags)

	doc, err := library.New(reopened, nil).Get(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, doc.Author)
}

func TestFileLayout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, path := openTemp(t)
	require.NoError(t, d.Upsert(ctx, librarytest.Doc("p1", 1, 1, "x"), false))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var layout map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &layout))
	for _, key := range []string{"version", "items", "authors", "tags", "trash"} {
		assert.Contains(t, layout, key)
	}

	var items []map[string]any
	require.NoError(t, json.Unmarshal(layout["items"], &items))
	require.Len(t, items, 1)
	assert.Equal(t, "p1", items[0]["pid"])
	assert.Contains(t, items[0], "binaries")
}

func TestWriteFailureRestoresState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, path := openTemp(t)
	require.NoError(t, d.Upsert(ctx, librarytest.Doc("p1", 1, 1), false))

	// Replace the data directory with a plain file so the temp file cannot be created.
	dir := filepath.Dir(path)
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, []byte("not a directory"), 0o600))

	err := d.Upsert(ctx, librarytest.Doc("p2", 2, 1), false)
	require.ErrorIs(t, err, library.ErrUnavailable)

	ok, err := d.Exists(ctx, "p2")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = d.Exists(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTrashExpires(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, _ := openTemp(t)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return clock }

	require.NoError(t, d.Upsert(ctx, librarytest.Doc("p1", 1, 1), false))
	require.NoError(t, library.InTx(ctx, d, func(tx library.Tx) error { return tx.Delete(ctx, "p1") }))

	digest, err := d.Digest(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), digest.Trash)

	clock = clock.Add(31 * 24 * time.Hour)
	require.NoError(t, d.Upsert(ctx, librarytest.Doc("p2", 2, 1), false))
	digest, err = d.Digest(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), digest.Trash)
}

func TestTransactionReuse(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, _ := openTemp(t)
	tx, err := d.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Upsert(ctx, librarytest.Doc("p1", 1, 1), false))
	require.ErrorIs(t, tx.Upsert(ctx, librarytest.Doc("p1", 1, 1), false), library.ErrDuplicate)
	require.NoError(t, tx.Commit(ctx))
	require.Error(t, tx.Commit(ctx))
	require.NoError(t, tx.Rollback(ctx))
}

func TestClosedDriver(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, _ := openTemp(t)
	require.NoError(t, d.Close(ctx))
	_, err := d.Exists(ctx, "p1")
	require.ErrorIs(t, err, library.ErrUnavailable)
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "library.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := Open(Config{Path: path}, nil)
	require.ErrorIs(t, err, library.ErrUnavailable)

	exists, err := FileExists(path)
	require.NoError(t, err)
	assert.True(t, exists)
}
