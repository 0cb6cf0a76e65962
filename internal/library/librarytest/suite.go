// Package librarytest holds a behavioural suite every library.Driver must pass.
package librarytest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bookmark-mirror/internal/library"
)

// Opener returns a fresh, empty driver. The suite closes it.
type Opener func(t *testing.T) library.Driver

// Doc builds a document with n binaries for tests.
func Doc(pid string, order int64, n int, tags ...string) library.Document {
	doc := library.Document{
		Item: library.Item{
			PID:       pid,
			Order:     order,
			Title:     "title " + pid,
			AuthorID:  "author-" + pid,
			Tags:      tags,
			Metadata:  map[string]string{"kind": "illust"},
			CreatedAt: time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC),
			CrawledAt: time.Date(2024, 6, 7, 8, 9, 10, 0, time.UTC),
		},
		Author: &library.Author{ID: "author-" + pid, Name: "Author " + pid},
	}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("%s_p%d.png", pid, i)
		doc.Binaries = append(doc.Binaries, library.Binary{
			ItemPID:  pid,
			Name:     name,
			Page:     i,
			URL:      "https://i.example.test/" + name,
			Location: "file:///data/" + name,
			Size:     int64(100 + i),
			Hash:     fmt.Sprintf("%032x", i+1),
			MIME:     "image/png",
		})
	}
	return doc
}

// Run executes the suite against drivers produced by open.
func Run(t *testing.T, open Opener) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, d library.Driver)
	}{
		{"UpsertThenExists", testUpsertThenExists},
		{"DuplicateRejected", testDuplicateRejected},
		{"OverwriteReplaces", testOverwriteReplaces},
		{"InvalidLeavesNoTrace", testInvalidLeavesNoTrace},
		{"RollbackLeavesNoTrace", testRollbackLeavesNoTrace},
		{"QueryOrderAndFilters", testQueryOrderAndFilters},
		{"DeleteMovesToTrash", testDeleteMovesToTrash},
		{"DeleteMissing", testDeleteMissing},
		{"DigestCounts", testDigestCounts},
		{"ConcurrentUpserts", testConcurrentUpserts},
		{"ReferencesFollowDocuments", testReferencesFollowDocuments},
		{"ReferencesReconcile", testReferencesReconcile},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := open(t)
			t.Cleanup(func() { _ = d.Close(context.Background()) })
			tc.fn(t, d)
		})
	}
}

func testUpsertThenExists(t *testing.T, d library.Driver) {
	ctx := context.Background()
	require.NoError(t, d.Upsert(ctx, Doc("p1", 1, 2, "a"), false))

	ok, err := d.Exists(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Exists(ctx, "p2")
	require.NoError(t, err)
	assert.False(t, ok)

	var got []library.Document
	for doc, err := range d.Query(ctx, library.Filter{PIDs: []string{"p1"}}) {
		require.NoError(t, err)
		got = append(got, doc)
	}
	require.Len(t, got, 1)
	assert.Equal(t, "title p1", got[0].Item.Title)
	assert.Equal(t, "illust", got[0].Item.Metadata["kind"])
	assert.True(t, got[0].Item.CreatedAt.Equal(time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)))
	require.Len(t, got[0].Binaries, 2)
	assert.Equal(t, "p1_p0.png", got[0].Binaries[0].Name)
	require.NotNil(t, got[0].Author)
	assert.Equal(t, "Author p1", got[0].Author.Name)
}

func testDuplicateRejected(t *testing.T, d library.Driver) {
	ctx := context.Background()
	require.NoError(t, d.Upsert(ctx, Doc("p1", 1, 1), false))

	err := d.Upsert(ctx, Doc("p1", 1, 3), false)
	require.ErrorIs(t, err, library.ErrDuplicate)

	digest, err := d.Digest(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), digest.Items)
	assert.Equal(t, int64(1), digest.Binaries)
}

func testOverwriteReplaces(t *testing.T, d library.Driver) {
	ctx := context.Background()
	require.NoError(t, d.Upsert(ctx, Doc("p1", 1, 3, "old"), false))
	replacement := Doc("p1", 1, 1, "new")
	replacement.Item.Title = "renamed"
	require.NoError(t, d.Upsert(ctx, replacement, true))

	for doc, err := range d.Query(ctx, library.Filter{}) {
		require.NoError(t, err)
		assert.Equal(t, "renamed", doc.Item.Title)
		assert.Len(t, doc.Binaries, 1)
		assert.Equal(t, []string{"new"}, doc.Item.Tags)
	}
	digest, err := d.Digest(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), digest.Items)
	assert.Equal(t, int64(1), digest.Binaries)
	assert.Equal(t, int64(1), digest.Tags, "unreferenced tag should be collected")
}

func testInvalidLeavesNoTrace(t *testing.T, d library.Driver) {
	ctx := context.Background()
	require.NoError(t, d.Upsert(ctx, Doc("keep", 1, 1), false))

	bad := Doc("p2", 2, 2)
	bad.Binaries[1].ItemPID = "someone-else"
	require.ErrorIs(t, d.Upsert(ctx, bad, false), library.ErrInvalid)

	ok, err := d.Exists(ctx, "p2")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = d.Exists(ctx, "keep")
	require.NoError(t, err)
	assert.True(t, ok)
}

func testRollbackLeavesNoTrace(t *testing.T, d library.Driver) {
	ctx := context.Background()
	tx, err := d.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Upsert(ctx, Doc("p1", 1, 1), false))
	require.NoError(t, tx.Rollback(ctx))

	ok, err := d.Exists(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, ok)

	boom := fmt.Errorf("abort")
	err = library.InTx(ctx, d, func(tx library.Tx) error {
		if err := tx.Upsert(ctx, Doc("p2", 2, 1), false); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	ok, err = d.Exists(ctx, "p2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testQueryOrderAndFilters(t *testing.T, d library.Driver) {
	ctx := context.Background()
	require.NoError(t, d.Upsert(ctx, Doc("c", 30, 1, "blue"), false))
	require.NoError(t, d.Upsert(ctx, Doc("a", 10, 1, "red"), false))
	require.NoError(t, d.Upsert(ctx, Doc("b", 20, 1, "red", "blue"), false))

	collect := func(f library.Filter) []string {
		var out []string
		for doc, err := range d.Query(ctx, f) {
			require.NoError(t, err)
			out = append(out, doc.Item.PID)
		}
		return out
	}
	assert.Equal(t, []string{"a", "b", "c"}, collect(library.Filter{}))
	assert.Equal(t, []string{"a", "b"}, collect(library.Filter{Tag: "red"}))
	assert.Equal(t, []string{"b", "c"}, collect(library.Filter{MinOrder: 15}))
	assert.Equal(t, []string{"a"}, collect(library.Filter{MaxOrder: 15}))
	assert.Equal(t, []string{"b"}, collect(library.Filter{AuthorID: "author-b"}))
	assert.Equal(t, []string{"a", "b"}, collect(library.Filter{Limit: 2}))
	assert.Equal(t, []string{"a", "c"}, collect(library.Filter{PIDs: []string{"c", "a"}}))

	// Stopping early must not leak or block.
	for range d.Query(ctx, library.Filter{}) {
		break
	}
}

func testDeleteMovesToTrash(t *testing.T, d library.Driver) {
	ctx := context.Background()
	require.NoError(t, d.Upsert(ctx, Doc("p1", 1, 1, "shared", "solo"), false))
	require.NoError(t, d.Upsert(ctx, Doc("p2", 2, 1, "shared"), false))

	require.NoError(t, library.InTx(ctx, d, func(tx library.Tx) error {
		return tx.Delete(ctx, "p1")
	}))

	ok, err := d.Exists(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, ok)

	digest, err := d.Digest(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), digest.Items)
	assert.Equal(t, int64(1), digest.Trash)
	assert.Equal(t, int64(1), digest.Tags, "solo should be collected, shared kept")
	assert.Equal(t, int64(1), digest.Authors)
}

func testDeleteMissing(t *testing.T, d library.Driver) {
	ctx := context.Background()
	err := library.InTx(ctx, d, func(tx library.Tx) error {
		return tx.Delete(ctx, "ghost")
	})
	require.ErrorIs(t, err, library.ErrNotFound)
}

func testDigestCounts(t *testing.T, d library.Driver) {
	ctx := context.Background()
	empty, err := d.Digest(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), empty.Items)
	assert.Empty(t, empty.Checksum)

	require.NoError(t, d.Upsert(ctx, Doc("p1", 1, 2, "x"), false))
	require.NoError(t, d.Upsert(ctx, Doc("p2", 2, 1, "x", "y"), false))

	digest, err := d.Digest(ctx)
	require.NoError(t, err)
	assert.Equal(t, d.Backend(), digest.Backend)
	assert.Equal(t, int64(2), digest.Items)
	assert.Equal(t, int64(3), digest.Binaries)
	assert.Equal(t, int64(100+101+100), digest.Bytes)
	assert.Equal(t, int64(2), digest.Authors)
	assert.Equal(t, int64(2), digest.Tags)
	assert.NotEmpty(t, digest.Checksum)

	builder := library.NewDigestBuilder("other")
	builder.AddItem("p2")
	builder.AddItem("p1")
	assert.Equal(t, builder.Digest().Checksum, digest.Checksum)
}

func testConcurrentUpserts(t *testing.T, d library.Driver) {
	ctx := context.Background()
	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- d.Upsert(ctx, Doc(fmt.Sprintf("p%02d", i), int64(i), 1, "t"), false)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	digest, err := d.Digest(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(n), digest.Items)
}

func testReferencesFollowDocuments(t *testing.T, d library.Driver) {
	ctx := context.Background()
	require.NoError(t, d.Upsert(ctx, Doc("p1", 1, 1, "sky", "cat"), false))
	require.NoError(t, d.Upsert(ctx, Doc("p2", 2, 1, "cat"), false))

	refs, err := d.References(ctx)
	require.NoError(t, err)
	assert.Equal(t, []library.Author{
		{ID: "author-p1", Name: "Author p1"},
		{ID: "author-p2", Name: "Author p2"},
	}, refs.Authors)
	assert.Equal(t, []string{"cat", "sky"}, refs.Tags)
}

func testReferencesReconcile(t *testing.T, d library.Driver) {
	ctx := context.Background()
	require.NoError(t, d.Upsert(ctx, Doc("p1", 1, 1, "cat"), false))

	err := library.InTx(ctx, d, func(tx library.Tx) error {
		put := library.References{Authors: []library.Author{{ID: "ghost", Name: "Ghost"}}, Tags: []string{"dog"}}
		if err := tx.PutReferences(ctx, put); err != nil {
			return err
		}
		return tx.DropReferences(ctx, library.References{
			Authors: []library.Author{{ID: "author-p1"}},
			Tags:    []string{"cat"},
		})
	})
	require.NoError(t, err)

	refs, err := d.References(ctx)
	require.NoError(t, err)
	assert.Equal(t, []library.Author{{ID: "ghost", Name: "Ghost"}}, refs.Authors)
	assert.Equal(t, []string{"dog"}, refs.Tags)

	for doc, err := range d.Query(ctx, library.Filter{}) {
		require.NoError(t, err)
		assert.Equal(t, "author-p1", doc.Item.AuthorID)
		assert.Nil(t, doc.Author, "dropped author record is no longer joined")
	}

	err = library.InTx(ctx, d, func(tx library.Tx) error {
		return tx.PutReferences(ctx, library.References{Authors: []library.Author{{Name: "nameless"}}})
	})
	require.ErrorIs(t, err, library.ErrInvalid)
}
