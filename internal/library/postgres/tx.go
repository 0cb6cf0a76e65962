package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/bookmark-mirror/internal/library"
)

type tx struct {
	tx  pgx.Tx
	now func() time.Time
}

func (t *tx) Upsert(ctx context.Context, doc library.Document, overwrite bool) error {
	doc, err := library.PrepareDocument(doc)
	if err != nil {
		return err
	}
	item := doc.Item
	var prev *removed
	if overwrite {
		var r removed
		err := t.tx.QueryRow(ctx, `DELETE FROM items WHERE pid = $1 RETURNING author_id, tags`, item.PID).
			Scan(&r.authorID, &r.tags)
		switch {
		case err == nil:
			prev = &r
		case errors.Is(err, pgx.ErrNoRows):
		default:
			return classify(err)
		}
	}

	metadata, err := json.Marshal(nonNilMetadata(item.Metadata))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	tags := item.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err = t.tx.Exec(ctx, `
INSERT INTO items (pid, ord, title, author_id, tags, metadata, created_at, crawled_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		item.PID, item.Order, item.Title, item.AuthorID, tags, metadata, item.CreatedAt, item.CrawledAt,
	)
	if err != nil {
		return classify(err)
	}

	if doc.Author != nil {
		_, err := t.tx.Exec(ctx, `
INSERT INTO authors (id, name, account) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, account = EXCLUDED.account`,
			doc.Author.ID, doc.Author.Name, doc.Author.Account,
		)
		if err != nil {
			return classify(err)
		}
	} else if item.AuthorID != "" {
		if _, err := t.tx.Exec(ctx, `SELECT 1 FROM authors WHERE id = $1 FOR SHARE`, item.AuthorID); err != nil {
			return classify(err)
		}
	}
	if len(tags) > 0 {
		// DO UPDATE takes the row lock that collect waits on.
		_, err := t.tx.Exec(ctx, `
INSERT INTO tags (name) SELECT unnest($1::text[])
ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name`, tags)
		if err != nil {
			return classify(err)
		}
	}
	for _, b := range doc.Binaries {
		_, err := t.tx.Exec(ctx, `
INSERT INTO binaries (item_pid, name, page, url, location, size, hash, mime)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			b.ItemPID, b.Name, b.Page, b.URL, b.Location, b.Size, b.Hash, b.MIME,
		)
		if err != nil {
			return classify(err)
		}
	}
	if prev != nil {
		return t.collect(ctx, *prev)
	}
	return nil
}

func (t *tx) Delete(ctx context.Context, pid string) error {
	doc, err := scanDocument(t.tx.QueryRow(ctx, selectDocuments+"\nWHERE i.pid = $1", pid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", library.ErrNotFound, pid)
		}
		return err
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode trash entry: %w", err)
	}
	now := t.now().UTC()
	_, err = t.tx.Exec(ctx, `
INSERT INTO trash (pid, document, deleted_at) VALUES ($1, $2, $3)
ON CONFLICT (pid) DO UPDATE SET document = EXCLUDED.document, deleted_at = EXCLUDED.deleted_at`,
		pid, encoded, now,
	)
	if err != nil {
		return classify(err)
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM items WHERE pid = $1`, pid); err != nil {
		return classify(err)
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM trash WHERE deleted_at < $1`, now.Add(-trashRetention)); err != nil {
		return classify(err)
	}
	return t.collect(ctx, removed{authorID: doc.Item.AuthorID, tags: doc.Item.Tags})
}

// removed is the author and tags a replaced or deleted item referenced.
type removed struct {
	authorID string
	tags     []string
}

// collect removes the author and tags of r that no item references any more.
// The rows are locked before the reference check, which runs as a separate
// statement so it sees items committed while the lock was awaited.
func (t *tx) collect(ctx context.Context, r removed) error {
	if r.authorID != "" {
		if _, err := t.tx.Exec(ctx, `SELECT 1 FROM authors WHERE id = $1 FOR UPDATE`, r.authorID); err != nil {
			return classify(err)
		}
		if _, err := t.tx.Exec(ctx, `
DELETE FROM authors a WHERE a.id = $1
AND NOT EXISTS (SELECT 1 FROM items i WHERE i.author_id = a.id)`, r.authorID); err != nil {
			return classify(err)
		}
	}
	if len(r.tags) > 0 {
		if _, err := t.tx.Exec(ctx, `SELECT 1 FROM tags WHERE name = ANY($1) ORDER BY name FOR UPDATE`, r.tags); err != nil {
			return classify(err)
		}
		if _, err := t.tx.Exec(ctx, `
DELETE FROM tags t WHERE t.name = ANY($1)
AND NOT EXISTS (SELECT 1 FROM items i WHERE t.name = ANY(i.tags))`, r.tags); err != nil {
			return classify(err)
		}
	}
	return nil
}

func (t *tx) PutReferences(ctx context.Context, refs library.References) error {
	for _, a := range refs.Authors {
		if a.ID == "" {
			return fmt.Errorf("%w: author id is required", library.ErrInvalid)
		}
		_, err := t.tx.Exec(ctx, `
INSERT INTO authors (id, name, account) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, account = EXCLUDED.account`,
			a.ID, a.Name, a.Account,
		)
		if err != nil {
			return classify(err)
		}
	}
	if tags := library.NormalizeTags(refs.Tags); len(tags) > 0 {
		_, err := t.tx.Exec(ctx, `INSERT INTO tags (name) SELECT unnest($1::text[]) ON CONFLICT DO NOTHING`, tags)
		if err != nil {
			return classify(err)
		}
	}
	return nil
}

func (t *tx) DropReferences(ctx context.Context, refs library.References) error {
	if len(refs.Authors) > 0 {
		ids := make([]string, 0, len(refs.Authors))
		for _, a := range refs.Authors {
			ids = append(ids, a.ID)
		}
		if _, err := t.tx.Exec(ctx, `DELETE FROM authors WHERE id = ANY($1)`, ids); err != nil {
			return classify(err)
		}
	}
	if len(refs.Tags) > 0 {
		if _, err := t.tx.Exec(ctx, `DELETE FROM tags WHERE name = ANY($1)`, refs.Tags); err != nil {
			return classify(err)
		}
	}
	return nil
}

func (t *tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return classify(err)
	}
	return nil
}

func nonNilMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
