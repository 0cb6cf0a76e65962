// Package postgres stores the library in PostgreSQL through pgx.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookmark-mirror/internal/library"
)

// Backend is the driver name.
const Backend = "postgres"

const trashRetention = 30 * 24 * time.Hour

//go:embed schema.sql
var schema string

// Config controls the connection pool.
type Config struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns" yaml:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns" yaml:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime" yaml:"max_conn_lifetime"`
}

// pool is the subset of pgxpool.Pool the driver uses; pgxmock satisfies it.
type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// querier is implemented by both pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Driver implements library.Driver.
type Driver struct {
	pool   pool
	logger *zap.Logger
	now    func() time.Time
}

// Open connects, verifies the server is reachable, and applies the schema.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Driver, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("library.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: connect postgres: %v", library.ErrUnavailable, err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("%w: ping postgres: %v", library.ErrUnavailable, err)
	}
	d, err := NewWithPool(p, logger)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := d.Migrate(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return d, nil
}

// NewWithPool constructs a driver from an existing pool (primarily for testing).
func NewWithPool(p pool, logger *zap.Logger) (*Driver, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{pool: p, logger: logger.Named("postgres"), now: time.Now}, nil
}

// Migrate creates the tables and indexes when missing.
func (d *Driver) Migrate(ctx context.Context) error {
	if _, err := d.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", classify(err))
	}
	return nil
}

// Backend implements library.Driver.
func (d *Driver) Backend() string {
	return Backend
}

// Exists implements library.Driver.
func (d *Driver) Exists(ctx context.Context, pid string) (bool, error) {
	var ok bool
	err := d.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM items WHERE pid = $1)`, pid).Scan(&ok)
	if err != nil {
		return false, classify(err)
	}
	return ok, nil
}

// Upsert implements library.Driver.
func (d *Driver) Upsert(ctx context.Context, doc library.Document, overwrite bool) error {
	return library.InTx(ctx, d, func(tx library.Tx) error {
		return tx.Upsert(ctx, doc, overwrite)
	})
}

const selectDocuments = `
SELECT
	i.pid, i.ord, i.title, i.author_id, i.tags, i.metadata, i.created_at, i.crawled_at,
	COALESCE((
		SELECT json_agg(json_build_object(
			'item_pid', b.item_pid, 'name', b.name, 'page', b.page, 'url', b.url,
			'location', b.location, 'size', b.size, 'hash', b.hash, 'mime', b.mime
		) ORDER BY b.page, b.name)
		FROM binaries b WHERE b.item_pid = i.pid
	), '[]'::json),
	COALESCE(a.id, ''), COALESCE(a.name, ''), COALESCE(a.account, '')
FROM items i
LEFT JOIN authors a ON a.id = i.author_id`

// Query implements library.Driver. Rows are streamed while the caller iterates.
func (d *Driver) Query(ctx context.Context, filter library.Filter) iter.Seq2[library.Document, error] {
	return func(yield func(library.Document, error) bool) {
		sql, args := buildQuery(filter)
		rows, err := d.pool.Query(ctx, sql, args...)
		if err != nil {
			yield(library.Document{}, classify(err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			doc, err := scanDocument(rows)
			if err != nil {
				yield(library.Document{}, err)
				return
			}
			if !yield(doc, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(library.Document{}, classify(err))
		}
	}
}

func buildQuery(filter library.Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if len(filter.PIDs) > 0 {
		where = append(where, "i.pid = ANY("+arg(filter.PIDs)+")")
	}
	if filter.AuthorID != "" {
		where = append(where, "i.author_id = "+arg(filter.AuthorID))
	}
	if filter.Tag != "" {
		where = append(where, arg(filter.Tag)+" = ANY(i.tags)")
	}
	if filter.MinOrder != 0 {
		where = append(where, "i.ord >= "+arg(filter.MinOrder))
	}
	if filter.MaxOrder != 0 {
		where = append(where, "i.ord <= "+arg(filter.MaxOrder))
	}

	var sb strings.Builder
	sb.WriteString(selectDocuments)
	if len(where) > 0 {
		sb.WriteString("\nWHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString("\nORDER BY i.ord, i.pid")
	if filter.Limit > 0 {
		sb.WriteString("\nLIMIT " + arg(filter.Limit))
	}
	return sb.String(), args
}

func scanDocument(row pgx.Row) (library.Document, error) {
	var (
		doc                 library.Document
		metadata, binaries  []byte
		authorID, name, acc string
	)
	err := row.Scan(
		&doc.Item.PID, &doc.Item.Order, &doc.Item.Title, &doc.Item.AuthorID,
		&doc.Item.Tags, &metadata, &doc.Item.CreatedAt, &doc.Item.CrawledAt,
		&binaries, &authorID, &name, &acc,
	)
	if err != nil {
		return library.Document{}, classify(err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &doc.Item.Metadata); err != nil {
			return library.Document{}, fmt.Errorf("decode metadata of %s: %w", doc.Item.PID, err)
		}
		if len(doc.Item.Metadata) == 0 {
			doc.Item.Metadata = nil
		}
	}
	if err := json.Unmarshal(binaries, &doc.Binaries); err != nil {
		return library.Document{}, fmt.Errorf("decode binaries of %s: %w", doc.Item.PID, err)
	}
	if len(doc.Item.Tags) == 0 {
		doc.Item.Tags = nil
	}
	if authorID != "" {
		doc.Author = &library.Author{ID: authorID, Name: name, Account: acc}
	}
	return doc, nil
}

// Digest implements library.Driver.
func (d *Driver) Digest(ctx context.Context) (library.Digest, error) {
	b := library.NewDigestBuilder(Backend)
	var binaries, size, authors, tags, trash int64
	err := d.pool.QueryRow(ctx, `
SELECT
	(SELECT count(*) FROM binaries),
	(SELECT COALESCE(sum(size), 0) FROM binaries),
	(SELECT count(*) FROM authors),
	(SELECT count(*) FROM tags),
	(SELECT count(*) FROM trash)`).Scan(&binaries, &size, &authors, &tags, &trash)
	if err != nil {
		return library.Digest{}, classify(err)
	}
	b.AddBinaries(binaries, size)
	b.SetCounts(authors, tags, trash)

	rows, err := d.pool.Query(ctx, `SELECT pid FROM items`)
	if err != nil {
		return library.Digest{}, classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return library.Digest{}, classify(err)
		}
		b.AddItem(pid)
	}
	if err := rows.Err(); err != nil {
		return library.Digest{}, classify(err)
	}
	return b.Digest(), nil
}

// References implements library.Driver.
func (d *Driver) References(ctx context.Context) (library.References, error) {
	var refs library.References
	rows, err := d.pool.Query(ctx, `SELECT id, name, account FROM authors ORDER BY id`)
	if err != nil {
		return library.References{}, classify(err)
	}
	for rows.Next() {
		var a library.Author
		if err := rows.Scan(&a.ID, &a.Name, &a.Account); err != nil {
			rows.Close()
			return library.References{}, classify(err)
		}
		refs.Authors = append(refs.Authors, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return library.References{}, classify(err)
	}

	rows, err = d.pool.Query(ctx, `SELECT name FROM tags ORDER BY name`)
	if err != nil {
		return library.References{}, classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return library.References{}, classify(err)
		}
		refs.Tags = append(refs.Tags, name)
	}
	if err := rows.Err(); err != nil {
		return library.References{}, classify(err)
	}
	return refs, nil
}

// Begin implements library.Driver.
func (d *Driver) Begin(ctx context.Context) (library.Tx, error) {
	t, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return &tx{tx: t, now: d.now}, nil
}

// Close implements library.Driver.
func (d *Driver) Close(_ context.Context) error {
	d.pool.Close()
	return nil
}

// classify maps pgx errors onto the library sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", library.ErrDuplicate, pgErr.Detail)
		case "57P01", "57P02", "57P03", "08000", "08003", "08006":
			return fmt.Errorf("%w: %v", library.ErrUnavailable, err)
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var connErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connErr) || errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", library.ErrUnavailable, err)
	}
	return err
}
