// Package docfile stores the library in a single JSON document file. The
// whole file is rewritten and atomically replaced on every commit.
package docfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bookmark-mirror/internal/library"
)

// Backend is the driver name.
const Backend = "docfile"

const (
	formatVersion  = 1
	trashRetention = 30 * 24 * time.Hour
)

// Config locates the data file.
type Config struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// Driver implements library.Driver over one JSON file.
type Driver struct {
	path   string
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	state  *state
	closed bool
}

// Open loads the file at cfg.Path, starting empty when it does not exist.
func Open(cfg Config, logger *zap.Logger) (*Driver, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("docfile: path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("%w: create data directory: %v", library.ErrUnavailable, err)
	}
	st, err := load(cfg.Path)
	if err != nil {
		return nil, err
	}
	logger = logger.Named("docfile")
	logger.Info("library loaded",
		zap.String("path", cfg.Path),
		zap.Int("items", len(st.items)),
		zap.Int("trash", len(st.trash)),
	)
	return &Driver{path: cfg.Path, logger: logger, now: time.Now, state: st}, nil
}

// FileExists reports whether a data file is already present at path.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Path returns the data file location.
func (d *Driver) Path() string {
	return d.path
}

// Backend implements library.Driver.
func (d *Driver) Backend() string {
	return Backend
}

// Exists implements library.Driver.
func (d *Driver) Exists(_ context.Context, pid string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false, errClosed
	}
	_, ok := d.state.items[pid]
	return ok, nil
}

// Upsert implements library.Driver with a single-operation transaction.
func (d *Driver) Upsert(ctx context.Context, doc library.Document, overwrite bool) error {
	return library.InTx(ctx, d, func(tx library.Tx) error {
		return tx.Upsert(ctx, doc, overwrite)
	})
}

// Query implements library.Driver. Matches are copied under the read lock
// and yielded afterwards, so callers may write while iterating.
func (d *Driver) Query(ctx context.Context, filter library.Filter) iter.Seq2[library.Document, error] {
	return func(yield func(library.Document, error) bool) {
		d.mu.RLock()
		if d.closed {
			d.mu.RUnlock()
			yield(library.Document{}, errClosed)
			return
		}
		var out []library.Document
		for _, pid := range d.state.order {
			doc := d.state.items[pid]
			if !filter.Match(doc.Item) {
				continue
			}
			out = append(out, d.state.document(doc))
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
		d.mu.RUnlock()

		for _, doc := range out {
			if err := ctx.Err(); err != nil {
				yield(library.Document{}, err)
				return
			}
			if !yield(doc, nil) {
				return
			}
		}
	}
}

// Digest implements library.Driver.
func (d *Driver) Digest(_ context.Context) (library.Digest, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return library.Digest{}, errClosed
	}
	b := library.NewDigestBuilder(Backend)
	for _, doc := range d.state.items {
		b.AddItem(doc.Item.PID)
		b.AddBinaries(int64(len(doc.Binaries)), doc.Size())
	}
	b.SetCounts(int64(len(d.state.authors)), int64(len(d.state.tags)), int64(len(d.state.trash)))
	return b.Digest(), nil
}

// References implements library.Driver.
func (d *Driver) References(_ context.Context) (library.References, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return library.References{}, errClosed
	}
	var refs library.References
	for _, a := range d.state.authors {
		refs.Authors = append(refs.Authors, a)
	}
	slices.SortFunc(refs.Authors, func(a, b library.Author) int { return strings.Compare(a.ID, b.ID) })
	for name := range d.state.tags {
		refs.Tags = append(refs.Tags, name)
	}
	slices.Sort(refs.Tags)
	return refs, nil
}

// Begin implements library.Driver.
func (d *Driver) Begin(_ context.Context) (library.Tx, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, errClosed
	}
	return &tx{driver: d}, nil
}

// Close implements library.Driver.
func (d *Driver) Close(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

var errClosed = fmt.Errorf("%w: docfile driver closed", library.ErrUnavailable)

// commit applies ops to a copy of the state, persists it, and swaps it in.
// On any failure the previous state stays in place. Each commit clones the
// state and rewrites the whole file, so n single-item commits write O(n²)
// bytes; callers with many documents at hand stage them in one Tx.
func (d *Driver) commit(ops []op) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errClosed
	}
	next := d.state.clone()
	now := d.now().UTC()
	for _, o := range ops {
		if err := next.apply(o, now); err != nil {
			return err
		}
	}
	next.purgeTrash(now.Add(-trashRetention))
	next.reindex()
	if err := save(d.path, next); err != nil {
		d.logger.Error("persist library failed", zap.String("path", d.path), zap.Error(err))
		return err
	}
	d.state = next
	return nil
}

type opKind int

const (
	opUpsert opKind = iota
	opDelete
	opPutRefs
	opDropRefs
)

type op struct {
	kind      opKind
	doc       library.Document
	pid       string
	overwrite bool
	refs      library.References
}

type tx struct {
	driver *Driver
	ops    []op
	done   bool
}

var errTxDone = errors.New("docfile: transaction already finished")

func (t *tx) Upsert(_ context.Context, doc library.Document, overwrite bool) error {
	if t.done {
		return errTxDone
	}
	doc, err := library.PrepareDocument(doc)
	if err != nil {
		return err
	}
	if !overwrite {
		if t.staged(doc.Item.PID) {
			return fmt.Errorf("%w: %s", library.ErrDuplicate, doc.Item.PID)
		}
		ok, err := t.driver.Exists(context.Background(), doc.Item.PID)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: %s", library.ErrDuplicate, doc.Item.PID)
		}
	}
	t.ops = append(t.ops, op{kind: opUpsert, doc: doc, pid: doc.Item.PID, overwrite: overwrite})
	return nil
}

func (t *tx) Delete(_ context.Context, pid string) error {
	if t.done {
		return errTxDone
	}
	if !t.staged(pid) {
		ok, err := t.driver.Exists(context.Background(), pid)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", library.ErrNotFound, pid)
		}
	}
	t.ops = append(t.ops, op{kind: opDelete, pid: pid})
	return nil
}

func (t *tx) PutReferences(_ context.Context, refs library.References) error {
	if t.done {
		return errTxDone
	}
	for _, a := range refs.Authors {
		if a.ID == "" {
			return fmt.Errorf("%w: author id is required", library.ErrInvalid)
		}
	}
	t.ops = append(t.ops, op{kind: opPutRefs, refs: refs})
	return nil
}

func (t *tx) DropReferences(_ context.Context, refs library.References) error {
	if t.done {
		return errTxDone
	}
	t.ops = append(t.ops, op{kind: opDropRefs, refs: refs})
	return nil
}

func (t *tx) staged(pid string) bool {
	present := false
	for _, o := range t.ops {
		if o.pid == pid {
			present = o.kind == opUpsert
		}
	}
	return present
}

func (t *tx) Commit(_ context.Context) error {
	if t.done {
		return errTxDone
	}
	t.done = true
	if len(t.ops) == 0 {
		return nil
	}
	return t.driver.commit(t.ops)
}

func (t *tx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.ops = nil
	return nil
}

type trashEntry struct {
	Document  library.Document `json:"document"`
	DeletedAt time.Time        `json:"deleted_at"`
}

type state struct {
	items   map[string]library.Document
	authors map[string]library.Author
	tags    map[string]struct{}
	trash   map[string]trashEntry
	order   []string
}

func newState() *state {
	return &state{
		items:   make(map[string]library.Document),
		authors: make(map[string]library.Author),
		tags:    make(map[string]struct{}),
		trash:   make(map[string]trashEntry),
	}
}

func (s *state) clone() *state {
	return &state{
		items:   cloneMap(s.items),
		authors: cloneMap(s.authors),
		tags:    cloneMap(s.tags),
		trash:   cloneMap(s.trash),
		order:   slices.Clone(s.order),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// document attaches the author record, when one is registered.
func (s *state) document(doc library.Document) library.Document {
	doc.Binaries = slices.Clone(doc.Binaries)
	doc.Item.Tags = slices.Clone(doc.Item.Tags)
	if a, ok := s.authors[doc.Item.AuthorID]; ok {
		doc.Author = &a
	}
	return doc
}

func (s *state) apply(o op, now time.Time) error {
	switch o.kind {
	case opUpsert:
		prev, exists := s.items[o.pid]
		if exists && !o.overwrite {
			return fmt.Errorf("%w: %s", library.ErrDuplicate, o.pid)
		}
		doc := o.doc
		if doc.Author != nil {
			s.authors[doc.Author.ID] = *doc.Author
			doc.Author = nil
		}
		s.items[o.pid] = doc
		for _, t := range doc.Item.Tags {
			s.tags[t] = struct{}{}
		}
		if exists {
			s.collect(prev)
		}
	case opDelete:
		prev, exists := s.items[o.pid]
		if !exists {
			return fmt.Errorf("%w: %s", library.ErrNotFound, o.pid)
		}
		delete(s.items, o.pid)
		s.trash[o.pid] = trashEntry{Document: s.document(prev), DeletedAt: now}
		s.collect(prev)
	case opPutRefs:
		for _, a := range o.refs.Authors {
			s.authors[a.ID] = a
		}
		for _, t := range library.NormalizeTags(o.refs.Tags) {
			s.tags[t] = struct{}{}
		}
	case opDropRefs:
		for _, a := range o.refs.Authors {
			delete(s.authors, a.ID)
		}
		for _, t := range o.refs.Tags {
			delete(s.tags, t)
		}
	}
	return nil
}

// collect drops the author and tags of a removed document that no remaining
// item references.
func (s *state) collect(removed library.Document) {
	if len(removed.Item.Tags) == 0 && removed.Item.AuthorID == "" {
		return
	}
	authorUsed := false
	tagsUsed := make(map[string]bool, len(removed.Item.Tags))
	for _, doc := range s.items {
		if removed.Item.AuthorID != "" && doc.Item.AuthorID == removed.Item.AuthorID {
			authorUsed = true
		}
		for _, t := range doc.Item.Tags {
			if slices.Contains(removed.Item.Tags, t) {
				tagsUsed[t] = true
			}
		}
	}
	if removed.Item.AuthorID != "" && !authorUsed {
		delete(s.authors, removed.Item.AuthorID)
	}
	for _, t := range removed.Item.Tags {
		if !tagsUsed[t] {
			delete(s.tags, t)
		}
	}
}

func (s *state) purgeTrash(cutoff time.Time) {
	for pid, e := range s.trash {
		if e.DeletedAt.Before(cutoff) {
			delete(s.trash, pid)
		}
	}
}

func (s *state) reindex() {
	s.order = s.order[:0]
	for pid := range s.items {
		s.order = append(s.order, pid)
	}
	slices.SortFunc(s.order, func(a, b string) int {
		return library.Less(s.items[a].Item, s.items[b].Item)
	})
}
