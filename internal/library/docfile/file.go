package docfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/JakeFAU/bookmark-mirror/internal/library"
)

// fileDoc is the on-disk layout: one collection per record kind.
type fileDoc struct {
	Version int              `json:"version"`
	Items   []itemRecord     `json:"items"`
	Authors []library.Author `json:"authors"`
	Tags    []library.Tag    `json:"tags"`
	Trash   []trashEntry     `json:"trash"`
}

type itemRecord struct {
	library.Item
	Binaries []library.Binary `json:"binaries"`
}

func load(path string) (*state, error) {
	st := newState()
	// #nosec G304 -- path comes from operator configuration.
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return st, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", library.ErrUnavailable, path, err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return st, nil
	}
	var doc fileDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", library.ErrUnavailable, path, err)
	}
	if doc.Version > formatVersion {
		return nil, fmt.Errorf("%w: %s has format version %d, newest supported is %d",
			library.ErrUnavailable, path, doc.Version, formatVersion)
	}
	for _, rec := range doc.Items {
		st.items[rec.PID] = library.Document{Item: rec.Item, Binaries: rec.Binaries}
	}
	for _, a := range doc.Authors {
		st.authors[a.ID] = a
	}
	for _, t := range doc.Tags {
		st.tags[t.Name] = struct{}{}
	}
	for _, e := range doc.Trash {
		st.trash[e.Document.Item.PID] = e
	}
	st.reindex()
	return st, nil
}

func save(path string, st *state) error {
	doc := fileDoc{
		Version: formatVersion,
		Items:   make([]itemRecord, 0, len(st.order)),
		Authors: make([]library.Author, 0, len(st.authors)),
		Tags:    make([]library.Tag, 0, len(st.tags)),
		Trash:   make([]trashEntry, 0, len(st.trash)),
	}
	for _, pid := range st.order {
		d := st.items[pid]
		doc.Items = append(doc.Items, itemRecord{Item: d.Item, Binaries: d.Binaries})
	}
	for _, a := range st.authors {
		doc.Authors = append(doc.Authors, a)
	}
	slices.SortFunc(doc.Authors, func(a, b library.Author) int { return strings.Compare(a.ID, b.ID) })
	for name := range st.tags {
		doc.Tags = append(doc.Tags, library.Tag{Name: name})
	}
	slices.SortFunc(doc.Tags, func(a, b library.Tag) int { return strings.Compare(a.Name, b.Name) })
	for _, e := range st.trash {
		doc.Trash = append(doc.Trash, e)
	}
	slices.SortFunc(doc.Trash, func(a, b trashEntry) int {
		return strings.Compare(a.Document.Item.PID, b.Document.Item.PID)
	})

	raw, err := json.MarshalIndent(doc, "", " ")
	if err != nil {
		return fmt.Errorf("docfile: encode: %w", err)
	}
	return replaceFile(path, raw)
}

// replaceFile writes data beside path and renames it into place.
func replaceFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", library.ErrUnavailable, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("%w: write temp file: %v", library.ErrUnavailable, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("%w: sync temp file: %v", library.ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: close temp file: %v", library.ErrUnavailable, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: replace %s: %v", library.ErrUnavailable, path, err)
	}
	return nil
}
