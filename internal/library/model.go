// Package library defines the generic bookmark data model, the persistence
// driver contract, and the backend-agnostic Library facade.
package library

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Item is one mirrored bookmark record.
type Item struct {
	PID       string            `json:"pid"`
	Order     int64             `json:"order"`
	Title     string            `json:"title"`
	AuthorID  string            `json:"author_id,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	CrawledAt time.Time         `json:"crawled_at"`
}

// Binary is a payload owned by an Item. The bytes live in the content store;
// Location points at them.
type Binary struct {
	ItemPID  string `json:"item_pid"`
	Name     string `json:"name"`
	Page     int    `json:"page"`
	URL      string `json:"url,omitempty"`
	Location string `json:"location"`
	Size     int64  `json:"size"`
	Hash     string `json:"hash"`
	MIME     string `json:"mime,omitempty"`
}

// Author is referenced by Items through Item.AuthorID.
type Author struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Account string `json:"account,omitempty"`
}

// Tag is a label shared between Items.
type Tag struct {
	Name string `json:"name"`
}

// References is a set of author and tag records.
type References struct {
	Authors []Author `json:"authors,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// Empty reports whether refs names nothing.
func (r References) Empty() bool {
	return len(r.Authors) == 0 && len(r.Tags) == 0
}

// Document is the unit a driver commits atomically.
type Document struct {
	Item     Item     `json:"item"`
	Binaries []Binary `json:"binaries"`
	Author   *Author  `json:"author,omitempty"`
}

// Normalize sorts and de-duplicates tags and fills missing binary owners.
func (d *Document) Normalize() {
	d.Item.Tags = NormalizeTags(d.Item.Tags)
	for i := range d.Binaries {
		if d.Binaries[i].ItemPID == "" {
			d.Binaries[i].ItemPID = d.Item.PID
		}
	}
	if d.Author != nil && d.Item.AuthorID == "" {
		d.Item.AuthorID = d.Author.ID
	}
}

// Validate reports structural problems that no backend can store.
func (d Document) Validate() error {
	if strings.TrimSpace(d.Item.PID) == "" {
		return fmt.Errorf("%w: item pid is required", ErrInvalid)
	}
	seen := make(map[string]struct{}, len(d.Binaries))
	for _, b := range d.Binaries {
		if b.ItemPID != d.Item.PID {
			return fmt.Errorf("%w: binary %q belongs to %q, not %q", ErrInvalid, b.Name, b.ItemPID, d.Item.PID)
		}
		if b.Name == "" {
			return fmt.Errorf("%w: binary name is required for item %q", ErrInvalid, d.Item.PID)
		}
		if _, dup := seen[b.Name]; dup {
			return fmt.Errorf("%w: duplicate binary %q in item %q", ErrInvalid, b.Name, d.Item.PID)
		}
		seen[b.Name] = struct{}{}
	}
	if d.Author != nil {
		if d.Author.ID == "" {
			return fmt.Errorf("%w: author id is required", ErrInvalid)
		}
		if d.Item.AuthorID != d.Author.ID {
			return fmt.Errorf("%w: item %q references author %q but carries %q",
				ErrInvalid, d.Item.PID, d.Item.AuthorID, d.Author.ID)
		}
	}
	return nil
}

// Size returns the total byte size of the document's binaries.
func (d Document) Size() int64 {
	var total int64
	for _, b := range d.Binaries {
		total += b.Size
	}
	return total
}

// NormalizeTags returns the tag set sorted with blanks and duplicates removed.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Filter narrows a Query. Zero values mean "no constraint".
type Filter struct {
	PIDs     []string
	AuthorID string
	Tag      string
	MinOrder int64
	MaxOrder int64
	Limit    int
}

// Match reports whether the item satisfies the filter. Limit is not applied.
func (f Filter) Match(item Item) bool {
	if len(f.PIDs) > 0 && !slices.Contains(f.PIDs, item.PID) {
		return false
	}
	if f.AuthorID != "" && item.AuthorID != f.AuthorID {
		return false
	}
	if f.Tag != "" && !slices.Contains(item.Tags, f.Tag) {
		return false
	}
	if f.MinOrder != 0 && item.Order < f.MinOrder {
		return false
	}
	if f.MaxOrder != 0 && item.Order > f.MaxOrder {
		return false
	}
	return true
}

// Less orders items by Order, then PID.
func Less(a, b Item) int {
	switch {
	case a.Order < b.Order:
		return -1
	case a.Order > b.Order:
		return 1
	default:
		return strings.Compare(a.PID, b.PID)
	}
}
