// Package content defines the binary payload store used by the scheduler.
package content

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

var (
	// ErrExists is returned by Put when overwrite is disabled and the name is taken.
	ErrExists = errors.New("content: object already exists")
	// ErrNotFound is returned by Stat for unknown names.
	ErrNotFound = errors.New("content: object not found")
	// ErrUnwritable marks failures of the store itself (permissions, disk, bucket).
	// Runs abort on it.
	ErrUnwritable = errors.New("content: store unwritable")
)

// Object describes a stored payload.
type Object struct {
	Name     string
	Location string
	Size     int64
	MD5      string
}

// Store writes payloads atomically: a reader never observes a partial object
// under its final name.
type Store interface {
	// Stat describes an existing object or returns ErrNotFound.
	Stat(ctx context.Context, name string) (Object, error)
	// Put stores data under name. With overwrite disabled an existing object
	// is left untouched and ErrExists is returned.
	Put(ctx context.Context, name string, contentType string, data []byte, overwrite bool) (Object, error)
}

// CleanName validates a relative object name and returns its canonical form.
func CleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("object name is required")
	}
	clean := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if path.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path traversal detected in %q", name)
	}
	return clean, nil
}
