// Package local implements a local filesystem content store.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/bookmark-mirror/internal/content"
	"github.com/JakeFAU/bookmark-mirror/internal/hash/md5"
)

// Config captures the parameters for the local filesystem store.
type Config struct {
	// BaseDir is the root directory where payloads are stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Store writes payloads below a base directory using temp-file-then-rename.
type Store struct {
	baseDir string
	hasher  *md5.Hasher
}

// New creates a new local filesystem-backed store.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	// Check for write permissions.
	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("%w: base directory is not writable: %v", content.ErrUnwritable, err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	abs, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}
	return &Store{
		baseDir: abs,
		hasher:  md5.New(),
	}, nil
}

// BaseDir returns the root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// Stat hashes the existing file.
func (s *Store) Stat(_ context.Context, name string) (content.Object, error) {
	fullPath, clean, err := s.resolve(name)
	if err != nil {
		return content.Object{}, err
	}
	// #nosec G304 -- fullPath is confined to baseDir by resolve.
	f, err := os.Open(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return content.Object{}, fmt.Errorf("%s: %w", clean, content.ErrNotFound)
		}
		return content.Object{}, fmt.Errorf("open %s: %w", clean, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	sum, size, err := s.hasher.HashReader(f)
	if err != nil {
		return content.Object{}, fmt.Errorf("read %s: %w", clean, err)
	}
	return content.Object{
		Name:     clean,
		Location: fileURI(fullPath),
		Size:     size,
		MD5:      sum,
	}, nil
}

// Put writes data to a temporary sibling and moves it into place. Without
// overwrite the final link fails if the name exists, so concurrent writers
// never clobber each other.
func (s *Store) Put(_ context.Context, name string, _ string, data []byte, overwrite bool) (content.Object, error) {
	fullPath, clean, err := s.resolve(name)
	if err != nil {
		return content.Object{}, err
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return content.Object{}, fmt.Errorf("%w: create parent directories: %v", content.ErrUnwritable, err)
	}
	if !overwrite {
		if _, err := os.Stat(fullPath); err == nil {
			return content.Object{}, fmt.Errorf("%s: %w", clean, content.ErrExists)
		}
	}

	tmpPath, err := s.writeTemp(dir, filepath.Base(fullPath), data)
	if err != nil {
		return content.Object{}, err
	}
	defer os.Remove(tmpPath) //nolint:errcheck // gone after a successful rename or link

	if overwrite {
		if err := os.Rename(tmpPath, fullPath); err != nil {
			return content.Object{}, fmt.Errorf("%w: rename into place: %v", content.ErrUnwritable, err)
		}
	} else if err := os.Link(tmpPath, fullPath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return content.Object{}, fmt.Errorf("%s: %w", clean, content.ErrExists)
		}
		return content.Object{}, fmt.Errorf("%w: link into place: %v", content.ErrUnwritable, err)
	}

	sum, err := s.hasher.Hash(data)
	if err != nil {
		return content.Object{}, fmt.Errorf("hash %s: %w", clean, err)
	}
	return content.Object{
		Name:     clean,
		Location: fileURI(fullPath),
		Size:     int64(len(data)),
		MD5:      sum,
	}, nil
}

func (s *Store) writeTemp(dir, base string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(dir, "."+base+".*.part")
	if err != nil {
		return "", fmt.Errorf("%w: create temp file: %v", content.ErrUnwritable, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.ReadFrom(bytes.NewReader(data)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("%w: write temp file: %v", content.ErrUnwritable, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("%w: sync temp file: %v", content.ErrUnwritable, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("%w: close temp file: %v", content.ErrUnwritable, err)
	}
	return tmpPath, nil
}

func (s *Store) resolve(name string) (string, string, error) {
	clean, err := content.CleanName(name)
	if err != nil {
		return "", "", err
	}
	fullPath := filepath.Join(s.baseDir, filepath.FromSlash(clean))
	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) {
		return "", "", fmt.Errorf("path traversal detected")
	}
	return fullPath, clean, nil
}

func fileURI(p string) string {
	return "file://" + filepath.ToSlash(p)
}
