// Package gcs provides a content store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/JakeFAU/bookmark-mirror/internal/content"
)

// Config captures the parameters required to write to a bucket.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// Store writes payloads to a configured GCS bucket. An object only becomes
// visible when its writer is closed, which gives the same all-or-nothing
// guarantee as a local rename.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed store.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Stat reads object attributes. GCS keeps the MD5 of every non-composite object.
func (s *Store) Stat(ctx context.Context, name string) (content.Object, error) {
	key, clean, err := s.key(name)
	if err != nil {
		return content.Object{}, err
	}
	attrs, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return content.Object{}, fmt.Errorf("%s: %w", clean, content.ErrNotFound)
		}
		return content.Object{}, fmt.Errorf("object attrs %s: %w", clean, err)
	}
	return s.object(clean, key, attrs), nil
}

// Put uploads data. Without overwrite the upload carries a DoesNotExist
// precondition so a concurrent writer cannot be clobbered.
func (s *Store) Put(ctx context.Context, name string, contentType string, data []byte, overwrite bool) (content.Object, error) {
	key, clean, err := s.key(name)
	if err != nil {
		return content.Object{}, err
	}
	obj := s.client.Bucket(s.bucket).Object(key)
	if !overwrite {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	}
	writer := obj.NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return content.Object{}, classify(clean, fmt.Errorf("write object: %w (close writer: %v)", err, closeErr))
		}
		return content.Object{}, classify(clean, fmt.Errorf("write object: %w", err))
	}
	if err := writer.Close(); err != nil {
		return content.Object{}, classify(clean, fmt.Errorf("close writer: %w", err))
	}
	out := content.Object{
		Name:     clean,
		Location: fmt.Sprintf("gs://%s/%s", s.bucket, key),
		Size:     int64(len(data)),
	}
	if attrs := writer.Attrs(); attrs != nil {
		out = s.object(clean, key, attrs)
	}
	return out, nil
}

func (s *Store) object(name, key string, attrs *storage.ObjectAttrs) content.Object {
	return content.Object{
		Name:     name,
		Location: fmt.Sprintf("gs://%s/%s", s.bucket, key),
		Size:     attrs.Size,
		MD5:      hex.EncodeToString(attrs.MD5),
	}
}

func (s *Store) key(name string) (string, string, error) {
	clean, err := content.CleanName(name)
	if err != nil {
		return "", "", err
	}
	if s.prefix == "" {
		return clean, clean, nil
	}
	return path.Join(s.prefix, clean), clean, nil
}

func classify(name string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusPreconditionFailed:
			return fmt.Errorf("%s: %w", name, content.ErrExists)
		case http.StatusForbidden, http.StatusUnauthorized, http.StatusNotFound:
			return fmt.Errorf("%w: %s: %v", content.ErrUnwritable, name, err)
		}
	}
	return fmt.Errorf("%s: %w", name, err)
}
