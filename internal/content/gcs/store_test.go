// Package gcs_test contains unit tests for the GCS content store.
package gcs_test

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gcsclient "cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/bookmark-mirror/internal/content"
	"github.com/JakeFAU/bookmark-mirror/internal/content/gcs"
)

// newTestStore creates a Store pointed at a test server.
func newTestStore(t *testing.T, handler http.Handler, prefix string) *gcs.Store {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := gcsclient.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := gcs.New(client, gcs.Config{Bucket: "test-bucket", Prefix: prefix})
	require.NoError(t, err)
	return store
}

func TestNewValidation(t *testing.T) {
	_, err := gcs.New(nil, gcs.Config{Bucket: "b"})
	assert.Error(t, err)
}

func TestPutUploadsWithPrefix(t *testing.T) {
	objectData := []byte("hello world")
	md5 := base64.StdEncoding.EncodeToString([]byte{
		0x5e, 0xb6, 0x3b, 0xbb, 0xe0, 0x1e, 0xee, 0xd0, 0x93, 0xcb, 0x22, 0xbb, 0x8f, 0x5a, 0xcd, 0xc3,
	})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/test-bucket/o")
		assert.Equal(t, "images/100_p0.png", r.URL.Query().Get("name"))
		assert.Equal(t, "0", r.URL.Query().Get("ifGenerationMatch"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), string(objectData))

		fmt.Fprintf(w, `{"bucket":"test-bucket","name":"images/100_p0.png","size":"11","md5Hash":%q}`, md5)
	})

	store := newTestStore(t, handler, "images/")
	obj, err := store.Put(context.Background(), "100_p0.png", "image/png", objectData, false)
	require.NoError(t, err)
	assert.Equal(t, "100_p0.png", obj.Name)
	assert.Equal(t, "gs://test-bucket/images/100_p0.png", obj.Location)
	assert.Equal(t, int64(11), obj.Size)
	assert.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", obj.MD5)
}

func TestPutPreconditionFailureMeansExists(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
		fmt.Fprintln(w, `{"error":{"code":412,"message":"conditionNotMet"}}`)
	})

	store := newTestStore(t, handler, "")
	_, err := store.Put(context.Background(), "taken.png", "", []byte("x"), false)
	require.ErrorIs(t, err, content.ErrExists)
}

func TestStatMissingObject(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/o/missing.png"), r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintln(w, `{"error":{"code":404,"message":"Not Found"}}`)
	})

	store := newTestStore(t, handler, "")
	_, err := store.Stat(context.Background(), "missing.png")
	require.ErrorIs(t, err, content.ErrNotFound)
}
