package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://www.pixiv.net", cfg.Source.Host)
	assert.Equal(t, 48, cfg.Source.PageSize)
	assert.Equal(t, 30*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, time.Second, cfg.Fetch.Interval)
	assert.Equal(t, 10, cfg.Fetch.Retry.MaxAttempts)
	assert.InDelta(t, 1.7, cfg.Fetch.Retry.Factor, 1e-9)
	assert.Equal(t, 2*time.Minute, cfg.Fetch.Retry.RateLimitMax)
	assert.Empty(t, cfg.Fetch.GiveUpOn)
	assert.Equal(t, 4, cfg.Download.Workers)
	assert.Equal(t, 64, cfg.Download.QueueDepth)
	assert.Equal(t, 3, cfg.Resolver.Lookback)
	assert.Equal(t, "docfile", cfg.Library.Backend)
	assert.Equal(t, "data/library.json", cfg.Library.Docfile.Path)
	assert.Equal(t, "bookmarks", cfg.Library.MongoDB.Database)
	assert.Equal(t, 10*time.Second, cfg.Library.MongoDB.ConnectTimeout)
	assert.Equal(t, ContentLocal, cfg.Content.Backend)
	assert.Equal(t, "data/files", cfg.Content.Local.BaseDir)
	assert.True(t, cfg.Notify.Log)
	assert.False(t, cfg.Notify.PubSub.Enabled)
	assert.Equal(t, "git", cfg.Snapshot.Binary)
	assert.False(t, cfg.Server.Enabled)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeFile(t, `
logging:
  development: false
source:
  user_id: "11"
  session: abc
  private: true
  tag: 風景
fetch:
  timeout: 45s
  interval: 2500ms
  give_up_on: [404, 410]
  retry:
    max_attempts: 4
    initial: 100ms
download:
  workers: 8
  overwrite: true
library:
  backend: mongodb
  mongodb:
    uri: mongodb://db:27017/?replicaSet=rs0
content:
  backend: gcs
  gcs:
    bucket: mirror
    prefix: files
notify:
  pubsub:
    enabled: true
    project_id: proj
    topic_id: runs
server:
  enabled: true
  addr: 127.0.0.1:9090
  api_key: secret
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.False(t, cfg.Logging.Development)
	assert.Equal(t, "11", cfg.Source.UserID)
	assert.Equal(t, "風景", cfg.Source.Tag)
	px := cfg.Source.Pixiv()
	assert.True(t, px.Private)
	assert.Equal(t, "abc", px.Session)
	assert.Equal(t, 45*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 2500*time.Millisecond, cfg.Fetch.Interval)
	assert.Equal(t, []int{404, 410}, cfg.Fetch.GiveUpOn)
	policy := cfg.Fetch.Retry.Policy()
	assert.Equal(t, 4, policy.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, policy.Initial)
	assert.Equal(t, 8, cfg.Download.Workers)
	assert.True(t, cfg.Download.Overwrite)
	assert.Equal(t, "mongodb", cfg.Library.Backend)
	assert.Equal(t, "bookmarks", cfg.Library.MongoDB.Database)
	assert.Equal(t, "mirror", cfg.Content.GCS.Bucket)
	assert.True(t, cfg.Notify.PubSub.Enabled)
	assert.Equal(t, "proj", cfg.Notify.PubSub.ProjectID)
	assert.Equal(t, "runs", cfg.Notify.PubSub.TopicID)
	assert.Equal(t, "secret", cfg.Server.APIKey)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("MIRROR_SOURCE_USER_ID", "42")
	t.Setenv("MIRROR_DOWNLOAD_WORKERS", "2")
	t.Setenv("MIRROR_LIBRARY_DOCFILE_PATH", "/srv/lib.json")

	path := writeFile(t, "download:\n  workers: 9\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "42", cfg.Source.UserID)
	assert.Equal(t, 2, cfg.Download.Workers)
	assert.Equal(t, "/srv/lib.json", cfg.Library.Docfile.Path)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestLoadLibrary(t *testing.T) {
	t.Parallel()

	path := writeFile(t, `
library:
  backend: postgres
  postgres:
    dsn: postgres://localhost/mirror
source:
  user_id: ignored
`)
	lib, err := LoadLibrary(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", lib.Backend)
	assert.Equal(t, "postgres://localhost/mirror", lib.Postgres.DSN)
	assert.Equal(t, int32(4), lib.Postgres.MaxConns)
	assert.Equal(t, 30*time.Minute, lib.Postgres.MaxConnLifetime)

	defaulted, err := LoadLibrary(writeFile(t, "logging:\n  development: true\n"))
	require.NoError(t, err)
	assert.Equal(t, "docfile", defaulted.Backend)

	_, err = LoadLibrary(writeFile(t, "library:\n  backend: mongodb\n"))
	require.ErrorContains(t, err, "library.mongodb.uri")

	_, err = LoadLibrary("")
	require.Error(t, err)
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"page size", func(c *Config) { c.Source.PageSize = 0 }, "source.page_size"},
		{"timeout", func(c *Config) { c.Fetch.Timeout = 0 }, "fetch.timeout"},
		{"interval", func(c *Config) { c.Fetch.Interval = -time.Second }, "fetch.interval"},
		{"workers", func(c *Config) { c.Download.Workers = 0 }, "download.workers"},
		{"queue depth", func(c *Config) { c.Download.QueueDepth = 0 }, "download.queue_depth"},
		{"lookback", func(c *Config) { c.Resolver.Lookback = 0 }, "resolver.lookback"},
		{"unknown backend", func(c *Config) { c.Library.Backend = "sqlite" }, "library.backend"},
		{"docfile path", func(c *Config) { c.Library.Docfile.Path = " " }, "library.docfile.path"},
		{"postgres dsn", func(c *Config) { c.Library.Backend = "postgres" }, "library.postgres.dsn"},
		{"content backend", func(c *Config) { c.Content.Backend = "s3" }, "content.backend"},
		{"local base dir", func(c *Config) { c.Content.Local.BaseDir = "" }, "content.local.base_dir"},
		{"gcs bucket", func(c *Config) { c.Content.Backend = ContentGCS }, "content.gcs.bucket"},
		{"pubsub topic", func(c *Config) { c.Notify.PubSub.Enabled = true }, "notify.pubsub"},
		{"server addr", func(c *Config) {
			c.Server.Enabled = true
			c.Server.Addr = ""
		}, "server.addr"},
		{"snapshot backend", func(c *Config) {
			c.Snapshot.Enabled = true
			c.Library.Backend = "mongodb"
			c.Library.MongoDB.URI = "mongodb://db"
		}, "snapshot.enabled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
