// Package config loads and validates mirror configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/bookmark-mirror/internal/api"
	"github.com/JakeFAU/bookmark-mirror/internal/content/gcs"
	"github.com/JakeFAU/bookmark-mirror/internal/content/local"
	"github.com/JakeFAU/bookmark-mirror/internal/library/docfile"
	"github.com/JakeFAU/bookmark-mirror/internal/library/mongodb"
	"github.com/JakeFAU/bookmark-mirror/internal/library/postgres"
	"github.com/JakeFAU/bookmark-mirror/internal/logging"
	notifypubsub "github.com/JakeFAU/bookmark-mirror/internal/notify/pubsub"
	"github.com/JakeFAU/bookmark-mirror/internal/resolver"
	"github.com/JakeFAU/bookmark-mirror/internal/retry"
	"github.com/JakeFAU/bookmark-mirror/internal/scheduler"
	"github.com/JakeFAU/bookmark-mirror/internal/snapshot"
	"github.com/JakeFAU/bookmark-mirror/internal/source/pixiv"
)

// EnvPrefix prefixes every environment override, e.g. MIRROR_SOURCE_USER_ID.
const EnvPrefix = "MIRROR"

// Content store backends.
const (
	ContentLocal = "local"
	ContentGCS   = "gcs"
)

// Config captures all mirror configuration knobs loaded via Viper.
type Config struct {
	Logging  logging.Config   `mapstructure:"logging"`
	Source   SourceConfig     `mapstructure:"source"`
	Fetch    FetchConfig      `mapstructure:"fetch"`
	Download scheduler.Config `mapstructure:"download"`
	Resolver ResolverConfig   `mapstructure:"resolver"`
	Library  LibraryConfig    `mapstructure:"library"`
	Content  ContentConfig    `mapstructure:"content"`
	Notify   NotifyConfig     `mapstructure:"notify"`
	Snapshot snapshot.Config  `mapstructure:"snapshot"`
	Server   api.Config       `mapstructure:"server"`
}

// SourceConfig selects whose bookmarks are mirrored.
type SourceConfig struct {
	Host     string `mapstructure:"host"`
	UserID   string `mapstructure:"user_id"`
	Session  string `mapstructure:"session"`
	Private  bool   `mapstructure:"private"`
	Tag      string `mapstructure:"tag"`
	Lang     string `mapstructure:"lang"`
	PageSize int    `mapstructure:"page_size"`
}

// Pixiv converts the section into client settings.
func (s SourceConfig) Pixiv() pixiv.Config {
	return pixiv.Config{
		Host:    s.Host,
		UserID:  s.UserID,
		Session: s.Session,
		Private: s.Private,
		Tag:     s.Tag,
		Lang:    s.Lang,
	}
}

// FetchConfig governs outbound HTTP.
type FetchConfig struct {
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
	// Interval is the minimum spacing between two request starts.
	Interval     time.Duration `mapstructure:"interval"`
	MaxBodyBytes int           `mapstructure:"max_body_bytes"`
	// GiveUpOn lists statuses that are not retried. Empty retries them all.
	GiveUpOn []int       `mapstructure:"give_up_on"`
	Retry    RetryConfig `mapstructure:"retry"`
}

// RetryConfig configures backoff for failed fetches.
type RetryConfig struct {
	MaxAttempts         int           `mapstructure:"max_attempts"`
	Initial             time.Duration `mapstructure:"initial"`
	Factor              float64       `mapstructure:"factor"`
	Max                 time.Duration `mapstructure:"max"`
	RateLimitMultiplier float64       `mapstructure:"rate_limit_multiplier"`
	RateLimitMax        time.Duration `mapstructure:"rate_limit_max"`
}

// Policy converts the section into retry settings.
func (r RetryConfig) Policy() retry.Config {
	return retry.Config{
		MaxAttempts:         r.MaxAttempts,
		Initial:             r.Initial,
		Factor:              r.Factor,
		Max:                 r.Max,
		RateLimitMultiplier: r.RateLimitMultiplier,
		RateLimitMax:        r.RateLimitMax,
	}
}

// ResolverConfig tunes start detection.
type ResolverConfig struct {
	Lookback int `mapstructure:"lookback"`
}

// LibraryConfig selects and configures the persistence driver.
type LibraryConfig struct {
	Backend  string          `mapstructure:"backend"`
	Docfile  docfile.Config  `mapstructure:"docfile"`
	MongoDB  mongodb.Config  `mapstructure:"mongodb"`
	Postgres postgres.Config `mapstructure:"postgres"`
}

// Validate checks that the selected backend is fully configured.
func (l LibraryConfig) Validate() error {
	switch l.Backend {
	case docfile.Backend:
		if strings.TrimSpace(l.Docfile.Path) == "" {
			return fmt.Errorf("library.docfile.path must be set for the docfile backend")
		}
	case mongodb.Backend:
		if l.MongoDB.URI == "" {
			return fmt.Errorf("library.mongodb.uri must be set for the mongodb backend")
		}
	case postgres.Backend:
		if l.Postgres.DSN == "" {
			return fmt.Errorf("library.postgres.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("library.backend %q is not one of docfile, mongodb, postgres", l.Backend)
	}
	return nil
}

// ContentConfig selects where payloads are written.
type ContentConfig struct {
	Backend string       `mapstructure:"backend"`
	Local   local.Config `mapstructure:"local"`
	GCS     gcs.Config   `mapstructure:"gcs"`
}

// NotifyConfig lists the run notifiers.
type NotifyConfig struct {
	Log    bool         `mapstructure:"log"`
	PubSub PubSubConfig `mapstructure:"pubsub"`
}

// PubSubConfig enables the Pub/Sub run report.
type PubSubConfig struct {
	Enabled bool `mapstructure:"enabled"`

	notifypubsub.Config `mapstructure:",squash"`
}

// Load builds a Config from .env, disk and environment, in that order of
// increasing precedence for the environment.
func Load(path string) (Config, error) {
	if err := loadDotEnv(); err != nil {
		return Config{}, err
	}
	v := newViper()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadLibrary reads only the library section of the file at path. It is used
// for the source and target of a migration.
func LoadLibrary(path string) (LibraryConfig, error) {
	if path == "" {
		return LibraryConfig{}, fmt.Errorf("library config path is required")
	}
	v := viper.New()
	setLibraryDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return LibraryConfig{}, fmt.Errorf("read library config: %w", err)
	}

	var cfg LibraryConfig
	if err := v.UnmarshalKey("library", &cfg); err != nil {
		return LibraryConfig{}, fmt.Errorf("unmarshal library config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return LibraryConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// loadDotEnv exports variables from ./.env without overriding the real
// environment. A missing file is fine.
func loadDotEnv() error {
	err := godotenv.Load()
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load .env: %w", err)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")

	v.SetDefault("source.host", pixiv.DefaultHost)
	v.SetDefault("source.user_id", "")
	v.SetDefault("source.session", "")
	v.SetDefault("source.private", false)
	v.SetDefault("source.tag", "")
	v.SetDefault("source.lang", "en")
	v.SetDefault("source.page_size", pixiv.PageSize)

	v.SetDefault("fetch.user_agent", "bookmark-mirror/0.1")
	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.interval", "1s")
	v.SetDefault("fetch.max_body_bytes", 0)
	v.SetDefault("fetch.give_up_on", []int{})
	v.SetDefault("fetch.retry.max_attempts", retry.DefaultMaxAttempts)
	v.SetDefault("fetch.retry.initial", retry.DefaultInitial.String())
	v.SetDefault("fetch.retry.factor", retry.DefaultFactor)
	v.SetDefault("fetch.retry.max", retry.DefaultMax.String())
	v.SetDefault("fetch.retry.rate_limit_multiplier", retry.DefaultRateLimitMultiplier)
	v.SetDefault("fetch.retry.rate_limit_max", retry.DefaultRateLimitMax.String())

	v.SetDefault("download.workers", scheduler.DefaultWorkers)
	v.SetDefault("download.queue_depth", scheduler.DefaultQueueDepth)
	v.SetDefault("download.overwrite", false)

	v.SetDefault("resolver.lookback", resolver.DefaultLookback)

	setLibraryDefaults(v)

	v.SetDefault("content.backend", ContentLocal)
	v.SetDefault("content.local.base_dir", "data/files")
	v.SetDefault("content.gcs.bucket", "")
	v.SetDefault("content.gcs.prefix", "")

	v.SetDefault("notify.log", true)
	v.SetDefault("notify.pubsub.enabled", false)
	v.SetDefault("notify.pubsub.project_id", "")
	v.SetDefault("notify.pubsub.topic_id", "")

	v.SetDefault("snapshot.enabled", false)
	v.SetDefault("snapshot.remote", "")
	v.SetDefault("snapshot.binary", "git")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.api_key", "")
}

func setLibraryDefaults(v *viper.Viper) {
	v.SetDefault("library.backend", docfile.Backend)
	v.SetDefault("library.docfile.path", "data/library.json")
	v.SetDefault("library.mongodb.uri", "")
	v.SetDefault("library.mongodb.database", "bookmarks")
	v.SetDefault("library.mongodb.connect_timeout", "10s")
	v.SetDefault("library.postgres.dsn", "")
	v.SetDefault("library.postgres.max_conns", 4)
	v.SetDefault("library.postgres.min_conns", 0)
	v.SetDefault("library.postgres.max_conn_lifetime", "30m")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Source.PageSize <= 0 {
		return fmt.Errorf("source.page_size must be > 0")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.Interval < 0 {
		return fmt.Errorf("fetch.interval must be >= 0")
	}
	if c.Download.Workers <= 0 {
		return fmt.Errorf("download.workers must be > 0")
	}
	if c.Download.QueueDepth <= 0 {
		return fmt.Errorf("download.queue_depth must be > 0")
	}
	if c.Resolver.Lookback <= 0 {
		return fmt.Errorf("resolver.lookback must be > 0")
	}
	if err := c.Library.Validate(); err != nil {
		return err
	}
	switch c.Content.Backend {
	case ContentLocal:
		if strings.TrimSpace(c.Content.Local.BaseDir) == "" {
			return fmt.Errorf("content.local.base_dir must be set for the local backend")
		}
	case ContentGCS:
		if c.Content.GCS.Bucket == "" {
			return fmt.Errorf("content.gcs.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("content.backend %q is not one of local, gcs", c.Content.Backend)
	}
	if c.Notify.PubSub.Enabled && (c.Notify.PubSub.ProjectID == "" || c.Notify.PubSub.TopicID == "") {
		return fmt.Errorf("notify.pubsub.project_id and notify.pubsub.topic_id must be set when pubsub is enabled")
	}
	if c.Snapshot.Enabled && c.Library.Backend != docfile.Backend {
		return fmt.Errorf("snapshot.enabled requires the docfile library backend")
	}
	if c.Server.Enabled && c.Server.Addr == "" {
		return fmt.Errorf("server.addr must be set when the server is enabled")
	}
	return nil
}
