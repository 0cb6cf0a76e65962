// Package snapshot commits the single-file library to a git repository
// after each run, and optionally pushes it.
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

const (
	remoteName = "lib"
	branch     = "master"
)

// Config controls the snapshotter.
type Config struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Remote, when set, receives a push after every commit.
	Remote string `mapstructure:"remote" yaml:"remote"`
	// Binary overrides the git executable.
	Binary string `mapstructure:"binary" yaml:"binary"`
}

// Git snapshots files with the git command line.
type Git struct {
	cfg    Config
	logger *zap.Logger
}

// New returns a Git snapshotter.
func New(cfg Config, logger *zap.Logger) *Git {
	if cfg.Binary == "" {
		cfg.Binary = "git"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Git{cfg: cfg, logger: logger.Named("snapshot")}
}

// Snapshot stages path and commits it in the repository of its directory,
// creating the repository on first use. An unchanged file is not an error.
func (g *Git) Snapshot(ctx context.Context, path, message string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	dir := filepath.Dir(abs)
	if _, err := os.Stat(filepath.Join(dir, ".git")); errors.Is(err, os.ErrNotExist) {
		if _, err := g.git(ctx, dir, "init", "--initial-branch="+branch); err != nil {
			return err
		}
		g.logger.Info("initialized repository", zap.String("dir", dir))
	}
	if _, err := g.git(ctx, dir, "add", "--", filepath.Base(abs)); err != nil {
		return err
	}
	staged, err := g.git(ctx, dir, "diff", "--cached", "--name-only")
	if err != nil {
		return err
	}
	if strings.TrimSpace(staged) == "" {
		g.logger.Debug("nothing to commit", zap.String("path", abs))
	} else if _, err := g.git(ctx, dir, "commit", "--quiet", "-m", message); err != nil {
		return err
	}

	if g.cfg.Remote == "" {
		return nil
	}
	// Re-create the remote so a changed URL takes effect.
	_, _ = g.git(ctx, dir, "remote", "remove", remoteName)
	if _, err := g.git(ctx, dir, "remote", "add", remoteName, g.cfg.Remote); err != nil {
		return err
	}
	if _, err := g.git(ctx, dir, "push", "--quiet", "-u", remoteName, branch); err != nil {
		return err
	}
	g.logger.Info("snapshot pushed", zap.String("remote", g.cfg.Remote))
	return nil
}

func (g *Git) git(ctx context.Context, dir string, args ...string) (string, error) {
	// #nosec G204 -- the binary comes from configuration, arguments are fixed.
	cmd := exec.CommandContext(ctx, g.cfg.Binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_AUTHOR_NAME=bookmark-mirror",
		"GIT_AUTHOR_EMAIL=bookmark-mirror@localhost",
		"GIT_COMMITTER_NAME=bookmark-mirror",
		"GIT_COMMITTER_EMAIL=bookmark-mirror@localhost",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
