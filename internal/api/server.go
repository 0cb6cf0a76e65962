package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookmark-mirror/internal/library"
	"github.com/JakeFAU/bookmark-mirror/internal/metrics"
	"github.com/JakeFAU/bookmark-mirror/internal/mirror"
	"github.com/JakeFAU/bookmark-mirror/internal/scheduler"
)

const (
	digestTimeout   = 10 * time.Second
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Runs is the view of the runner the server reports on.
type Runs interface {
	Progress() (scheduler.Progress, bool)
	Last() (mirror.Summary, bool)
}

// Digester summarizes the library.
type Digester interface {
	Digest(ctx context.Context) (library.Digest, error)
}

// Config controls the status server.
type Config struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
	// APIKey, when set, is required on /v1 routes as X-API-Key.
	APIKey string `mapstructure:"api_key" yaml:"api_key"`
}

// Server wires HTTP handlers to the runner and the library.
type Server struct {
	router chi.Router
	runs   Runs
	lib    Digester
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(runs Runs, lib Digester, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{runs: runs, lib: lib, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/progress", s.progress)
		r.Get("/runs/last", s.lastRun)
		r.Get("/digest", s.digest)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server started", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type progressResponse struct {
	Running  bool                `json:"running"`
	Progress *scheduler.Progress `json:"progress,omitempty"`
}

func (s *Server) progress(w http.ResponseWriter, _ *http.Request) {
	p, running := s.runs.Progress()
	resp := progressResponse{Running: running}
	if running {
		resp.Progress = &p
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) lastRun(w http.ResponseWriter, _ *http.Request) {
	summary, ok := s.runs.Last()
	if !ok {
		writeError(w, http.StatusNotFound, "no run finished yet")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) digest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), digestTimeout)
	defer cancel()
	d, err := s.lib.Digest(ctx)
	if err != nil {
		s.logger.Error("digest failed", zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, library.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, "failed to compute digest")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
