// Package notify delivers run reports.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bookmark-mirror/internal/library"
	"github.com/JakeFAU/bookmark-mirror/internal/mirror"
	"github.com/JakeFAU/bookmark-mirror/internal/resolver"
	"github.com/JakeFAU/bookmark-mirror/internal/scheduler"
)

// Run statuses carried by a Report.
const (
	StatusSucceeded = "succeeded"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// Report is the serialized outcome of a run.
type Report struct {
	RunID      string              `json:"run_id"`
	Status     string              `json:"status"`
	Error      string              `json:"error,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Plan       resolver.Plan       `json:"plan"`
	Crawled    int                 `json:"crawled"`
	Skipped    int                 `json:"skipped"`
	Deleted    int                 `json:"deleted"`
	Failures   []scheduler.Failure `json:"failures,omitempty"`
	Before     library.Digest      `json:"before"`
	After      *library.Digest     `json:"after,omitempty"`
}

// NewReport builds the report for a finished or aborted run.
func NewReport(s mirror.Summary, runErr error) Report {
	r := Report{
		RunID:      s.RunID,
		Status:     StatusSucceeded,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
		Plan:       s.Plan,
		Crawled:    s.Crawled,
		Skipped:    s.Skipped,
		Deleted:    s.Deleted,
		Failures:   s.Failures,
		Before:     s.Before,
		After:      s.After,
	}
	switch {
	case runErr != nil:
		r.Status = StatusFailed
		r.Error = runErr.Error()
	case len(s.Failures) > 0:
		r.Status = StatusPartial
	}
	return r
}

// Subject is a one-line headline for the report.
func (r Report) Subject() string {
	switch r.Status {
	case StatusFailed:
		return fmt.Sprintf("bookmark mirror failed: %s", r.Error)
	case StatusPartial:
		return fmt.Sprintf("bookmark mirror updated, %d crawled, %d failed", r.Crawled, len(r.Failures))
	default:
		return fmt.Sprintf("bookmark mirror updated, %d crawled", r.Crawled)
	}
}

// Log writes reports to a zap logger.
type Log struct {
	logger *zap.Logger
}

// NewLog returns a notifier logging under the "notify" name.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger.Named("notify")}
}

// Notify implements mirror.Notifier.
func (l *Log) Notify(_ context.Context, s mirror.Summary, runErr error) error {
	r := NewReport(s, runErr)
	fields := []zap.Field{
		zap.String("run_id", r.RunID),
		zap.String("status", r.Status),
		zap.Int("crawled", r.Crawled),
		zap.Int("skipped", r.Skipped),
		zap.Int("deleted", r.Deleted),
		zap.Int("failed", len(r.Failures)),
		zap.Stringer("before", r.Before),
	}
	if r.After != nil {
		fields = append(fields, zap.Stringer("after", *r.After))
	}
	if runErr != nil {
		l.logger.Error(r.Subject(), append(fields, zap.Error(runErr))...)
		return nil
	}
	for _, f := range r.Failures {
		l.logger.Warn("bookmark not mirrored", zap.String("pid", f.PID), zap.String("reason", f.Reason))
	}
	l.logger.Info(r.Subject(), fields...)
	return nil
}

// Multi fans a report out to several notifiers. Every notifier is tried.
type Multi []mirror.Notifier

// Notify implements mirror.Notifier.
func (m Multi) Notify(ctx context.Context, s mirror.Summary, runErr error) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, s, runErr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory keeps reports for inspection in tests and dry runs.
type Memory struct {
	mu      sync.RWMutex
	reports []Report
}

// NewMemory returns an empty Memory notifier.
func NewMemory() *Memory {
	return &Memory{}
}

// Notify implements mirror.Notifier.
func (m *Memory) Notify(_ context.Context, s mirror.Summary, runErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, NewReport(s, runErr))
	return nil
}

// Reports returns a copy of the recorded reports.
func (m *Memory) Reports() []Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Report, len(m.reports))
	copy(out, m.reports)
	return out
}
