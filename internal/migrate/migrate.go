// Package migrate copies a library from one backend to another, one
// transaction per item, and compares digests of both sides afterwards.
package migrate

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/bookmark-mirror/internal/library"
)

// Options controls a migration.
type Options struct {
	// Overwrite replaces items already present in the target. Without it
	// they are counted as skipped, which makes an interrupted migration
	// safe to rerun.
	Overwrite bool
	// Progress, when set, is called after every item.
	Progress func(done int)
}

// Failure names an item that could not be copied.
type Failure struct {
	PID    string `json:"pid"`
	Reason string `json:"reason"`
}

// Report summarizes a migration.
type Report struct {
	Source        library.Digest `json:"source"`
	Target        library.Digest `json:"target"`
	Copied        int            `json:"copied"`
	Skipped       int            `json:"skipped"`
	Failures      []Failure      `json:"failures,omitempty"`
	Discrepancies []string       `json:"discrepancies,omitempty"`
}

// Consistent reports whether every item made it across and the digests agree.
func (r Report) Consistent() bool {
	return len(r.Failures) == 0 && len(r.Discrepancies) == 0
}

// Run streams every document of src into dst.
func Run(ctx context.Context, src, dst *library.Library, opts Options, logger *zap.Logger) (Report, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("migrate").With(
		zap.String("from", src.Backend()),
		zap.String("to", dst.Backend()),
	)

	var report Report
	done := 0
	for doc, err := range src.Query(ctx, library.Filter{}) {
		if err != nil {
			return report, fmt.Errorf("read source: %w", err)
		}
		err := copyOne(ctx, dst, doc, opts.Overwrite)
		switch {
		case err == nil:
			report.Copied++
		case errors.Is(err, library.ErrDuplicate):
			report.Skipped++
		case errors.Is(err, library.ErrUnavailable), ctx.Err() != nil:
			return report, fmt.Errorf("write target: %w", err)
		default:
			logger.Warn("item not migrated", zap.String("pid", doc.Item.PID), zap.Error(err))
			report.Failures = append(report.Failures, Failure{PID: doc.Item.PID, Reason: err.Error()})
		}
		done++
		if opts.Progress != nil {
			opts.Progress(done)
		}
	}

	var err error
	if report.Source, err = src.Digest(ctx); err != nil {
		return report, err
	}
	if report.Target, err = dst.Digest(ctx); err != nil {
		return report, err
	}
	report.Discrepancies = report.Source.Compare(report.Target)
	logger.Info("migration finished",
		zap.Int("copied", report.Copied),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", len(report.Failures)),
		zap.Strings("discrepancies", report.Discrepancies),
	)
	return report, nil
}

func copyOne(ctx context.Context, dst *library.Library, doc library.Document, overwrite bool) error {
	tx, err := dst.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.Upsert(ctx, doc, overwrite); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s: %w", doc.Item.PID, err)
	}
	return nil
}
