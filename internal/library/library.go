package library

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"go.uber.org/zap"

	"github.com/JakeFAU/bookmark-mirror/internal/metrics"
)

// Library is the backend-agnostic facade used by the resolver, the scheduler
// and the migration tool. It wraps exactly one Driver.
type Library struct {
	driver Driver
	logger *zap.Logger
}

// New wraps driver. A nil logger discards output.
func New(driver Driver, logger *zap.Logger) *Library {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Library{
		driver: driver,
		logger: logger.With(zap.String("backend", driver.Backend())),
	}
}

// Backend names the active driver.
func (l *Library) Backend() string {
	return l.driver.Backend()
}

// Driver exposes the wrapped driver.
func (l *Library) Driver() Driver {
	return l.driver
}

// Exists reports whether pid is stored.
func (l *Library) Exists(ctx context.Context, pid string) (bool, error) {
	ok, err := l.driver.Exists(ctx, pid)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", pid, err)
	}
	return ok, nil
}

// Upsert commits doc atomically. Duplicates without overwrite fail with ErrDuplicate.
func (l *Library) Upsert(ctx context.Context, doc Document, overwrite bool) error {
	err := l.driver.Upsert(ctx, doc, overwrite)
	metrics.ObserveCommit(l.driver.Backend(), commitOutcome(err))
	switch {
	case err == nil:
		l.logger.Debug("item committed",
			zap.String("pid", doc.Item.PID),
			zap.Int("binaries", len(doc.Binaries)),
			zap.Bool("overwrite", overwrite),
		)
		return nil
	case errors.Is(err, ErrDuplicate):
		l.logger.Debug("item already stored", zap.String("pid", doc.Item.PID))
	default:
		l.logger.Warn("item commit failed", zap.String("pid", doc.Item.PID), zap.Error(err))
	}
	return fmt.Errorf("upsert %s: %w", doc.Item.PID, err)
}

// Query yields documents matching filter.
func (l *Library) Query(ctx context.Context, filter Filter) iter.Seq2[Document, error] {
	return l.driver.Query(ctx, filter)
}

// Get returns the stored document for pid.
func (l *Library) Get(ctx context.Context, pid string) (Document, error) {
	for doc, err := range l.driver.Query(ctx, Filter{PIDs: []string{pid}, Limit: 1}) {
		if err != nil {
			return Document{}, fmt.Errorf("get %s: %w", pid, err)
		}
		return doc, nil
	}
	return Document{}, fmt.Errorf("get %s: %w", pid, ErrNotFound)
}

// Digest summarizes the library contents.
func (l *Library) Digest(ctx context.Context) (Digest, error) {
	d, err := l.driver.Digest(ctx)
	if err != nil {
		return Digest{}, fmt.Errorf("digest: %w", err)
	}
	return d, nil
}

// Begin opens a driver transaction.
func (l *Library) Begin(ctx context.Context) (Tx, error) {
	tx, err := l.driver.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return tx, nil
}

// Delete moves the listed documents to the trash in one transaction.
func (l *Library) Delete(ctx context.Context, pids ...string) error {
	err := InTx(ctx, l.driver, func(tx Tx) error {
		for _, pid := range pids {
			if err := tx.Delete(ctx, pid); err != nil {
				return fmt.Errorf("delete %s: %w", pid, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.logger.Info("items moved to trash", zap.Strings("pids", pids))
	return nil
}

// References lists the registered author and tag records.
func (l *Library) References(ctx context.Context) (References, error) {
	refs, err := l.driver.References(ctx)
	if err != nil {
		return References{}, fmt.Errorf("references: %w", err)
	}
	return refs, nil
}

// Reconcile registers put and removes drop in one transaction.
func (l *Library) Reconcile(ctx context.Context, put, drop References) error {
	if put.Empty() && drop.Empty() {
		return nil
	}
	err := InTx(ctx, l.driver, func(tx Tx) error {
		if !put.Empty() {
			if err := tx.PutReferences(ctx, put); err != nil {
				return fmt.Errorf("register references: %w", err)
			}
		}
		if !drop.Empty() {
			if err := tx.DropReferences(ctx, drop); err != nil {
				return fmt.Errorf("drop references: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.logger.Info("references reconciled",
		zap.Int("authors_registered", len(put.Authors)),
		zap.Int("tags_registered", len(put.Tags)),
		zap.Int("authors_dropped", len(drop.Authors)),
		zap.Int("tags_dropped", len(drop.Tags)),
	)
	return nil
}

// Close releases the driver.
func (l *Library) Close(ctx context.Context) error {
	if err := l.driver.Close(ctx); err != nil {
		return fmt.Errorf("close %s: %w", l.driver.Backend(), err)
	}
	return nil
}

func commitOutcome(err error) string {
	switch {
	case err == nil:
		return "committed"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "failed"
	}
}
