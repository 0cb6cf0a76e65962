package library

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

var (
	// ErrDuplicate is returned when a PID already exists and overwrite was not requested.
	ErrDuplicate = errors.New("library: duplicate pid")
	// ErrNotFound is returned when an operation targets a PID that is not stored.
	ErrNotFound = errors.New("library: pid not found")
	// ErrInvalid marks documents that fail validation.
	ErrInvalid = errors.New("library: invalid document")
	// ErrUnavailable marks backend transport or storage failures. Runs abort on it.
	ErrUnavailable = errors.New("library: backend unavailable")
)

// Driver is implemented once per storage backend.
type Driver interface {
	// Backend names the implementation, e.g. "docfile".
	Backend() string
	Exists(ctx context.Context, pid string) (bool, error)
	// Upsert commits the document atomically.
	Upsert(ctx context.Context, doc Document, overwrite bool) error
	// Query yields matching documents lazily, ordered by Item.Order then PID.
	Query(ctx context.Context, filter Filter) iter.Seq2[Document, error]
	Digest(ctx context.Context) (Digest, error)
	// References lists every registered author and tag record.
	References(ctx context.Context) (References, error)
	Begin(ctx context.Context) (Tx, error)
	Close(ctx context.Context) error
}

// Tx is a driver transaction. After Commit or Rollback it must not be reused.
type Tx interface {
	Upsert(ctx context.Context, doc Document, overwrite bool) error
	// Delete moves the document into the trash collection.
	Delete(ctx context.Context, pid string) error
	// PutReferences registers author and tag records, replacing existing authors.
	PutReferences(ctx context.Context, refs References) error
	// DropReferences removes the listed author and tag records. Only Author.ID is used.
	DropReferences(ctx context.Context, refs References) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// InTx runs fn inside a fresh transaction on d, committing on success and
// rolling back on any error.
func InTx(ctx context.Context, d Driver, fn func(Tx) error) error {
	tx, err := d.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// PrepareDocument normalizes and validates a document before a driver stores it.
func PrepareDocument(doc Document) (Document, error) {
	doc.Binaries = append([]Binary(nil), doc.Binaries...)
	doc.Normalize()
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}
