package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a loaded entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a strict create finds an existing record.
	ErrDuplicate = errors.New("duplicate record")
)

// PersistenceError wraps a storage failure with the operation that hit it.
// Unrecoverable errors mean the database can no longer be trusted and the
// world should stop.
type PersistenceError struct {
	Op            string
	Unrecoverable bool
	Err           error
}

func (e *PersistenceError) Error() string {
	if e.Unrecoverable {
		return fmt.Sprintf("fatal persistence error: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persistence error: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Fatal reports whether the error is unrecoverable.
func (e *PersistenceError) Fatal() bool { return e.Unrecoverable }

// IsPersistenceError reports whether err is or wraps a PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// wrap classifies err for op. Lost connections are unrecoverable; context
// cancellation and not-found pass through with their identity intact.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &PersistenceError{Op: op, Err: ErrNotFound}
	}
	fatal := errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		fatal = false
	}
	return &PersistenceError{Op: op, Unrecoverable: fatal, Err: err}
}
