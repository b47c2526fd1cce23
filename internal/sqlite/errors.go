package sqlite

import (
	"errors"
	"fmt"
)

var (
	// ErrConnClosed is returned when the worker goroutine is gone and the
	// handle can no longer accept work.
	ErrConnClosed = errors.New("connection closed")

	// ErrNoRows is returned by QueryRow when the statement produced no rows.
	ErrNoRows = errors.New("no rows")

	// ErrOutOfRange is returned by Row accessors for invalid column indexes.
	ErrOutOfRange = errors.New("column index out of range")
)

// Error wraps a failure reported by SQLite itself. Callers that need to
// distinguish driver failures from litebase-level failures unwrap to this.
type Error struct {
	Cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sqlite: %v", e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func wrapSqlite(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Cause: err}
}
