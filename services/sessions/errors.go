package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Error categories. Every error returned by this package matches exactly one
// of them under errors.Is.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrStaleTimestamp     = errors.New("stale timestamp")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Error is a specific failure that unwraps to its category.
type Error struct {
	kind error
	msg  string
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Unwrap() error { return e.kind }

func newError(kind error, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

var (
	ErrSessionNotFound      = newError(ErrNotFound, "session not found")
	ErrUserNotFound         = newError(ErrNotFound, "user not found")
	ErrCommentNotFound      = newError(ErrNotFound, "comment not found")
	ErrSessionAlreadyClosed = newError(ErrConflict, "session already closed")
	ErrSessionStillOpen     = newError(ErrConflict, "session is still open")
	ErrAlreadyCommented     = newError(ErrConflict, "session already commented")
	ErrInvalidChangeType    = newError(ErrInvalidInput, "invalid change type")
	ErrEmptyContent         = newError(ErrInvalidInput, "comment content is empty")
	ErrInvalidHash          = newError(ErrInvalidInput, "hash must be 64 lowercase hex characters")
	ErrInvalidUsername      = newError(ErrInvalidInput, "invalid username")
	ErrInvalidPath          = newError(ErrInvalidInput, "invalid file path")
	ErrNotSessionOwner      = newError(ErrInvalidInput, "comment author does not own the session")
	ErrNoReclaimAge         = newError(ErrInvalidInput, "periodic reclaim needs a positive max age")
	ErrStaleHeartbeat       = newError(ErrStaleTimestamp, "heartbeat is older than last activity")
)

// classify folds driver and ORM failures into the package categories.
// Errors that already carry a category pass through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var own *Error
	if errors.As(err, &own) {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return fmt.Errorf("%w: %w", ErrConflict, err)
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P01",
			strings.HasPrefix(pgErr.Code, "08"):
			return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		}
		return err
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "SQLITE_BUSY"),
		strings.Contains(msg, "connection refused"), strings.Contains(msg, "bad connection"):
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return err
}

// retryable reports whether a failed start attempt should be retried as a resume.
func retryable(err error) bool {
	return errors.Is(err, ErrConflict) || (errors.Is(err, ErrStorageUnavailable) && !isContextDone(err))
}

func isContextDone(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
