package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/koustreak/bucketgw/internal/errs"
)

// PostgreSQL SQLSTATE error codes
// Full list: https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	pgErrUniqueViolation   = "23505"
	pgErrUndefinedTable    = "42P01"
	pgErrInsufficientPriv  = "42501"
	pgClassConnection      = "08"
	pgClassInvalidAuth     = "28"
	pgClassResourceLimited = "53"
	pgErrQueryCanceled     = "57014"
)

// mapError translates pgx / pgconn native errors into *errs.Error.
func mapError(err error, msg string) *errs.Error {
	if err == nil {
		return nil
	}

	// Context cancellation / deadline exceeded
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.ErrKindTimeout, msg, err)
	}

	// No rows
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.Wrap(errs.ErrKindNotFound, msg, err)
	}

	// Postgres server-side error (SQLSTATE codes)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return errs.Wrap(classify(pgErr.Code), fmt.Sprintf("%s: %s", msg, pgErr.Message), err)
	}

	// Fallthrough: connection-level errors (TLS, network, auth)
	return errs.Wrap(errs.ErrKindConnectionFailed, msg, err)
}

func classify(code string) errs.ErrKind {
	switch {
	case code == pgErrUniqueViolation:
		return errs.ErrKindConflict
	case code == pgErrUndefinedTable:
		return errs.ErrKindNotFound
	case code == pgErrInsufficientPriv, strings.HasPrefix(code, pgClassInvalidAuth):
		return errs.ErrKindPermissionDenied
	case code == pgErrQueryCanceled:
		return errs.ErrKindTimeout
	case strings.HasPrefix(code, pgClassConnection), strings.HasPrefix(code, pgClassResourceLimited):
		return errs.ErrKindConnectionFailed
	default:
		return errs.ErrKindUnknown
	}
}
