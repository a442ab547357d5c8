package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	gomysql "github.com/go-sql-driver/mysql"

	"github.com/koustreak/bucketgw/internal/errs"
)

// MySQL error numbers
// Full list: https://dev.mysql.com/doc/mysql-errors/8.0/en/server-error-reference.html
const (
	errDuplicateEntry   = 1062
	errAccessDenied     = 1045
	errDBAccessDenied   = 1044
	errTableAccess      = 1142
	errUnknownDatabase  = 1049
	errNoSuchTable      = 1146
	errTooManyConns     = 1040
	errUserTooManyConns = 1203
	errQueryInterrupted = 1317
	errLockWaitTimeout  = 1205
)

// mapError translates go-sql-driver/mysql errors into *errs.Error.
func mapError(err error, msg string) *errs.Error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.ErrKindTimeout, msg, err)
	}

	if errors.Is(err, sql.ErrNoRows) {
		return errs.Wrap(errs.ErrKindNotFound, msg, err)
	}

	var mysqlErr *gomysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return errs.Wrap(
			classifyMySQLCode(mysqlErr.Number),
			fmt.Sprintf("%s: %s", msg, mysqlErr.Message),
			err,
		)
	}

	return errs.Wrap(errs.ErrKindConnectionFailed, msg, err)
}

// classifyMySQLCode maps MySQL error numbers to ErrKind.
func classifyMySQLCode(code uint16) errs.ErrKind {
	switch code {
	case errDuplicateEntry:
		return errs.ErrKindConflict
	case errAccessDenied, errDBAccessDenied, errTableAccess:
		return errs.ErrKindPermissionDenied
	case errNoSuchTable:
		return errs.ErrKindNotFound
	case errUnknownDatabase, errTooManyConns, errUserTooManyConns:
		return errs.ErrKindConnectionFailed
	case errQueryInterrupted, errLockWaitTimeout:
		return errs.ErrKindTimeout
	default:
		return errs.ErrKindUnknown
	}
}
