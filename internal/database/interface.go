package database

import "context"

// DB is the central contract for all database operations.
// All layers above this package talk only to this interface;
// they never import the postgres or mysql packages directly.
type DB interface {
	// Ping verifies the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the connection pool.
	Close()

	// Dialect tells query builders which placeholder and quoting style to emit.
	Dialect() Dialect

	// Exec executes a statement that returns no rows and reports the number
	// of rows affected.
	Exec(ctx context.Context, sql string, args ...any) (int64, error)

	// Query executes a SQL statement that returns multiple rows.
	Query(ctx context.Context, sql string, args ...any) (Rows, error)

	// QueryRow executes a SQL statement that returns at most one row.
	// A missing row surfaces as errs.ErrKindNotFound from Row.Scan.
	QueryRow(ctx context.Context, sql string, args ...any) Row

	// TableExists reports whether a table with the given name exists.
	TableExists(ctx context.Context, table string) (bool, error)
}

// Rows is an abstraction over a database result set.
// Callers must always call Close() when done, even on error.
type Rows interface {
	// Next advances to the next row.
	// Returns false when no more rows exist or on error.
	Next() bool

	// Scan copies the current row's columns into the provided destinations.
	Scan(dest ...any) error

	// Close releases resources held by the result set.
	Close()

	// Err returns any error encountered during iteration.
	Err() error
}

// Row is an abstraction over a single database row.
type Row interface {
	Scan(dest ...any) error
}
