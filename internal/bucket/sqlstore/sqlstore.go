// Package sqlstore persists bucket records in a SQL database through
// database.DB, so the same code serves PostgreSQL and MySQL.
//
// Usage:
//
//	db, err := sqlstore.Connect(ctx, database.DefaultConfig(dsn))
//	if err != nil { ... }
//	defer db.Close()
//
//	store := sqlstore.New(db, "buckets")
//	if err := store.EnsureSchema(ctx); err != nil { ... }
package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/koustreak/bucketgw/internal/bucket"
	"github.com/koustreak/bucketgw/internal/database"
	"github.com/koustreak/bucketgw/internal/database/mysql"
	"github.com/koustreak/bucketgw/internal/database/postgres"
	"github.com/koustreak/bucketgw/internal/errs"
)

// DefaultTable is the bucket table used when New is given no name.
const DefaultTable = "buckets"

var columns = []string{"id", "name", "driver", "settings", "enabled"}

// Connect opens the database selected by cfg.Driver.
func Connect(ctx context.Context, cfg *database.Config) (database.DB, error) {
	switch cfg.Driver {
	case database.DriverPostgres, "":
		db, err := postgres.New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return db, nil
	case database.DriverMySQL:
		db, err := mysql.New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, errs.Newf(errs.ErrKindInvalidInput, "unsupported database driver %q", cfg.Driver)
	}
}

// Store is a bucket.Store backed by database.DB.
type Store struct {
	db      database.DB
	table   string
	timeout time.Duration
}

// New returns a Store keeping records in table. Call EnsureSchema before
// first use.
func New(db database.DB, table string) *Store {
	if table == "" {
		table = DefaultTable
	}
	return &Store{db: db, table: table}
}

// WithQueryTimeout bounds every statement issued by s. Zero means no bound
// beyond the caller's context.
func (s *Store) WithQueryTimeout(d time.Duration) *Store {
	s.timeout = d
	return s
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// EnsureSchema creates the bucket table when it does not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	exists, err := s.db.TableExists(ctx, s.table)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = s.db.Exec(ctx, createTable(s.db.Dialect(), s.table))
	return err
}

func createTable(d database.Dialect, table string) string {
	boolType := "BOOLEAN"
	if d == database.DialectMySQL {
		boolType = "TINYINT(1)"
	}
	return fmt.Sprintf(`CREATE TABLE %s (
	%s VARCHAR(36)  NOT NULL PRIMARY KEY,
	%s VARCHAR(255) NOT NULL UNIQUE,
	%s VARCHAR(255) NOT NULL,
	%s TEXT         NOT NULL,
	%s %s NOT NULL DEFAULT TRUE
)`,
		d.Quote(table),
		d.Quote("id"), d.Quote("name"), d.Quote("driver"), d.Quote("settings"),
		d.Quote("enabled"), boolType,
	)
}

func scan(row database.Row) (*bucket.Bucket, error) {
	var (
		id, settings string
		b            bucket.Bucket
	)
	if err := row.Scan(&id, &b.Name, &b.Driver, &settings, &b.Enabled); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindUnknown, "corrupt bucket id", err)
	}
	b.ID = parsed
	b.Settings = json.RawMessage(settings)
	return &b, nil
}

func (s *Store) List(ctx context.Context) ([]bucket.Bucket, error) {
	q, args, err := database.Select(s.table, s.db.Dialect()).
		Columns(columns...).
		OrderBy("name", database.Asc).
		Build()
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []bucket.Bucket{}
	for rows.Next() {
		b, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, name string) (*bucket.Bucket, error) {
	q, args, err := database.Select(s.table, s.db.Dialect()).
		Columns(columns...).
		Where("name", "=", name).
		Build()
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	b, err := scan(s.db.QueryRow(ctx, q, args...))
	if errs.IsNotFound(err) {
		return nil, bucket.NotFound(name)
	}
	return b, err
}

func (s *Store) Insert(ctx context.Context, b *bucket.Bucket) (uuid.UUID, error) {
	id := b.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	settings := string(b.Settings)
	if settings == "" {
		settings = "{}"
	}

	q, args, err := database.Insert(s.table, s.db.Dialect()).
		Set("id", id.String()).
		Set("name", b.Name).
		Set("driver", b.Driver).
		Set("settings", settings).
		Set("enabled", b.Enabled).
		Build()
	if err != nil {
		return uuid.Nil, err
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	if _, err := s.db.Exec(ctx, q, args...); err != nil {
		if errs.IsConflict(err) {
			return uuid.Nil, bucket.Duplicate(b.Name)
		}
		return uuid.Nil, err
	}
	return id, nil
}

func (s *Store) Update(ctx context.Context, name string, p bucket.Patch) (uuid.UUID, error) {
	current, err := s.Get(ctx, name)
	if err != nil {
		return uuid.Nil, err
	}
	if p.Empty() {
		return current.ID, nil
	}

	ub := database.Update(s.table, s.db.Dialect())
	if len(p.Settings) > 0 {
		ub.Set("settings", string(p.Settings))
	}
	if p.Enabled != nil {
		ub.Set("enabled", *p.Enabled)
	}
	q, args, err := ub.Where("name", "=", name).Build()
	if err != nil {
		return uuid.Nil, err
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	// MySQL reports zero affected rows for a no-op update, so existence was
	// checked above instead.
	if _, err := s.db.Exec(ctx, q, args...); err != nil {
		return uuid.Nil, err
	}
	return current.ID, nil
}

func (s *Store) Delete(ctx context.Context, name string) (uuid.UUID, error) {
	current, err := s.Get(ctx, name)
	if err != nil {
		return uuid.Nil, err
	}

	q, args, err := database.Delete(s.table, s.db.Dialect()).
		Where("name", "=", name).
		Build()
	if err != nil {
		return uuid.Nil, err
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	n, err := s.db.Exec(ctx, q, args...)
	if err != nil {
		return uuid.Nil, err
	}
	if n == 0 {
		return uuid.Nil, bucket.NotFound(name)
	}
	return current.ID, nil
}
