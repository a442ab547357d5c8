package sqlstore

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koustreak/bucketgw/internal/bucket"
	"github.com/koustreak/bucketgw/internal/database"
	"github.com/koustreak/bucketgw/internal/errs"
)

// fakeDB records statements and answers from canned values.
type fakeDB struct {
	dialect  database.Dialect
	exists   bool
	execs    []string
	execErr  error
	affected int64
	row      []any
	rowErr   error
	// deadline reports whether the last Exec ran under a deadline.
	deadline bool
}

func (f *fakeDB) Ping(context.Context) error { return nil }

func (f *fakeDB) Close() {}

func (f *fakeDB) Dialect() database.Dialect { return f.dialect }

func (f *fakeDB) TableExists(context.Context, string) (bool, error) { return f.exists, nil }

func (f *fakeDB) Exec(ctx context.Context, sql string, _ ...any) (int64, error) {
	f.execs = append(f.execs, sql)
	_, f.deadline = ctx.Deadline()
	return f.affected, f.execErr
}

func (f *fakeDB) Query(context.Context, string, ...any) (database.Rows, error) {
	return nil, errs.New(errs.ErrKindNotImplemented, "query")
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) database.Row {
	return fakeRow{values: f.row, err: f.rowErr}
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *bool:
			*p = r.values[i].(bool)
		}
	}
	return nil
}

func TestQueryTimeout(t *testing.T) {
	ctx := context.Background()

	db := &fakeDB{dialect: database.DialectPostgres}
	require.NoError(t, New(db, "").EnsureSchema(ctx))
	assert.False(t, db.deadline)

	db = &fakeDB{dialect: database.DialectPostgres}
	require.NoError(t, New(db, "").WithQueryTimeout(time.Second).EnsureSchema(ctx))
	assert.True(t, db.deadline)
}

func TestEnsureSchema(t *testing.T) {
	ctx := context.Background()

	db := &fakeDB{dialect: database.DialectPostgres}
	require.NoError(t, New(db, "").EnsureSchema(ctx))
	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0], `CREATE TABLE "buckets"`)
	assert.Contains(t, db.execs[0], "BOOLEAN")

	db = &fakeDB{dialect: database.DialectMySQL}
	require.NoError(t, New(db, "").EnsureSchema(ctx))
	assert.Contains(t, db.execs[0], "CREATE TABLE `buckets`")
	assert.Contains(t, db.execs[0], "TINYINT(1)")

	db = &fakeDB{exists: true}
	require.NoError(t, New(db, "").EnsureSchema(ctx))
	assert.Empty(t, db.execs)
}

func TestInsert_DuplicateIsConflict(t *testing.T) {
	db := &fakeDB{execErr: errs.New(errs.ErrKindConflict, "unique violation")}
	_, err := New(db, "").Insert(context.Background(), &bucket.Bucket{Name: "tBc", Driver: "fs"})
	require.Error(t, err)
	assert.True(t, errs.IsConflict(err))
	assert.Contains(t, err.Error(), "tBc")
}

func TestInsert_AssignsID(t *testing.T) {
	db := &fakeDB{affected: 1}
	id, err := New(db, "").Insert(context.Background(), &bucket.Bucket{Name: "tBc", Driver: "fs"})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)
	assert.True(t, strings.HasPrefix(db.execs[0], `INSERT INTO "buckets"`))
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()

	db := &fakeDB{row: []any{id.String(), "tBc", "fs", `{"root_dir":"/x"}`, true}}
	b, err := New(db, "").Get(ctx, "tBc")
	require.NoError(t, err)
	assert.Equal(t, id, b.ID)
	assert.Equal(t, "fs", b.Driver)
	assert.True(t, b.Enabled)
	assert.JSONEq(t, `{"root_dir":"/x"}`, string(b.Settings))

	db = &fakeDB{rowErr: errs.New(errs.ErrKindNotFound, "no rows")}
	_, err = New(db, "").Get(ctx, "gone")
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
	assert.Contains(t, err.Error(), "gone")
}

func TestUpdateAndDelete_Missing(t *testing.T) {
	ctx := context.Background()
	db := &fakeDB{rowErr: errs.New(errs.ErrKindNotFound, "no rows")}
	s := New(db, "")

	on := true
	_, err := s.Update(ctx, "gone", bucket.Patch{Enabled: &on})
	assert.True(t, errs.IsNotFound(err))
	_, err = s.Delete(ctx, "gone")
	assert.True(t, errs.IsNotFound(err))
	assert.Empty(t, db.execs)
}

func TestUpdate_BuildsAssignments(t *testing.T) {
	id := uuid.New()
	db := &fakeDB{dialect: database.DialectMySQL, row: []any{id.String(), "tBc", "fs", `{}`, true}}

	off := false
	got, err := New(db, "").Update(context.Background(), "tBc", bucket.Patch{Settings: json.RawMessage(`{"a":1}`), Enabled: &off})
	require.NoError(t, err)
	assert.Equal(t, id, got)
	require.Len(t, db.execs, 1)
	assert.Equal(t, "UPDATE `buckets` SET `settings` = ?, `enabled` = ? WHERE `name` = ?", db.execs[0])
}

func TestConnect_UnsupportedDriver(t *testing.T) {
	_, err := Connect(context.Background(), &database.Config{Driver: "sqlite"})
	assert.True(t, errs.IsInvalidInput(err))
}

// TestIntegration runs the full store contract against a real database.
// Set BUCKETGW_TEST_PG_DSN or BUCKETGW_TEST_MYSQL_DSN to enable it.
func TestIntegration(t *testing.T) {
	targets := map[database.Driver]string{
		database.DriverPostgres: os.Getenv("BUCKETGW_TEST_PG_DSN"),
		database.DriverMySQL:    os.Getenv("BUCKETGW_TEST_MYSQL_DSN"),
	}

	for drv, dsn := range targets {
		t.Run(string(drv), func(t *testing.T) {
			if dsn == "" {
				t.Skip("no DSN configured")
			}
			ctx := context.Background()
			cfg := database.DefaultConfig(dsn)
			cfg.Driver = drv

			db, err := Connect(ctx, cfg)
			require.NoError(t, err)
			defer db.Close()

			s := New(db, "")
			require.NoError(t, s.EnsureSchema(ctx))
			require.NoError(t, s.EnsureSchema(ctx))

			name := "it_" + strings.ReplaceAll(uuid.NewString(), "-", "")
			id, err := s.Insert(ctx, &bucket.Bucket{Name: name, Driver: "fs", Settings: json.RawMessage(`{"root_dir":"/tmp"}`), Enabled: true})
			require.NoError(t, err)
			t.Cleanup(func() { _, _ = s.Delete(context.Background(), name) })

			_, err = s.Insert(ctx, &bucket.Bucket{Name: name, Driver: "fs"})
			assert.True(t, errs.IsConflict(err))

			off := false
			uid, err := s.Update(ctx, name, bucket.Patch{Enabled: &off})
			require.NoError(t, err)
			assert.Equal(t, id, uid)

			got, err := s.Get(ctx, name)
			require.NoError(t, err)
			assert.False(t, got.Enabled)
			assert.JSONEq(t, `{"root_dir":"/tmp"}`, string(got.Settings))

			list, err := s.List(ctx)
			require.NoError(t, err)
			assert.NotEmpty(t, list)

			did, err := s.Delete(ctx, name)
			require.NoError(t, err)
			assert.Equal(t, id, did)
			_, err = s.Get(ctx, name)
			assert.True(t, errs.IsNotFound(err))
		})
	}
}
