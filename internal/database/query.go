package database

import (
	"fmt"
	"strings"

	"github.com/koustreak/bucketgw/internal/errs"
)

// Dialect controls which SQL placeholder and identifier quoting style the
// query builders emit.
type Dialect int

const (
	// DialectPostgres uses $1, $2, … placeholders and "double quoted" identifiers.
	DialectPostgres Dialect = iota

	// DialectMySQL uses ? placeholders and `backtick` identifiers.
	DialectMySQL
)

// placeholder returns the parameter placeholder for the idx-th argument.
// Postgres: $1, $2, …   MySQL: ? (index is ignored)
func (d Dialect) placeholder(idx int) string {
	if d == DialectMySQL {
		return "?"
	}
	return fmt.Sprintf("$%d", idx)
}

// Quote wraps a SQL identifier so reserved words and mixed-case names are
// safe to use.
func (d Dialect) Quote(name string) string {
	if d == DialectMySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// validOps is the allowlist of comparison operators for WHERE clauses.
// Any operator not in this list is rejected to prevent SQL injection
// through the operator position (which cannot be parameterized).
var validOps = map[string]bool{
	"=":     true,
	"!=":    true,
	"<>":    true,
	"<":     true,
	">":     true,
	"<=":    true,
	">=":    true,
	"LIKE":  true,
	"ILIKE": true,
}

// SortDirection controls the ORDER BY direction.
type SortDirection bool

const (
	Asc  SortDirection = false
	Desc SortDirection = true
)

type whereClause struct {
	column string
	op     string
	value  any
}

type orderClause struct {
	column string
	dir    SortDirection
}

type assignment struct {
	column string
	value  any
}

// SelectBuilder constructs a parameterized SELECT query using a fluent API.
// Values are never interpolated into the SQL string; they are always passed as args.
//
// Usage (Postgres):
//
//	sql, args, err := Select("buckets", DialectPostgres).
//	    Columns("id", "name", "driver").
//	    Where("enabled", "=", true).
//	    OrderBy("name", Asc).
//	    Limit(20).
//	    Build()
type SelectBuilder struct {
	table   string
	dialect Dialect
	columns []string
	where   []whereClause
	orderBy []orderClause
	limit   *int
	offset  *int
}

// Select starts a new SelectBuilder for the given table and dialect.
func Select(table string, d Dialect) *SelectBuilder {
	return &SelectBuilder{table: table, dialect: d}
}

// Columns restricts the SELECT to the specified columns.
// If not called, SELECT * is used.
func (b *SelectBuilder) Columns(cols ...string) *SelectBuilder {
	b.columns = cols
	return b
}

// Where adds a WHERE condition. op must be one of the allowed comparison
// operators (=, !=, <, >, <=, >=, LIKE, ILIKE).
// Multiple calls are combined with AND.
func (b *SelectBuilder) Where(column, op string, value any) *SelectBuilder {
	b.where = append(b.where, whereClause{column, op, value})
	return b
}

// OrderBy appends an ORDER BY clause for the given column and direction.
func (b *SelectBuilder) OrderBy(column string, dir SortDirection) *SelectBuilder {
	b.orderBy = append(b.orderBy, orderClause{column, dir})
	return b
}

// Limit sets the maximum number of rows to return.
func (b *SelectBuilder) Limit(n int) *SelectBuilder {
	b.limit = &n
	return b
}

// Offset sets the number of rows to skip (for pagination).
func (b *SelectBuilder) Offset(n int) *SelectBuilder {
	b.offset = &n
	return b
}

// Build produces the final SQL string and argument slice.
// Returns an error if any WHERE operator is not in the allowlist.
func (b *SelectBuilder) Build() (string, []any, error) {
	d := b.dialect

	// --- column list ---
	cols := "*"
	if len(b.columns) > 0 {
		quoted := make([]string, len(b.columns))
		for i, c := range b.columns {
			quoted[i] = d.Quote(c)
		}
		cols = strings.Join(quoted, ", ")
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(cols)
	sb.WriteString(" FROM ")
	sb.WriteString(d.Quote(b.table))

	// --- WHERE ---
	where, args, err := renderWhere(d, b.where, 1)
	if err != nil {
		return "", nil, err
	}
	sb.WriteString(where)
	argIdx := len(args) + 1

	// --- ORDER BY ---
	if len(b.orderBy) > 0 {
		parts := make([]string, len(b.orderBy))
		for i, o := range b.orderBy {
			dir := "ASC"
			if o.dir == Desc {
				dir = "DESC"
			}
			parts[i] = fmt.Sprintf("%s %s", d.Quote(o.column), dir)
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(parts, ", "))
	}

	// --- LIMIT ---
	if b.limit != nil {
		sb.WriteString(fmt.Sprintf(" LIMIT %s", d.placeholder(argIdx)))
		args = append(args, *b.limit)
		argIdx++
	}

	// --- OFFSET ---
	if b.offset != nil {
		sb.WriteString(fmt.Sprintf(" OFFSET %s", d.placeholder(argIdx)))
		args = append(args, *b.offset)
	}

	return sb.String(), args, nil
}

// InsertBuilder constructs a parameterized single-row INSERT.
//
//	sql, args, err := Insert("buckets", DialectMySQL).
//	    Set("id", id).
//	    Set("name", "tBcfs").
//	    Build()
type InsertBuilder struct {
	table   string
	dialect Dialect
	values  []assignment
}

// Insert starts a new InsertBuilder for the given table and dialect.
func Insert(table string, d Dialect) *InsertBuilder {
	return &InsertBuilder{table: table, dialect: d}
}

// Set adds a column value to the inserted row.
func (b *InsertBuilder) Set(column string, value any) *InsertBuilder {
	b.values = append(b.values, assignment{column, value})
	return b
}

// Build produces the final SQL string and argument slice.
func (b *InsertBuilder) Build() (string, []any, error) {
	if len(b.values) == 0 {
		return "", nil, errs.New(errs.ErrKindInvalidInput, "insert without values")
	}
	d := b.dialect

	cols := make([]string, len(b.values))
	marks := make([]string, len(b.values))
	args := make([]any, len(b.values))
	for i, v := range b.values {
		cols[i] = d.Quote(v.column)
		marks[i] = d.placeholder(i + 1)
		args[i] = v.value
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.Quote(b.table), strings.Join(cols, ", "), strings.Join(marks, ", "))
	return sql, args, nil
}

// UpdateBuilder constructs a parameterized UPDATE.
type UpdateBuilder struct {
	table   string
	dialect Dialect
	values  []assignment
	where   []whereClause
}

// Update starts a new UpdateBuilder for the given table and dialect.
func Update(table string, d Dialect) *UpdateBuilder {
	return &UpdateBuilder{table: table, dialect: d}
}

// Set adds a column assignment.
func (b *UpdateBuilder) Set(column string, value any) *UpdateBuilder {
	b.values = append(b.values, assignment{column, value})
	return b
}

// Where adds a WHERE condition; see SelectBuilder.Where.
func (b *UpdateBuilder) Where(column, op string, value any) *UpdateBuilder {
	b.where = append(b.where, whereClause{column, op, value})
	return b
}

// Build produces the final SQL string and argument slice. An UPDATE without
// assignments or without a WHERE clause is rejected.
func (b *UpdateBuilder) Build() (string, []any, error) {
	if len(b.values) == 0 {
		return "", nil, errs.New(errs.ErrKindInvalidInput, "update without assignments")
	}
	if len(b.where) == 0 {
		return "", nil, errs.New(errs.ErrKindInvalidInput, "update without where clause")
	}
	d := b.dialect

	sets := make([]string, len(b.values))
	args := make([]any, 0, len(b.values)+len(b.where))
	for i, v := range b.values {
		sets[i] = fmt.Sprintf("%s = %s", d.Quote(v.column), d.placeholder(i+1))
		args = append(args, v.value)
	}

	where, whereArgs, err := renderWhere(d, b.where, len(args)+1)
	if err != nil {
		return "", nil, err
	}

	sql := fmt.Sprintf("UPDATE %s SET %s%s", d.Quote(b.table), strings.Join(sets, ", "), where)
	return sql, append(args, whereArgs...), nil
}

// DeleteBuilder constructs a parameterized DELETE.
type DeleteBuilder struct {
	table   string
	dialect Dialect
	where   []whereClause
}

// Delete starts a new DeleteBuilder for the given table and dialect.
func Delete(table string, d Dialect) *DeleteBuilder {
	return &DeleteBuilder{table: table, dialect: d}
}

// Where adds a WHERE condition; see SelectBuilder.Where.
func (b *DeleteBuilder) Where(column, op string, value any) *DeleteBuilder {
	b.where = append(b.where, whereClause{column, op, value})
	return b
}

// Build produces the final SQL string and argument slice. A DELETE without
// a WHERE clause is rejected.
func (b *DeleteBuilder) Build() (string, []any, error) {
	if len(b.where) == 0 {
		return "", nil, errs.New(errs.ErrKindInvalidInput, "delete without where clause")
	}
	where, args, err := renderWhere(b.dialect, b.where, 1)
	if err != nil {
		return "", nil, err
	}
	return "DELETE FROM " + b.dialect.Quote(b.table) + where, args, nil
}

// renderWhere renders " WHERE a = $n AND …" starting at placeholder index
// first. It returns "" when there are no clauses.
func renderWhere(d Dialect, clauses []whereClause, first int) (string, []any, error) {
	if len(clauses) == 0 {
		return "", nil, nil
	}
	parts := make([]string, 0, len(clauses))
	args := make([]any, 0, len(clauses))
	for i, w := range clauses {
		op := strings.ToUpper(w.op)
		if !validOps[op] {
			return "", nil, errs.Newf(errs.ErrKindInvalidInput, "unsupported WHERE operator: %q", w.op)
		}
		parts = append(parts, fmt.Sprintf("%s %s %s", d.Quote(w.column), op, d.placeholder(first+i)))
		args = append(args, w.value)
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}
