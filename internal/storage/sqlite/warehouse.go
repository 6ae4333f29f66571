package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"attendsync/internal/storage"
)

// Warehouse implements storage.Warehouse for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no datetime type. Datetimes are stored as TEXT in a fixed
//     width layout (timeLayout) so MAX() over the column orders correctly.
//   - Booleans are stored as INTEGER 0/1.
//   - ReplaceRows runs DELETE and INSERT in one transaction.
type Warehouse struct {
	db    *sql.DB
	table string
}

func init() {
	storage.Register("sqlite", New)
}

// maxParams is SQLite's historical SQLITE_MAX_VARIABLE_NUMBER default.
const maxParams = 999

// timeLayout is the on-disk datetime format. Fixed width, lexically ordered.
const timeLayout = "2006-01-02 15:04:05.000000"

func New(ctx context.Context, cfg storage.Config) (storage.Warehouse, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlite: missing dsn")
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	if strings.Contains(cfg.DSN, ":memory:") {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return &Warehouse{db: db, table: cfg.Table}, nil
}

func (r *Warehouse) Close() error { return r.db.Close() }

func (r *Warehouse) Table() string { return r.table }

func (r *Warehouse) TableExists(ctx context.Context) (bool, error) {
	q, name := buildExistsSQL(r.table)
	var n int
	if err := r.db.QueryRowContext(ctx, q, name).Scan(&n); err != nil {
		return false, fmt.Errorf("sqlite: check table %s: %w", r.table, err)
	}
	return n > 0, nil
}

func (r *Warehouse) CreateTable(ctx context.Context, spec storage.TableSpec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	ddl, err := buildCreateSQL(r.table, spec)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("sqlite: create table %s: %w", r.table, err)
	}
	return nil
}

func (r *Warehouse) DeleteAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM "+sqlTableIdent(r.table)); err != nil {
		return fmt.Errorf("sqlite: delete from %s: %w", r.table, err)
	}
	return nil
}

func (r *Warehouse) InsertRows(ctx context.Context, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	return r.inTx(ctx, func(tx *sql.Tx) (int64, error) {
		return r.insertTx(ctx, tx, columns, rows)
	})
}

func (r *Warehouse) ReplaceRows(ctx context.Context, columns []string, rows [][]any) (int64, error) {
	return r.inTx(ctx, func(tx *sql.Tx) (int64, error) {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+sqlTableIdent(r.table)); err != nil {
			return 0, fmt.Errorf("sqlite: delete from %s: %w", r.table, err)
		}
		return r.insertTx(ctx, tx, columns, rows)
	})
}

func (r *Warehouse) inTx(ctx context.Context, fn func(tx *sql.Tx) (int64, error)) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	n, err := fn(tx)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit: %w", err)
	}
	return n, nil
}

func (r *Warehouse) insertTx(ctx context.Context, tx *sql.Tx, columns []string, rows [][]any) (int64, error) {
	if len(columns) == 0 {
		return 0, fmt.Errorf("sqlite: insert into %s: no columns", r.table)
	}
	per := maxParams / len(columns)
	if per < 1 {
		per = 1
	}

	var total int64
	for _, c := range storage.Chunks(len(rows), per) {
		q, args, err := buildInsertSQL(r.table, columns, rows[c[0]:c[1]])
		if err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, &storage.WriteRejected{
				Table: r.table,
				Rows:  []storage.RowError{{Index: c[0], Err: err}},
			}
		}
		n, err := res.RowsAffected()
		if err != nil {
			n = int64(c[1] - c[0])
		}
		total += n
	}
	return total, nil
}

func (r *Warehouse) Aggregate(ctx context.Context, q storage.AggregateQuery) (storage.Aggregates, error) {
	var (
		out  storage.Aggregates
		last sql.NullString
	)
	query := fmt.Sprintf(`SELECT COUNT(*), MAX(%s), COUNT(DISTINCT %s) FROM %s`,
		sqlIdent(q.LoadTimeColumn), sqlIdent(q.CompanyColumn), sqlTableIdent(r.table))
	if err := r.db.QueryRowContext(ctx, query).Scan(&out.TotalRows, &last, &out.DistinctCompanies); err != nil {
		return storage.Aggregates{}, fmt.Errorf("sqlite: aggregate %s: %w", r.table, err)
	}
	if last.Valid && last.String != "" {
		ts, err := parseSQLiteTime(last.String)
		if err != nil {
			return storage.Aggregates{}, fmt.Errorf("sqlite: aggregate %s: parse %s=%q: %w", r.table, q.LoadTimeColumn, last.String, err)
		}
		out.LastLoad = &ts
	}
	return out, nil
}

var (
	_ storage.Warehouse = (*Warehouse)(nil)
	_ storage.Replacer  = (*Warehouse)(nil)
)

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// sqlTableIdent quotes a table name; a qualified name addresses an attached
// database ("main.asistencias").
func sqlTableIdent(name string) string {
	schema, table := storage.SplitQualifiedName(name)
	if schema == "" {
		return sqlIdent(table)
	}
	return sqlIdent(schema) + "." + sqlIdent(table)
}

func buildExistsSQL(name string) (string, string) {
	schema, table := storage.SplitQualifiedName(name)
	master := "sqlite_master"
	if schema != "" {
		master = sqlIdent(schema) + ".sqlite_master"
	}
	return fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE type = 'table' AND name = ?`, master), table
}

func buildCreateSQL(table string, spec storage.TableSpec) (string, error) {
	if strings.TrimSpace(table) == "" {
		return "", fmt.Errorf("table name is empty")
	}
	if len(spec.Columns) == 0 {
		return "", fmt.Errorf("table %s: no columns", table)
	}

	defs := make([]string, 0, len(spec.Columns))
	for _, c := range spec.Columns {
		var typ string
		switch c.Type {
		case storage.TypeString, storage.TypeDateTime:
			typ = "TEXT"
		case storage.TypeBool:
			typ = "INTEGER"
		default:
			return "", fmt.Errorf("table %s: column %s: unsupported type %q", table, c.Name, c.Type)
		}
		defs = append(defs, sqlIdent(c.Name)+" "+typ)
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, sqlTableIdent(table), strings.Join(defs, ", ")), nil
}

func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any, error) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlTableIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdentList(columns))
	b.WriteString(") VALUES ")

	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("sqlite: row %d has %d values, want %d", i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		for _, v := range row {
			args = append(args, bindValue(v))
		}
	}
	return b.String(), args, nil
}

// bindValue maps row values onto the storage classes used by buildCreateSQL.
func bindValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return formatSQLiteTime(t)
	case bool:
		if t {
			return int64(1)
		}
		return int64(0)
	default:
		return v
	}
}

func joinIdentList(columns []string) string {
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		out = append(out, sqlIdent(c))
	}
	return strings.Join(out, ", ")
}

// formatSQLiteTime keeps the wall clock of t; datetimes in this table are naive.
func formatSQLiteTime(t time.Time) string {
	return t.Format(timeLayout)
}

// parseSQLiteTime parses stored datetimes back into naive times (UTC location).
//
// Supported formats:
//   - timeLayout (what we write)
//   - "2006-01-02 15:04:05" and RFC 3339, for rows written by other tools
func parseSQLiteTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}

	layouts := []string{
		timeLayout,
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		time.RFC3339Nano,
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return time.Date(ts.Year(), ts.Month(), ts.Day(), ts.Hour(), ts.Minute(), ts.Second(), ts.Nanosecond(), time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}
