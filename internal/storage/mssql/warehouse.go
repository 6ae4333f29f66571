package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/golang-sql/civil"
	_ "github.com/microsoft/go-mssqldb"

	"attendsync/internal/storage"
)

func init() {
	storage.Register("mssql", New)
}

// SQL Server accepts at most 2100 parameters per request and 1000 rows per
// table value constructor.
const (
	maxParams       = 2000
	maxRowsPerValue = 1000
)

// Warehouse implements storage.Warehouse for Microsoft SQL Server.
//
// Notes:
//   - CREATE TABLE is wrapped in an OBJECT_ID guard; there is no IF NOT EXISTS.
//   - Datetimes are bound as civil.DateTime so the driver sends datetime2
//     instead of its default datetimeoffset.
//   - ReplaceRows runs DELETE and the chunked INSERTs in one transaction.
type Warehouse struct {
	db    dbConn
	table string
}

// New opens the "sqlserver" driver registered by github.com/microsoft/go-mssqldb
// and validates connectivity via PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Warehouse, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("mssql: missing dsn")
	}
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mssql: open: %w", err)
	}
	raw.SetMaxOpenConns(8)
	raw.SetMaxIdleConns(8)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("mssql: ping: %w", err)
	}
	return &Warehouse{db: &sqlDB{db: raw}, table: cfg.Table}, nil
}

// Close releases database resources held by this warehouse.
func (r *Warehouse) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Warehouse) Table() string { return r.table }

func (r *Warehouse) TableExists(ctx context.Context) (bool, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, buildExistsSQL(), r.table).Scan(&n); err != nil {
		return false, fmt.Errorf("mssql: check table %s: %w", r.table, err)
	}
	return n == 1, nil
}

func (r *Warehouse) CreateTable(ctx context.Context, spec storage.TableSpec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("mssql: %w", err)
	}
	ddl, err := buildCreateSQL(r.table, spec)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("mssql: create table %s: %w", r.table, err)
	}
	return nil
}

func (r *Warehouse) DeleteAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, buildDeleteSQL(r.table)); err != nil {
		return fmt.Errorf("mssql: delete from %s: %w", r.table, err)
	}
	return nil
}

func (r *Warehouse) InsertRows(ctx context.Context, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	return r.inTx(ctx, func(tx txConn) (int64, error) {
		return r.insertTx(ctx, tx, columns, rows)
	})
}

func (r *Warehouse) ReplaceRows(ctx context.Context, columns []string, rows [][]any) (int64, error) {
	return r.inTx(ctx, func(tx txConn) (int64, error) {
		if _, err := tx.ExecContext(ctx, buildDeleteSQL(r.table)); err != nil {
			return 0, fmt.Errorf("mssql: delete from %s: %w", r.table, err)
		}
		return r.insertTx(ctx, tx, columns, rows)
	})
}

func (r *Warehouse) inTx(ctx context.Context, fn func(tx txConn) (int64, error)) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mssql: begin: %w", err)
	}

	n, err := fn(tx)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mssql: commit: %w", err)
	}
	return n, nil
}

func (r *Warehouse) insertTx(ctx context.Context, tx txConn, columns []string, rows [][]any) (int64, error) {
	if len(columns) == 0 {
		return 0, fmt.Errorf("mssql: insert into %s: no columns", r.table)
	}
	var total int64
	for _, c := range storage.Chunks(len(rows), rowsPerStatement(len(columns))) {
		q, args, err := buildBulkInsertSQL(r.table, columns, rows[c[0]:c[1]])
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
		last sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, buildAggregateSQL(r.table, q)).Scan(&out.TotalRows, &last, &out.DistinctCompanies); err != nil {
		return storage.Aggregates{}, fmt.Errorf("mssql: aggregate %s: %w", r.table, err)
	}
	if last.Valid {
		t := last.Time
		t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
		out.LastLoad = &t
	}
	return out, nil
}

var (
	_ storage.Warehouse = (*Warehouse)(nil)
	_ storage.Replacer  = (*Warehouse)(nil)
)

// ---- SQL builders ----

func buildExistsSQL() string {
	return "SELECT CASE WHEN OBJECT_ID(@p1, N'U') IS NULL THEN 0 ELSE 1 END;"
}

// buildCreateSQL wraps CREATE TABLE in an OBJECT_ID guard so it is idempotent.
func buildCreateSQL(table string, spec storage.TableSpec) (string, error) {
	if strings.TrimSpace(table) == "" {
		return "", fmt.Errorf("mssql: table name is empty")
	}
	if len(spec.Columns) == 0 {
		return "", fmt.Errorf("mssql: table %s: no columns", table)
	}

	defs := make([]string, 0, len(spec.Columns))
	for _, c := range spec.Columns {
		def, err := mssqlColumnDef(c)
		if err != nil {
			return "", err
		}
		defs = append(defs, def)
	}
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		strings.ReplaceAll(table, "'", "''"),
		mssqlTableIdent(table),
		strings.Join(defs, ", "),
	), nil
}

func mssqlColumnDef(c storage.ColumnSpec) (string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return "", fmt.Errorf("mssql: column name is empty")
	}
	var typ string
	switch c.Type {
	case storage.TypeString:
		typ = "NVARCHAR(MAX)"
	case storage.TypeBool:
		typ = "BIT"
	case storage.TypeDateTime:
		typ = "DATETIME2"
	default:
		return "", fmt.Errorf("mssql: column %s: unsupported type %q", c.Name, c.Type)
	}
	return mssqlIdent(c.Name) + " " + typ + " NULL", nil
}

func buildDeleteSQL(table string) string {
	return "DELETE FROM " + mssqlTableIdent(table) + ";"
}

// buildBulkInsertSQL builds a single INSERT ... VALUES statement for all rows.
func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any, error) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("mssql: row %d has %d values, want %d", i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, bindValue(row[j]))
			p++
		}
		b.WriteString(")")
	}
	b.WriteString(";")
	return b.String(), args, nil
}

func bindValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return civil.DateTimeOf(t)
	}
	return v
}

func buildAggregateSQL(table string, q storage.AggregateQuery) string {
	return fmt.Sprintf("SELECT COUNT_BIG(*), MAX(%s), COUNT_BIG(DISTINCT %s) FROM %s;",
		mssqlIdent(q.LoadTimeColumn), mssqlIdent(q.CompanyColumn), mssqlTableIdent(table))
}

func rowsPerStatement(cols int) int {
	if cols <= 0 {
		return 1
	}
	n := maxParams / cols
	if n > maxRowsPerValue {
		n = maxRowsPerValue
	}
	if n < 1 {
		n = 1
	}
	return n
}

func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
//	"dbo.asistencias" -> [dbo].[asistencias]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

// ---- database/sql seam types ----

// dbConn is the subset of *sql.DB this package uses, so tests can record
// statements without a server.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

// rowScanner is a narrow adapter over *sql.Row.Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

var (
	_ dbConn = (*sqlDB)(nil)
	_ txConn = (*sql.Tx)(nil)
)
