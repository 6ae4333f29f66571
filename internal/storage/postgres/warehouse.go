package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"attendsync/internal/storage"
)

func init() {
	storage.Register("postgres", New)
}

// maxParams is the Postgres wire-protocol limit on bind parameters per statement.
const maxParams = 65535

/*
Warehouse implements storage.Warehouse for Postgres.

It provides:
  - CREATE SCHEMA / CREATE TABLE IF NOT EXISTS for the destination table
  - chunked multi-row INSERTs inside a transaction
  - a transactional ReplaceRows (DELETE + INSERT + COMMIT), so readers never
    observe the empty table
*/
type Warehouse struct {
	pool  *pgxpool.Pool
	table string
}

// New creates a Postgres-backed Warehouse bound to cfg.Table.
func New(ctx context.Context, cfg storage.Config) (storage.Warehouse, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres: missing dsn")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Warehouse{pool: pool, table: cfg.Table}, nil
}

// Close closes the connection pool.
func (r *Warehouse) Close() error {
	r.pool.Close()
	return nil
}

func (r *Warehouse) Table() string { return r.table }

// TableExists resolves the quoted table name with to_regclass, which returns
// NULL instead of failing when the relation is missing.
func (r *Warehouse) TableExists(ctx context.Context) (bool, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, pgTableIdent(r.table)).Scan(&exists); err != nil {
		return false, fmt.Errorf("postgres: check table %s: %w", r.table, err)
	}
	return exists, nil
}

func (r *Warehouse) CreateTable(ctx context.Context, spec storage.TableSpec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	schemaSQL, tableSQL, err := buildCreateSQL(r.table, spec)
	if err != nil {
		return err
	}
	if schemaSQL != "" {
		if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
			return fmt.Errorf("postgres: create schema for %s: %w", r.table, err)
		}
	}
	if _, err := r.pool.Exec(ctx, tableSQL); err != nil {
		return fmt.Errorf("postgres: create table %s: %w", r.table, err)
	}
	return nil
}

func (r *Warehouse) DeleteAll(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, buildDeleteSQL(r.table)); err != nil {
		return fmt.Errorf("postgres: delete from %s: %w", r.table, err)
	}
	return nil
}

// InsertRows appends rows in one transaction.
func (r *Warehouse) InsertRows(ctx context.Context, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	return r.inTx(ctx, func(tx pgx.Tx) (int64, error) {
		return r.insertTx(ctx, tx, columns, rows)
	})
}

// ReplaceRows deletes every row and inserts rows in one transaction.
func (r *Warehouse) ReplaceRows(ctx context.Context, columns []string, rows [][]any) (int64, error) {
	return r.inTx(ctx, func(tx pgx.Tx) (int64, error) {
		if _, err := tx.Exec(ctx, buildDeleteSQL(r.table)); err != nil {
			return 0, fmt.Errorf("postgres: delete from %s: %w", r.table, err)
		}
		return r.insertTx(ctx, tx, columns, rows)
	})
}

func (r *Warehouse) inTx(ctx context.Context, fn func(tx pgx.Tx) (int64, error)) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	n, err := fn(tx)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: commit: %w", err)
	}
	return n, nil
}

func (r *Warehouse) insertTx(ctx context.Context, tx pgx.Tx, columns []string, rows [][]any) (int64, error) {
	if len(columns) == 0 {
		return 0, fmt.Errorf("postgres: insert into %s: no columns", r.table)
	}
	var total int64
	for _, c := range storage.Chunks(len(rows), rowsPerStatement(len(columns))) {
		sql, args, err := buildInsertSQL(r.table, columns, rows[c[0]:c[1]])
		if err != nil {
			return 0, err
		}
		cmd, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return 0, &storage.WriteRejected{
				Table: r.table,
				Rows:  []storage.RowError{{Index: c[0], Err: err}},
			}
		}
		total += cmd.RowsAffected()
	}
	return total, nil
}

func (r *Warehouse) Aggregate(ctx context.Context, q storage.AggregateQuery) (storage.Aggregates, error) {
	var (
		out  storage.Aggregates
		last *time.Time
	)
	err := r.pool.QueryRow(ctx, buildAggregateSQL(r.table, q)).Scan(&out.TotalRows, &last, &out.DistinctCompanies)
	if err != nil {
		return storage.Aggregates{}, fmt.Errorf("postgres: aggregate %s: %w", r.table, err)
	}
	if last != nil {
		t := time.Date(last.Year(), last.Month(), last.Day(), last.Hour(), last.Minute(), last.Second(), last.Nanosecond(), time.UTC)
		out.LastLoad = &t
	}
	return out, nil
}

var (
	_ storage.Warehouse = (*Warehouse)(nil)
	_ storage.Replacer  = (*Warehouse)(nil)
)

// ---- SQL builders (pure, unit tested) ----

// buildCreateSQL returns an optional CREATE SCHEMA statement (for qualified
// names) and the CREATE TABLE IF NOT EXISTS statement for table.
func buildCreateSQL(table string, spec storage.TableSpec) (schemaSQL, tableSQL string, err error) {
	if strings.TrimSpace(table) == "" {
		return "", "", fmt.Errorf("table name is empty")
	}
	if len(spec.Columns) == 0 {
		return "", "", fmt.Errorf("table %s: no columns", table)
	}

	if schema, _ := storage.SplitQualifiedName(table); schema != "" {
		schemaSQL = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema))
	}

	defs := make([]string, 0, len(spec.Columns))
	for _, c := range spec.Columns {
		typ, err := pgType(c.Type)
		if err != nil {
			return "", "", fmt.Errorf("table %s: column %s: %w", table, c.Name, err)
		}
		defs = append(defs, pgIdent(c.Name)+" "+typ)
	}

	tableSQL = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`, pgTableIdent(table), strings.Join(defs, ", "))
	return schemaSQL, tableSQL, nil
}

func pgType(t storage.ColumnType) (string, error) {
	switch t {
	case storage.TypeString:
		return "TEXT", nil
	case storage.TypeBool:
		return "BOOLEAN", nil
	case storage.TypeDateTime:
		return "TIMESTAMP", nil
	default:
		return "", fmt.Errorf("unsupported type %q", t)
	}
}

func buildDeleteSQL(table string) string {
	return "DELETE FROM " + pgTableIdent(table) + ";"
}

// buildInsertSQL constructs a single multi-row INSERT and its args.
//
// Every row must have exactly len(columns) values.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any, error) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("postgres: row %d has %d values, want %d", i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	b.WriteString(";")
	return b.String(), args, nil
}

func buildAggregateSQL(table string, q storage.AggregateQuery) string {
	return fmt.Sprintf(`SELECT COUNT(*), MAX(%s), COUNT(DISTINCT %s) FROM %s;`,
		pgIdent(q.LoadTimeColumn), pgIdent(q.CompanyColumn), pgTableIdent(table))
}

// rowsPerStatement keeps a multi-row INSERT under maxParams bind parameters.
func rowsPerStatement(cols int) int {
	if cols <= 0 {
		return 1
	}
	n := maxParams / cols
	if n > 1000 {
		n = 1000
	}
	if n < 1 {
		n = 1
	}
	return n
}

// pgIdent double-quotes an identifier so mixed-case names ("Nombre") keep
// their case.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// pgTableIdent quotes each part of a possibly schema-qualified name.
//
//	"reporting.asistencias" -> "reporting"."asistencias"
func pgTableIdent(name string) string {
	schema, table := storage.SplitQualifiedName(name)
	if schema == "" {
		return pgIdent(table)
	}
	return pgIdent(schema) + "." + pgIdent(table)
}
