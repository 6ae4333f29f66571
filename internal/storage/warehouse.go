package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Config is the minimal configuration needed to open a Warehouse.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is used by the SQL backends; Project/Dataset/Location/CredentialsFile
//     are used by the bigquery backend. Validation is backend-specific.
type Config struct {
	Kind string
	DSN  string

	Project         string
	Dataset         string
	Location        string
	CredentialsFile string

	// Table is the destination table. SQL backends accept a schema-qualified
	// name ("reporting.asistencias").
	Table string
}

// Warehouse is a backend-agnostic handle bound to exactly one destination table.
//
// Each backend implements these semantics in its own idiomatic way
// (BigQuery jobs, Postgres/SQLite/SQL Server statements).
type Warehouse interface {
	// Close releases backend resources. Call once at process shutdown.
	Close() error

	// Table returns the display name of the destination table
	// (e.g. "project.dataset.table").
	Table() string

	// TableExists reports whether the destination table exists.
	// A missing table is (false, nil), never an error.
	TableExists(ctx context.Context) (bool, error)

	// CreateTable creates the destination table with the given columns.
	// Creating a table that already exists is not an error.
	CreateTable(ctx context.Context, spec TableSpec) error

	// DeleteAll removes every row of the destination table.
	DeleteAll(ctx context.Context) error

	// InsertRows bulk inserts rows aligned with columns and returns the number
	// of rows written. Row-level rejections are reported as *WriteRejected.
	InsertRows(ctx context.Context, columns []string, rows [][]any) (int64, error)

	// Aggregate runs the status query against the destination table.
	Aggregate(ctx context.Context, q AggregateQuery) (Aggregates, error)
}

// Replacer is implemented by backends that can swap the table contents in one
// transaction. Callers prefer it over DeleteAll+InsertRows when available.
type Replacer interface {
	ReplaceRows(ctx context.Context, columns []string, rows [][]any) (int64, error)
}

// AggregateQuery names the columns the status aggregates are computed over.
type AggregateQuery struct {
	LoadTimeColumn string
	CompanyColumn  string
}

// Aggregates is the single result row of the status query.
//
// LastLoad is nil when the table holds no rows.
type Aggregates struct {
	TotalRows         int64
	LastLoad          *time.Time
	DistinctCompanies int64
}

// ---- factories ----

type factory func(ctx context.Context, cfg Config) (Warehouse, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "bigquery", "postgres").
//
// Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs a Warehouse using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind or cfg.Table is empty, or the kind is unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Warehouse, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("storage: missing table")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// Kinds returns the registered backend kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
