package mssql

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-sql/civil"

	"attendsync/internal/storage"
)

// fakeDB records statements executed through the dbConn seam.
type fakeDB struct {
	cols       int // columns per row, for RowsAffected
	execs      []string
	txExecs    []string
	failInsert bool
	committed  bool
	rolledBack bool
}

type fakeResult int64

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return int64(r), nil }

type fakeRow struct{ err error }

func (r fakeRow) Scan(dest ...any) error { return r.err }

func (f *fakeDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	f.execs = append(f.execs, query)
	return fakeResult(0), nil
}

func (f *fakeDB) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return fakeRow{err: errors.New("not implemented")}
}

func (f *fakeDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	return &fakeTx{db: f}, nil
}

func (f *fakeDB) Close() error { return nil }

type fakeTx struct{ db *fakeDB }

func (t *fakeTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	t.db.txExecs = append(t.db.txExecs, query)
	if strings.HasPrefix(query, "INSERT") {
		if t.db.failInsert {
			return nil, errors.New("conversion failed")
		}
		return fakeResult(len(args) / t.db.cols), nil
	}
	return fakeResult(0), nil
}

func (t *fakeTx) Commit() error {
	t.db.committed = true
	return nil
}

func (t *fakeTx) Rollback() error {
	t.db.rolledBack = true
	return nil
}

func makeRows(n int) [][]any {
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{"r", true}
	}
	return rows
}

func TestReplaceRows_DeletesAndInsertsInOneTransaction(t *testing.T) {
	t.Parallel()

	db := &fakeDB{cols: 2}
	w := &Warehouse{db: db, table: "dbo.asistencias"}

	n, err := w.ReplaceRows(context.Background(), []string{"identificador_rut", "Marca_turno"}, makeRows(2500))
	if err != nil {
		t.Fatalf("ReplaceRows: %v", err)
	}
	if n != 2500 {
		t.Fatalf("n=%d, want 2500", n)
	}
	if !db.committed || db.rolledBack {
		t.Fatalf("committed=%v rolledBack=%v", db.committed, db.rolledBack)
	}
	if len(db.execs) != 0 {
		t.Fatalf("statements outside the transaction: %v", db.execs)
	}
	if db.txExecs[0] != "DELETE FROM [dbo].[asistencias];" {
		t.Fatalf("first statement=%q", db.txExecs[0])
	}
	// 2 columns -> 1000 rows per statement (table value constructor cap).
	if got := len(db.txExecs) - 1; got != 3 {
		t.Fatalf("insert statements=%d, want 3", got)
	}
}

func TestReplaceRows_InsertFailureRollsBack(t *testing.T) {
	t.Parallel()

	db := &fakeDB{cols: 2, failInsert: true}
	w := &Warehouse{db: db, table: "asistencias"}

	_, err := w.ReplaceRows(context.Background(), []string{"a", "b"}, makeRows(1))
	var wr *storage.WriteRejected
	if !errors.As(err, &wr) || wr.Table != "asistencias" {
		t.Fatalf("err=%v, want *storage.WriteRejected", err)
	}
	if db.committed || !db.rolledBack {
		t.Fatalf("committed=%v rolledBack=%v, want rollback", db.committed, db.rolledBack)
	}
}

func TestInsertRows_EmptyIsNoop(t *testing.T) {
	t.Parallel()

	db := &fakeDB{cols: 1}
	w := &Warehouse{db: db, table: "asistencias"}
	n, err := w.InsertRows(context.Background(), []string{"a"}, nil)
	if err != nil || n != 0 || len(db.txExecs) != 0 || db.committed {
		t.Fatalf("n=%d err=%v txExecs=%v committed=%v", n, err, db.txExecs, db.committed)
	}
}

func TestBuildCreateSQL_GuardedAndTyped(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{Columns: []storage.ColumnSpec{
		{Name: "Nombre", Type: storage.TypeString},
		{Name: "Marca_turno", Type: storage.TypeBool},
		{Name: "fecha_carga", Type: storage.TypeDateTime},
	}}
	got, err := buildCreateSQL("dbo.asistencias", spec)
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	want := "IF OBJECT_ID(N'dbo.asistencias', N'U') IS NULL BEGIN CREATE TABLE [dbo].[asistencias] ([Nombre] NVARCHAR(MAX) NULL, [Marca_turno] BIT NULL, [fecha_carga] DATETIME2 NULL); END;"
	if got != want {
		t.Fatalf("ddl=\n%s\nwant\n%s", got, want)
	}

	if _, err := buildCreateSQL("t", storage.TableSpec{Columns: []storage.ColumnSpec{{Name: "x", Type: "money"}}}); err == nil {
		t.Fatalf("expected unsupported type error")
	}
}

func TestBuildBulkInsertSQL_BindsDatetime2(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 1, 2, 8, 0, 0, 0, time.UTC)
	q, args, err := buildBulkInsertSQL("asistencias", []string{"a", "b"}, [][]any{{"x", ts}, {nil, nil}})
	if err != nil {
		t.Fatalf("buildBulkInsertSQL: %v", err)
	}
	if q != "INSERT INTO [asistencias] ([a], [b]) VALUES (@p1, @p2), (@p3, @p4);" {
		t.Fatalf("sql=%q", q)
	}
	if _, ok := args[1].(civil.DateTime); !ok {
		t.Fatalf("datetime arg=%T, want civil.DateTime", args[1])
	}
	if args[2] != nil {
		t.Fatalf("nil arg=%v", args[2])
	}
}

func TestBuildAggregateSQL(t *testing.T) {
	t.Parallel()

	got := buildAggregateSQL("asistencias", storage.AggregateQuery{LoadTimeColumn: "fecha_carga", CompanyColumn: "Empresa"})
	want := "SELECT COUNT_BIG(*), MAX([fecha_carga]), COUNT_BIG(DISTINCT [Empresa]) FROM [asistencias];"
	if got != want {
		t.Fatalf("sql=%q, want %q", got, want)
	}
}

func TestRowsPerStatement_StaysUnderLimits(t *testing.T) {
	t.Parallel()

	for _, cols := range []int{1, 2, 14, 100, 5000} {
		n := rowsPerStatement(cols)
		if n < 1 || n > maxRowsPerValue {
			t.Fatalf("rowsPerStatement(%d)=%d out of range", cols, n)
		}
		if cols <= maxParams && n*cols > maxParams {
			t.Fatalf("rowsPerStatement(%d)=%d exceeds %d params", cols, n, maxParams)
		}
	}
}

func TestMssqlIdent(t *testing.T) {
	t.Parallel()

	if got := mssqlIdent("a]b"); got != "[a]]b]" {
		t.Fatalf("mssqlIdent=%q", got)
	}
	if got := mssqlTableIdent("dbo.imports"); got != "[dbo].[imports]" {
		t.Fatalf("mssqlTableIdent=%q", got)
	}
}
