package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"attendsync/internal/attendance"
	"attendsync/internal/storage"
	"attendsync/internal/storage/sqlite"
)

type fakeFetcher struct {
	records []attendance.Record
	err     error
	calls   atomic.Int32
	gate    chan struct{} // when set, FetchRecords blocks until it is closed
}

func (f *fakeFetcher) FetchRecords(ctx context.Context, _ attendance.Filters) ([]attendance.Record, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]attendance.Record, len(f.records))
	for i, r := range f.records {
		c := attendance.Record{}
		for k, v := range r {
			c[k] = v
		}
		out[i] = c
	}
	return out, nil
}

// fakeWarehouse keeps rows in memory and counts calls.
type fakeWarehouse struct {
	mu        sync.Mutex
	table     string
	exists    bool
	rows      [][]any
	columns   []string
	creates   int
	deletes   int
	inserts   int
	createErr error
	insertErr error
	insertCtx context.Context
}

func (w *fakeWarehouse) Close() error  { return nil }
func (w *fakeWarehouse) Table() string { return w.table }

func (w *fakeWarehouse) TableExists(ctx context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exists, nil
}

func (w *fakeWarehouse) CreateTable(ctx context.Context, spec storage.TableSpec) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.createErr != nil {
		return w.createErr
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	w.creates++
	w.exists = true
	return nil
}

func (w *fakeWarehouse) DeleteAll(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deletes++
	w.rows = nil
	return nil
}

func (w *fakeWarehouse) InsertRows(ctx context.Context, columns []string, rows [][]any) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inserts++
	w.insertCtx = ctx
	if w.insertErr != nil {
		return 0, w.insertErr
	}
	w.columns = columns
	w.rows = append(w.rows, rows...)
	return int64(len(rows)), nil
}

func (w *fakeWarehouse) Aggregate(ctx context.Context, q storage.AggregateQuery) (storage.Aggregates, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return storage.Aggregates{TotalRows: int64(len(w.rows))}, nil
}

// replacingWarehouse adds the transactional replace path.
type replacingWarehouse struct {
	*fakeWarehouse
	replaces int
}

func (w *replacingWarehouse) ReplaceRows(ctx context.Context, columns []string, rows [][]any) (int64, error) {
	w.mu.Lock()
	w.replaces++
	w.rows = nil
	w.mu.Unlock()
	return w.fakeWarehouse.InsertRows(ctx, columns, rows)
}

func sampleRecords(n int) []attendance.Record {
	out := make([]attendance.Record, n)
	for i := range out {
		out[i] = attendance.Record{
			attendance.ColRUT:         "11.111.111-1",
			attendance.ColNombre:      "Ana",
			attendance.ColMarcaTurno:  true,
			attendance.ColEmpresa:     "Acme",
			attendance.ColOrigenDatos: "spoofed",
			"extra_key":               "dropped",
		}
	}
	return out
}

func newTestService(t *testing.T, f Fetcher, wh storage.Warehouse, mode Mode) *Service {
	t.Helper()
	s, err := New(f, wh, Options{
		Mode:     mode,
		now:      func() time.Time { return time.Date(2025, 5, 6, 7, 8, 9, 0, time.UTC) },
		newRunID: func() string { return "run-test" },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func colIndex(t *testing.T, name string) int {
	t.Helper()
	for i, c := range attendance.ColumnNames() {
		if c == name {
			return i
		}
	}
	t.Fatalf("unknown column %s", name)
	return -1
}

func TestNew_Validates(t *testing.T) {
	t.Parallel()

	wh := &fakeWarehouse{table: "t_new"}
	if _, err := New(nil, wh, Options{}); err == nil {
		t.Fatalf("expected error for nil fetcher")
	}
	if _, err := New(&fakeFetcher{}, nil, Options{}); err == nil {
		t.Fatalf("expected error for nil warehouse")
	}
	if _, err := New(&fakeFetcher{}, wh, Options{Mode: "upsert"}); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
	if _, err := New(&fakeFetcher{}, wh, Options{WriteTimeout: -time.Second}); err == nil {
		t.Fatalf("expected error for negative timeout")
	}
	s, err := New(&fakeFetcher{}, wh, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Mode() != ModeReplace {
		t.Fatalf("default mode=%v", s.Mode())
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{in: "", want: ModeReplace},
		{in: "replace", want: ModeReplace},
		{in: " Append ", want: ModeAppend},
		{in: "merge", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseMode(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Fatalf("ParseMode(%q)=%q, %v", tc.in, got, err)
		}
	}
}

func TestEnsureTable_CreatesAtMostOnce(t *testing.T) {
	t.Parallel()

	wh := &fakeWarehouse{table: "t_ensure"}
	s := newTestService(t, &fakeFetcher{}, wh, ModeReplace)
	for i := 0; i < 2; i++ {
		if err := s.EnsureTable(context.Background()); err != nil {
			t.Fatalf("EnsureTable #%d: %v", i+1, err)
		}
	}
	if wh.creates != 1 {
		t.Fatalf("creates=%d, want 1", wh.creates)
	}
}

func TestEnsureTable_FailureIsSchemaError(t *testing.T) {
	t.Parallel()

	wh := &fakeWarehouse{table: "t_ensure_fail", createErr: errors.New("permission denied")}
	s := newTestService(t, &fakeFetcher{}, wh, ModeReplace)
	err := s.EnsureTable(context.Background())
	var se *SchemaError
	if !errors.As(err, &se) || se.Table != "t_ensure_fail" {
		t.Fatalf("err=%v, want *SchemaError", err)
	}
}

func TestSync_ReplaceStampsEveryRow(t *testing.T) {
	t.Parallel()

	wh := &fakeWarehouse{table: "t_replace"}
	s := newTestService(t, &fakeFetcher{records: sampleRecords(3)}, wh, ModeReplace)

	res, err := s.Sync(context.Background(), attendance.Filters{Company: "Acme"})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.RowsInserted != 3 || res.Empty || res.Table != "t_replace" || res.RunID != "run-test" {
		t.Fatalf("res=%+v", res)
	}
	if wh.creates != 1 || wh.deletes != 1 || wh.inserts != 1 {
		t.Fatalf("creates=%d deletes=%d inserts=%d", wh.creates, wh.deletes, wh.inserts)
	}
	if len(wh.rows) != 3 {
		t.Fatalf("rows=%d, want 3", len(wh.rows))
	}

	fc := colIndex(t, attendance.ColFechaCarga)
	od := colIndex(t, attendance.ColOrigenDatos)
	want := time.Date(2025, 5, 6, 7, 8, 9, 0, time.UTC)
	for i, row := range wh.rows {
		ts, ok := row[fc].(time.Time)
		if !ok || !ts.Equal(want) {
			t.Fatalf("row %d fecha_carga=%v", i, row[fc])
		}
		if row[od] != attendance.OriginTag {
			t.Fatalf("row %d origen_datos=%v", i, row[od])
		}
		if len(row) != len(attendance.ColumnNames()) {
			t.Fatalf("row %d width=%d", i, len(row))
		}
	}

	// A second sync replaces instead of accumulating.
	if _, err := s.Sync(context.Background(), attendance.Filters{}); err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if len(wh.rows) != 3 || wh.creates != 1 {
		t.Fatalf("after second sync rows=%d creates=%d", len(wh.rows), wh.creates)
	}
}

func TestSync_EmptyUpstreamWritesNothing(t *testing.T) {
	t.Parallel()

	wh := &fakeWarehouse{table: "t_empty"}
	s := newTestService(t, &fakeFetcher{records: []attendance.Record{}}, wh, ModeReplace)

	res, err := s.Sync(context.Background(), attendance.Filters{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !res.Empty || res.RowsInserted != 0 {
		t.Fatalf("res=%+v", res)
	}
	if wh.creates != 0 || wh.deletes != 0 || wh.inserts != 0 {
		t.Fatalf("creates=%d deletes=%d inserts=%d, want none", wh.creates, wh.deletes, wh.inserts)
	}
}

func TestSync_PrefersReplacer(t *testing.T) {
	t.Parallel()

	wh := &replacingWarehouse{fakeWarehouse: &fakeWarehouse{table: "t_replacer", exists: true}}
	s := newTestService(t, &fakeFetcher{records: sampleRecords(2)}, wh, ModeReplace)

	if _, err := s.Sync(context.Background(), attendance.Filters{}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if wh.replaces != 1 || wh.deletes != 0 || wh.creates != 0 {
		t.Fatalf("replaces=%d deletes=%d creates=%d", wh.replaces, wh.deletes, wh.creates)
	}
}

func TestSync_AppendKeepsExistingRows(t *testing.T) {
	t.Parallel()

	wh := &replacingWarehouse{fakeWarehouse: &fakeWarehouse{table: "t_append", exists: true, rows: [][]any{{"old"}}}}
	s := newTestService(t, &fakeFetcher{records: sampleRecords(2)}, wh, ModeAppend)

	res, err := s.Sync(context.Background(), attendance.Filters{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Mode != ModeAppend || res.RowsInserted != 2 {
		t.Fatalf("res=%+v", res)
	}
	if wh.replaces != 0 || wh.deletes != 0 || len(wh.rows) != 3 {
		t.Fatalf("replaces=%d deletes=%d rows=%d", wh.replaces, wh.deletes, len(wh.rows))
	}
}

func TestSync_ErrorsAreTyped(t *testing.T) {
	t.Parallel()

	upErr := errors.New("connection refused")
	s := newTestService(t, &fakeFetcher{err: upErr}, &fakeWarehouse{table: "t_err_fetch"}, ModeReplace)
	if _, err := s.Sync(context.Background(), attendance.Filters{}); !errors.Is(err, upErr) {
		t.Fatalf("fetch err=%v, want wrapped upstream error", err)
	}

	wh := &fakeWarehouse{table: "t_err_schema", createErr: errors.New("quota")}
	s = newTestService(t, &fakeFetcher{records: sampleRecords(1)}, wh, ModeReplace)
	var se *SchemaError
	if _, err := s.Sync(context.Background(), attendance.Filters{}); !errors.As(err, &se) {
		t.Fatalf("schema err=%v", err)
	}
	if wh.deletes != 0 || wh.inserts != 0 {
		t.Fatalf("wrote after schema failure")
	}

	wh = &fakeWarehouse{table: "t_err_write", insertErr: &storage.WriteRejected{Table: "t_err_write"}}
	s = newTestService(t, &fakeFetcher{records: sampleRecords(1)}, wh, ModeReplace)
	_, err := s.Sync(context.Background(), attendance.Filters{})
	var we *WriteError
	var wr *storage.WriteRejected
	if !errors.As(err, &we) || we.Mode != ModeReplace || !errors.As(err, &wr) {
		t.Fatalf("write err=%v", err)
	}
}

func TestSync_UncoercibleValueIsWriteRejected(t *testing.T) {
	t.Parallel()

	recs := sampleRecords(2)
	recs[1][attendance.ColMarcaTurno] = "quizás"
	wh := &fakeWarehouse{table: "t_coerce"}
	s := newTestService(t, &fakeFetcher{records: recs}, wh, ModeReplace)

	_, err := s.Sync(context.Background(), attendance.Filters{})
	var wr *storage.WriteRejected
	if !errors.As(err, &wr) || len(wr.Rows) != 1 || wr.Rows[0].Index != 1 {
		t.Fatalf("err=%v, want WriteRejected for row 1", err)
	}
	var ve *attendance.ValueError
	if !errors.As(err, &ve) || ve.Column != attendance.ColMarcaTurno {
		t.Fatalf("err=%v, want ValueError for %s", err, attendance.ColMarcaTurno)
	}
	if wh.deletes != 0 || wh.inserts != 0 {
		t.Fatalf("deletes=%d inserts=%d, want none", wh.deletes, wh.inserts)
	}
}

func TestSync_WriteIgnoresRequestCancellation(t *testing.T) {
	t.Parallel()

	wh := &fakeWarehouse{table: "t_detached", exists: true}
	s := newTestService(t, &fakeFetcher{records: sampleRecords(1)}, wh, ModeAppend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := s.Sync(ctx, attendance.Filters{}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	cancel()
	if wh.insertCtx == nil || wh.insertCtx.Err() != nil {
		t.Fatalf("insert ctx err=%v, want detached context", wh.insertCtx.Err())
	}
}

func TestSync_WriteTimeoutBoundsWritePhase(t *testing.T) {
	t.Parallel()

	wh := &fakeWarehouse{table: "t_write_timeout", exists: true}
	s, err := New(&fakeFetcher{records: sampleRecords(1)}, wh, Options{Mode: ModeAppend, WriteTimeout: time.Minute})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Sync(context.Background(), attendance.Filters{}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if _, ok := wh.insertCtx.Deadline(); !ok {
		t.Fatalf("insert ctx has no deadline")
	}
}

func TestSync_SerializesPerTable(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	f := &fakeFetcher{records: sampleRecords(1), gate: gate}
	wh := &fakeWarehouse{table: "t_serial"}
	a := newTestService(t, f, wh, ModeReplace)
	b := newTestService(t, f, wh, ModeReplace)

	done := make(chan error, 1)
	go func() {
		_, err := a.Sync(context.Background(), attendance.Filters{})
		done <- err
	}()
	for f.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	// The second service shares the table guard and must wait.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := b.Sync(ctx, attendance.Filters{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("waiting sync err=%v, want deadline exceeded", err)
	}
	if got := f.calls.Load(); got != 1 {
		t.Fatalf("fetch calls=%d, want 1 while guarded", got)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	if _, err := b.Sync(context.Background(), attendance.Filters{}); err != nil {
		t.Fatalf("Sync after release: %v", err)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()

	wh := &fakeWarehouse{table: "t_status"}
	s := newTestService(t, &fakeFetcher{records: sampleRecords(4)}, wh, ModeReplace)

	st, err := s.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Exists || st.Table != "t_status" || st.Aggregates != (storage.Aggregates{}) {
		t.Fatalf("missing table status=%+v", st)
	}

	if _, err := s.Sync(context.Background(), attendance.Filters{}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	st, err = s.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Exists || st.Aggregates.TotalRows != 4 {
		t.Fatalf("status=%+v", st)
	}
}

func TestSync_SQLiteRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	wh, err := sqlite.New(ctx, storage.Config{Kind: "sqlite", DSN: ":memory:", Table: "asistencias_roundtrip"})
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { _ = wh.Close() })

	recs := sampleRecords(5)
	recs[4][attendance.ColEmpresa] = "Globex"
	recs[4][attendance.ColHoraEntrada] = "2025-05-06T08:00:00"
	s := newTestService(t, &fakeFetcher{records: recs}, wh, ModeReplace)

	for i := 0; i < 2; i++ {
		res, err := s.Sync(ctx, attendance.Filters{})
		if err != nil {
			t.Fatalf("Sync #%d: %v", i+1, err)
		}
		if res.RowsInserted != 5 {
			t.Fatalf("Sync #%d rows=%d", i+1, res.RowsInserted)
		}
	}

	st, err := s.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Exists || st.Aggregates.TotalRows != 5 || st.Aggregates.DistinctCompanies != 2 {
		t.Fatalf("status=%+v", st)
	}
	want := time.Date(2025, 5, 6, 7, 8, 9, 0, time.UTC)
	if st.Aggregates.LastLoad == nil || !st.Aggregates.LastLoad.Equal(want) {
		t.Fatalf("LastLoad=%v, want %v", st.Aggregates.LastLoad, want)
	}
}
