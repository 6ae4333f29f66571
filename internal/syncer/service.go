// Package syncer runs the fetch, ensure, stamp and write pipeline that mirrors
// upstream attendance records into the warehouse table, and answers status
// queries against that table.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"attendsync/internal/attendance"
	"attendsync/internal/metrics"
	"attendsync/internal/storage"
)

// Mode selects how a sync writes to the destination table.
type Mode string

const (
	ModeReplace Mode = "replace"
	ModeAppend  Mode = "append"
)

// ParseMode accepts "replace" and "append" (case-insensitive). Empty means replace.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(ModeReplace):
		return ModeReplace, nil
	case string(ModeAppend):
		return ModeAppend, nil
	default:
		return "", fmt.Errorf("unknown sync mode %q (want replace or append)", s)
	}
}

// Fetcher loads records from the upstream source.
type Fetcher interface {
	FetchRecords(ctx context.Context, f attendance.Filters) ([]attendance.Record, error)
}

type Options struct {
	Mode Mode

	// WriteTimeout bounds the ensure and write phase. Zero means no bound.
	WriteTimeout time.Duration

	// Test hooks.
	now      func() time.Time
	newRunID func() string
}

// Result summarizes one sync run.
type Result struct {
	RunID        string
	Table        string
	Mode         Mode
	RowsInserted int64
	Empty        bool // upstream returned no records; nothing was written
}

// Status describes the destination table. Aggregates are only meaningful when Exists.
type Status struct {
	Table      string
	Exists     bool
	Aggregates storage.Aggregates
}

type Service struct {
	fetcher      Fetcher
	wh           storage.Warehouse
	mode         Mode
	writeTimeout time.Duration
	guard        chan struct{}
	now          func() time.Time
	newRunID     func() string
}

func New(f Fetcher, wh storage.Warehouse, opts Options) (*Service, error) {
	if f == nil {
		return nil, errors.New("syncer: nil fetcher")
	}
	if wh == nil {
		return nil, errors.New("syncer: nil warehouse")
	}
	mode, err := ParseMode(string(opts.Mode))
	if err != nil {
		return nil, fmt.Errorf("syncer: %w", err)
	}
	if opts.WriteTimeout < 0 {
		return nil, fmt.Errorf("syncer: negative write timeout %s", opts.WriteTimeout)
	}

	s := &Service{
		fetcher:      f,
		wh:           wh,
		mode:         mode,
		writeTimeout: opts.WriteTimeout,
		guard:        guardFor(wh.Table()),
		now:          opts.now,
		newRunID:     opts.newRunID,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newRunID == nil {
		s.newRunID = uuid.NewString
	}
	return s, nil
}

func (s *Service) Table() string { return s.wh.Table() }
func (s *Service) Mode() Mode    { return s.mode }

// EnsureTable creates the destination table when it does not exist.
// Any failure is returned as *SchemaError.
func (s *Service) EnsureTable(ctx context.Context) error {
	start := time.Now()
	err := s.ensureTable(ctx)
	metrics.RecordStep("ensure_table", err, time.Since(start))
	return err
}

func (s *Service) ensureTable(ctx context.Context) error {
	table := s.wh.Table()
	exists, err := s.wh.TableExists(ctx)
	if err != nil {
		return &SchemaError{Table: table, Err: err}
	}
	if exists {
		return nil
	}
	if err := s.wh.CreateTable(ctx, attendance.TableSpec(table)); err != nil {
		return &SchemaError{Table: table, Err: err}
	}
	log.Printf("syncer: created table=%s", table)
	return nil
}

// Sync fetches the records matching f and writes them to the destination table.
//
// At most one Sync runs per table at a time; a waiting call gives up with the
// ctx error. Once the write phase begins, cancellation of ctx no longer
// interrupts it.
func (s *Service) Sync(ctx context.Context, f attendance.Filters) (Result, error) {
	res := Result{RunID: s.newRunID(), Table: s.wh.Table(), Mode: s.mode}
	start := time.Now()

	release, err := acquire(ctx, s.guard)
	if err != nil {
		err = fmt.Errorf("sync %s: waiting for in-flight sync: %w", res.Table, err)
		s.logRun(res, f, start, err)
		return res, err
	}
	defer release()

	err = s.run(ctx, f, &res)
	s.logRun(res, f, start, err)
	return res, err
}

func (s *Service) run(ctx context.Context, f attendance.Filters, res *Result) error {
	t0 := time.Now()
	records, err := s.fetcher.FetchRecords(ctx, f)
	metrics.RecordStep("fetch", err, time.Since(t0))
	if err != nil {
		return err
	}
	metrics.RecordRecords("fetched", len(records))
	if len(records) == 0 {
		res.Empty = true
		return nil
	}

	wctx, cancel := s.writeContext(ctx)
	defer cancel()

	if err := s.EnsureTable(wctx); err != nil {
		return err
	}

	attendance.Stamp(records, s.now())

	t0 = time.Now()
	n, err := s.write(wctx, records)
	metrics.RecordStep("write", err, time.Since(t0))
	res.RowsInserted = n
	if err != nil {
		return &WriteError{Mode: s.mode, Table: res.Table, Err: err}
	}
	metrics.RecordRecords("written", int(n))
	return nil
}

func (s *Service) write(ctx context.Context, records []attendance.Record) (int64, error) {
	rows, err := attendance.Rows(records)
	if err != nil {
		var ve *attendance.ValueError
		if errors.As(err, &ve) {
			return 0, &storage.WriteRejected{
				Table: s.wh.Table(),
				Rows:  []storage.RowError{{Index: ve.Row, Err: ve}},
			}
		}
		return 0, err
	}

	cols := attendance.ColumnNames()
	if s.mode == ModeAppend {
		return s.wh.InsertRows(ctx, cols, rows)
	}
	if r, ok := s.wh.(storage.Replacer); ok {
		return r.ReplaceRows(ctx, cols, rows)
	}
	if err := s.wh.DeleteAll(ctx); err != nil {
		return 0, err
	}
	return s.wh.InsertRows(ctx, cols, rows)
}

// writeContext detaches from request cancellation and applies WriteTimeout.
func (s *Service) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	wctx := context.WithoutCancel(ctx)
	if s.writeTimeout > 0 {
		return context.WithTimeout(wctx, s.writeTimeout)
	}
	return wctx, func() {}
}

// Status reports whether the destination table exists and, if so, its
// row count, latest load time and number of distinct companies.
func (s *Service) Status(ctx context.Context) (Status, error) {
	start := time.Now()
	st, err := s.status(ctx)
	metrics.RecordStep("status", err, time.Since(start))
	if err != nil {
		log.Printf("syncer: status table=%s err=%v", st.Table, err)
	}
	return st, err
}

func (s *Service) status(ctx context.Context) (Status, error) {
	st := Status{Table: s.wh.Table()}
	exists, err := s.wh.TableExists(ctx)
	if err != nil {
		return st, &StatusError{Table: st.Table, Err: err}
	}
	if !exists {
		return st, nil
	}
	st.Exists = true
	agg, err := s.wh.Aggregate(ctx, attendance.StatusQuery())
	if err != nil {
		return st, &StatusError{Table: st.Table, Err: err}
	}
	st.Aggregates = agg
	return st, nil
}

func (s *Service) logRun(res Result, f attendance.Filters, start time.Time, err error) {
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case res.Empty:
		outcome = "empty"
	}
	filters := f.Values().Encode()
	if filters == "" {
		filters = "-"
	}
	if err != nil {
		log.Printf("syncer: run=%s table=%s mode=%s filters=%s rows=%d dur=%s outcome=%s err=%v",
			res.RunID, res.Table, res.Mode, filters, res.RowsInserted, time.Since(start).Round(time.Millisecond), outcome, err)
		return
	}
	log.Printf("syncer: run=%s table=%s mode=%s filters=%s rows=%d dur=%s outcome=%s",
		res.RunID, res.Table, res.Mode, filters, res.RowsInserted, time.Since(start).Round(time.Millisecond), outcome)
}
