// Package bigquery implements storage.Warehouse on Google BigQuery.
//
// Behavior that differs from the SQL backends:
//   - There is no multi-statement transaction here. DeleteAll and InsertRows are
//     separate jobs, so a reader can observe the empty table between them and a
//     failed insert does not restore the deleted rows.
//   - Rows are written through the streaming insert API in chunks of
//     insertChunk rows; per-row rejections surface as *storage.WriteRejected.
//   - DML cannot touch rows still in the streaming buffer. A replace issued
//     within roughly 30 minutes of a previous streaming insert can fail on the
//     DELETE.
package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"attendsync/internal/storage"
)

func init() {
	storage.Register("bigquery", New)
}

// insertChunk is the number of rows per streaming insert request.
const insertChunk = 500

type Warehouse struct {
	client  *bigquery.Client
	table   *bigquery.Table
	project string
	dataset string
	name    string
}

// New opens a BigQuery client for cfg.Project.
//
// cfg.Table may be "table" (uses cfg.Dataset) or "dataset.table".
// Credentials come from cfg.CredentialsFile when set, otherwise from
// Application Default Credentials.
func New(ctx context.Context, cfg storage.Config) (storage.Warehouse, error) {
	project := strings.TrimSpace(cfg.Project)
	if project == "" {
		return nil, fmt.Errorf("bigquery: missing project")
	}
	dataset, name := storage.SplitQualifiedName(cfg.Table)
	if dataset == "" {
		dataset = strings.TrimSpace(cfg.Dataset)
	}
	if dataset == "" {
		return nil, fmt.Errorf("bigquery: missing dataset")
	}
	if name == "" {
		return nil, fmt.Errorf("bigquery: missing table")
	}
	if strings.Contains(name, ".") {
		return nil, fmt.Errorf("bigquery: table %q: want table or dataset.table", name)
	}

	var opts []option.ClientOption
	if f := strings.TrimSpace(cfg.CredentialsFile); f != "" {
		opts = append(opts, option.WithCredentialsFile(f))
	}

	client, err := bigquery.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery: new client: %w", err)
	}
	if loc := strings.TrimSpace(cfg.Location); loc != "" {
		client.Location = loc
	}

	return &Warehouse{
		client:  client,
		table:   client.Dataset(dataset).Table(name),
		project: project,
		dataset: dataset,
		name:    name,
	}, nil
}

func (w *Warehouse) Close() error { return w.client.Close() }

// Table returns "project.dataset.table".
func (w *Warehouse) Table() string { return fqName(w.project, w.dataset, w.name) }

func (w *Warehouse) TableExists(ctx context.Context) (bool, error) {
	_, err := w.table.Metadata(ctx)
	if err == nil {
		return true, nil
	}
	if hasStatus(err, http.StatusNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("bigquery: table metadata %s: %w", w.Table(), err)
}

// CreateTable treats "already exists" (409) as success so concurrent creators
// converge.
func (w *Warehouse) CreateTable(ctx context.Context, spec storage.TableSpec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("bigquery: %w", err)
	}
	schema, err := schemaFor(spec)
	if err != nil {
		return err
	}
	err = w.table.Create(ctx, &bigquery.TableMetadata{Schema: schema})
	if err == nil || hasStatus(err, http.StatusConflict) {
		return nil
	}
	return fmt.Errorf("bigquery: create table %s: %w", w.Table(), err)
}

func (w *Warehouse) DeleteAll(ctx context.Context) error {
	if err := w.runDML(ctx, buildDeleteSQL(w.Table())); err != nil {
		return fmt.Errorf("bigquery: delete from %s: %w", w.Table(), err)
	}
	return nil
}

func (w *Warehouse) runDML(ctx context.Context, sql string) error {
	q := w.client.Query(sql)
	job, err := q.Run(ctx)
	if err != nil {
		return err
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return err
	}
	return status.Err()
}

// InsertRows streams rows in chunks. Rows of chunks before a failing chunk
// stay written.
func (w *Warehouse) InsertRows(ctx context.Context, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	ins := w.table.Inserter()

	var written int64
	for _, c := range storage.Chunks(len(rows), insertChunk) {
		savers, err := buildSavers(columns, rows[c[0]:c[1]])
		if err != nil {
			return written, err
		}
		if err := ins.Put(ctx, savers); err != nil {
			if rej := toWriteRejected(w.Table(), err, c[0]); rej != nil {
				return written, rej
			}
			return written, fmt.Errorf("bigquery: insert into %s: %w", w.Table(), err)
		}
		written += int64(c[1] - c[0])
	}
	return written, nil
}

type aggregateRow struct {
	TotalRows         int64                 `bigquery:"total_registros"`
	LastLoad          bigquery.NullDateTime `bigquery:"ultima_carga"`
	DistinctCompanies int64                 `bigquery:"empresas_unicas"`
}

func (w *Warehouse) Aggregate(ctx context.Context, q storage.AggregateQuery) (storage.Aggregates, error) {
	it, err := w.client.Query(buildAggregateSQL(w.Table(), q)).Read(ctx)
	if err != nil {
		return storage.Aggregates{}, fmt.Errorf("bigquery: aggregate %s: %w", w.Table(), err)
	}

	var row aggregateRow
	if err := it.Next(&row); err != nil {
		if errors.Is(err, iterator.Done) {
			return storage.Aggregates{}, fmt.Errorf("bigquery: aggregate %s: no result row", w.Table())
		}
		return storage.Aggregates{}, fmt.Errorf("bigquery: aggregate %s: %w", w.Table(), err)
	}
	return row.toAggregates(), nil
}

func (r aggregateRow) toAggregates() storage.Aggregates {
	out := storage.Aggregates{TotalRows: r.TotalRows, DistinctCompanies: r.DistinctCompanies}
	if r.LastLoad.Valid {
		t := r.LastLoad.DateTime.In(time.UTC)
		out.LastLoad = &t
	}
	return out
}

var _ storage.Warehouse = (*Warehouse)(nil)

// ---- pure helpers ----

func fqName(project, dataset, table string) string {
	return project + "." + dataset + "." + table
}

// bqIdent backquotes a name for Standard SQL.
func bqIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "\\`") + "`"
}

// DML on BigQuery requires a WHERE clause.
func buildDeleteSQL(table string) string {
	return "DELETE FROM " + bqIdent(table) + " WHERE 1=1"
}

func buildAggregateSQL(table string, q storage.AggregateQuery) string {
	return fmt.Sprintf("SELECT COUNT(*) AS total_registros, MAX(%s) AS ultima_carga, COUNT(DISTINCT %s) AS empresas_unicas FROM %s",
		bqIdent(q.LoadTimeColumn), bqIdent(q.CompanyColumn), bqIdent(table))
}

func schemaFor(spec storage.TableSpec) (bigquery.Schema, error) {
	if len(spec.Columns) == 0 {
		return nil, fmt.Errorf("bigquery: table %s: no columns", spec.Name)
	}
	out := make(bigquery.Schema, 0, len(spec.Columns))
	for _, c := range spec.Columns {
		var typ bigquery.FieldType
		switch c.Type {
		case storage.TypeString:
			typ = bigquery.StringFieldType
		case storage.TypeBool:
			typ = bigquery.BooleanFieldType
		case storage.TypeDateTime:
			typ = bigquery.DateTimeFieldType
		default:
			return nil, fmt.Errorf("bigquery: column %s: unsupported type %q", c.Name, c.Type)
		}
		out = append(out, &bigquery.FieldSchema{Name: c.Name, Type: typ, })
	}
	return out, nil
}

// rowSaver is one positional row bound to column names.
type rowSaver struct {
	columns []string
	values  []any
}

// Save implements bigquery.ValueSaver. An empty insert ID lets the client
// generate one for best-effort dedupe.
func (r rowSaver) Save() (map[string]bigquery.Value, string, error) {
	m := make(map[string]bigquery.Value, len(r.columns))
	for i, c := range r.columns {
		v := r.values[i]
		if t, ok := v.(time.Time); ok {
			v = bigquery.CivilDateTimeString(civil.DateTimeOf(t))
		}
		m[c] = v
	}
	return m, "", nil
}

func buildSavers(columns []string, rows [][]any) ([]*rowSaver, error) {
	out := make([]*rowSaver, len(rows))
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("bigquery: row %d has %d values, want %d", i, len(row), len(columns))
		}
		out[i] = &rowSaver{columns: columns, values: row}
	}
	return out, nil
}

// toWriteRejected converts a PutMultiError into *storage.WriteRejected with
// indexes relative to the full row set. Other errors return nil.
func toWriteRejected(table string, err error, offset int) *storage.WriteRejected {
	var pme bigquery.PutMultiError
	if !errors.As(err, &pme) {
		return nil
	}
	rej := &storage.WriteRejected{Table: table}
	for _, rie := range pme {
		var cause error = rie.Errors
		if len(rie.Errors) == 1 {
			cause = rie.Errors[0]
		}
		rej.Rows = append(rej.Rows, storage.RowError{Index: offset + rie.RowIndex, Err: cause})
	}
	return rej
}

func hasStatus(err error, code int) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == code
}

var _ bigquery.ValueSaver = (*rowSaver)(nil)
