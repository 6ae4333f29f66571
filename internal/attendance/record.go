// Package attendance defines the attendance record relayed from the upstream
// API into the warehouse: its fixed column set, the query filters, value
// coercion and provenance stamping.
package attendance

import (
	"net/url"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"attendsync/internal/storage"
)

// Column names as produced by the upstream API. The casing is part of the
// warehouse contract and must not be normalized.
const (
	ColRUT              = "identificador_rut"
	ColNombre           = "Nombre"
	ColApellido         = "apellido"
	ColCorrespondeTurno = "corresponde_turno"
	ColHoraEntrada      = "hora_entrada"
	ColHoraSalida       = "hora_salida"
	ColMarcaEntrada     = "Hora_marca_entrada"
	ColMarcaSalida      = "Hora_marca_salida"
	ColMarcaTurno       = "Marca_turno"
	ColAtrasoEntrada    = "Atraso_en_entrada"
	ColEmpresa          = "Empresa"
	ColMailEmpresa      = "mail_empresa"
	ColFechaCarga       = "fecha_carga"
	ColOrigenDatos      = "origen_datos"
)

// OriginTag is written to origen_datos on every synced row.
const OriginTag = "api_local"

// Record is one attendance row as decoded from the upstream JSON array.
// Values keep their JSON shape (string, bool, json.Number, nil) until Row is called.
type Record map[string]any

var columns = []storage.ColumnSpec{
	{Name: ColRUT, Type: storage.TypeString},
	{Name: ColNombre, Type: storage.TypeString},
	{Name: ColApellido, Type: storage.TypeString},
	{Name: ColCorrespondeTurno, Type: storage.TypeBool},
	{Name: ColHoraEntrada, Type: storage.TypeDateTime},
	{Name: ColHoraSalida, Type: storage.TypeDateTime},
	{Name: ColMarcaEntrada, Type: storage.TypeDateTime},
	{Name: ColMarcaSalida, Type: storage.TypeDateTime},
	{Name: ColMarcaTurno, Type: storage.TypeBool},
	{Name: ColAtrasoEntrada, Type: storage.TypeBool},
	{Name: ColEmpresa, Type: storage.TypeString},
	{Name: ColMailEmpresa, Type: storage.TypeString},
	{Name: ColFechaCarga, Type: storage.TypeDateTime},
	{Name: ColOrigenDatos, Type: storage.TypeString},
}

// TableSpec returns the fixed destination schema under the given table name.
func TableSpec(name string) storage.TableSpec {
	cols := make([]storage.ColumnSpec, len(columns))
	copy(cols, columns)
	return storage.TableSpec{Name: name, Columns: cols}
}

// ColumnNames returns the 14 destination column names in schema order.
func ColumnNames() []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = c.Name
	}
	return out
}

// StatusQuery names the columns the status aggregates run over.
func StatusQuery() storage.AggregateQuery {
	return storage.AggregateQuery{
		LoadTimeColumn: ColFechaCarga,
		CompanyColumn:  ColEmpresa,
	}
}

// Filters are the optional query parameters forwarded to the upstream API.
// An empty field means "not present".
type Filters struct {
	Company   string
	StartDate string
	EndDate   string
}

// Values renders the present filters as upstream query parameters.
//
// Blank filters are omitted, never sent empty. Values are trimmed and
// normalized to NFC so composed and decomposed spellings of the same company
// name produce the same request.
func (f Filters) Values() url.Values {
	v := url.Values{}
	add := func(key, val string) {
		val = norm.NFC.String(strings.TrimSpace(val))
		if val != "" {
			v.Set(key, val)
		}
	}
	add("empresa", f.Company)
	add("fecha_inicio", f.StartDate)
	add("fecha_fin", f.EndDate)
	return v
}

// Stamp sets the provenance columns on every record: fecha_carga to the wall
// clock of now and origen_datos to OriginTag. Upstream values for these keys
// are overwritten.
func Stamp(records []Record, now time.Time) {
	loaded := WallClock(now)
	for _, r := range records {
		r[ColFechaCarga] = loaded
		r[ColOrigenDatos] = OriginTag
	}
}

// WallClock drops the time zone of t while keeping its local wall-clock
// reading. Naive datetimes are carried as time.Time values in UTC.
func WallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// FormatDateTime renders a naive datetime the way the status endpoint reports it.
func FormatDateTime(t time.Time) string {
	return t.Format("2006-01-02T15:04:05.000000")
}
