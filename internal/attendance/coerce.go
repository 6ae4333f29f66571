package attendance

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"attendsync/internal/storage"
)

// ValueError reports a record value that cannot be coerced to its column type.
type ValueError struct {
	Row    int // 0-based record index, -1 when unknown
	Column string
	Value  any
	Reason string
}

func (e *ValueError) Error() string {
	if e.Row < 0 {
		return fmt.Sprintf("column %s: %s (value %v)", e.Column, e.Reason, e.Value)
	}
	return fmt.Sprintf("row %d: column %s: %s (value %v)", e.Row, e.Column, e.Reason, e.Value)
}

// Rows coerces records into positional rows aligned with ColumnNames.
//
// Keys outside the fixed column set are dropped; missing keys become nil.
// The first value that cannot be coerced aborts with a *ValueError.
func Rows(records []Record) ([][]any, error) {
	out := make([][]any, 0, len(records))
	for i, r := range records {
		row, err := Row(r)
		if err != nil {
			if ve, ok := err.(*ValueError); ok {
				ve.Row = i
			}
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

// Row coerces one record into a positional row aligned with ColumnNames.
//
// Output types per column:
//   - string   -> string
//   - bool     -> bool
//   - datetime -> time.Time (naive, UTC location)
//
// nil and "" become nil for every column type.
func Row(r Record) ([]any, error) {
	row := make([]any, len(columns))
	for i, c := range columns {
		v, err := coerce(c, r[c.Name])
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}

func coerce(c storage.ColumnSpec, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return nil, nil
	}

	switch c.Type {
	case storage.TypeString:
		return coerceString(v), nil

	case storage.TypeBool:
		b, ok := coerceBool(v)
		if !ok {
			return nil, &ValueError{Row: -1, Column: c.Name, Value: v, Reason: "not a boolean"}
		}
		return b, nil

	case storage.TypeDateTime:
		switch t := v.(type) {
		case time.Time:
			return WallClock(t), nil
		case string:
			ts, err := ParseDateTime(t)
			if err != nil {
				return nil, &ValueError{Row: -1, Column: c.Name, Value: v, Reason: err.Error()}
			}
			return ts, nil
		default:
			return nil, &ValueError{Row: -1, Column: c.Name, Value: v, Reason: fmt.Sprintf("unsupported datetime value %T", v)}
		}

	default:
		return nil, &ValueError{Row: -1, Column: c.Name, Value: v, Reason: fmt.Sprintf("unsupported column type %q", c.Type)}
	}
}

func coerceString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(v)
	}
}

func coerceBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case json.Number:
		switch t.String() {
		case "1":
			return true, true
		case "0":
			return false, true
		}
		return false, false
	case float64:
		switch t {
		case 1:
			return true, true
		case 0:
			return false, true
		}
		return false, false
	case int, int64:
		n := fmt.Sprint(t)
		return n == "1", n == "1" || n == "0"
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "si", "sí":
			return true, true
		case "false", "0", "no":
			return false, true
		}
		return false, false
	default:
		return false, false
	}
}

// datetimeLayouts are tried in order. Offsets in RFC 3339 input are dropped
// and the wall clock is kept, since the destination columns are naive.
var datetimeLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02",
}

// ParseDateTime parses the datetime spellings the upstream API emits into a
// naive time (UTC location, wall clock preserved).
func ParseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}
	for _, layout := range datetimeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return WallClock(ts), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}
