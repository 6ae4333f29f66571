package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"attendsync/internal/attendance"
)

var errTrailingData = errors.New("json: unexpected data after root array")

// DecodeRecords reads a JSON array of objects from r one element at a time.
//
// Rules:
//   - the root must be an array; anything else is an error
//   - null elements are skipped
//   - any other non-object element is an error
//   - numbers are kept as json.Number so coercion decides their meaning
//
// An empty array yields an empty, non-nil slice.
func DecodeRecords(ctx context.Context, r io.Reader) ([]attendance.Record, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("json: empty body")
		}
		return nil, fmt.Errorf("json: read first token: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return nil, fmt.Errorf("json: root is %v, want array", describeToken(tok))
	}

	out := make([]attendance.Record, 0, 64)
	for dec.More() {
		var raw any
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("json: decode element %d: %w", len(out), err)
		}
		if raw == nil {
			continue
		}
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("json: element %d is %T, want object", len(out), raw)
		}
		out = append(out, attendance.Record(obj))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}

	if end, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("json: read array end: %w", err)
	} else if end != json.Delim(']') {
		return nil, fmt.Errorf("json: expected array end ']', got %v", end)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errTrailingData
	}
	return out, nil
}

func describeToken(tok any) string {
	switch t := tok.(type) {
	case json.Delim:
		if t == '{' {
			return "object"
		}
		return string(t)
	case nil:
		return "null"
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "bool"
	default:
		return fmt.Sprintf("%T", tok)
	}
}
