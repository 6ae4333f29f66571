package syncer

import "fmt"

// SchemaError reports that the destination table could not be checked or created.
type SchemaError struct {
	Table string
	Err   error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("ensure table %s: %v", e.Table, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// WriteError reports a failed replace or append. Err is often a
// *storage.WriteRejected with row-level detail.
type WriteError struct {
	Mode  Mode
	Table string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Mode, e.Table, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// StatusError reports a failed status query.
type StatusError struct {
	Table string
	Err   error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %s: %v", e.Table, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }
