package upstream

import (
	"errors"
	"fmt"
)

// Kind classifies upstream failures.
type Kind string

const (
	// KindUnreachable covers transport failures: refused connections, DNS,
	// timeouts.
	KindUnreachable Kind = "unreachable"
	// KindStatus is a response outside 2xx.
	KindStatus Kind = "status"
	// KindMalformed is a 2xx response whose body is not a JSON array of objects.
	KindMalformed Kind = "malformed"
)

// Error is returned by every Client operation that fails.
type Error struct {
	Kind       Kind
	StatusCode int    // set for KindStatus
	Detail     string // short human-readable summary of the response, if any
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindStatus:
		if e.Detail != "" {
			return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Detail)
		}
		return fmt.Sprintf("upstream status %d", e.StatusCode)
	case KindMalformed:
		return fmt.Sprintf("upstream malformed response: %v", e.Err)
	default:
		return fmt.Sprintf("upstream unreachable: %v", e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err carries an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.Kind == kind
}
