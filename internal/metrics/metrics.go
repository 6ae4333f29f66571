// Package metrics is the process-wide metrics seam used by the sync service and
// the upstream client. Core code depends only on Backend; concrete backends
// (Datadog) live in subpackages.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels are key/value dimensions attached to a sample.
type Labels map[string]string

// Backend receives counters and histogram samples.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer samples.
type Flusher interface {
	Flush() error
}

// Metric names understood by backends.
const (
	StepTotal           = "attendsync_step_total"
	StepDurationSeconds = "attendsync_step_duration_seconds"
	RecordsTotal        = "attendsync_records_total"

	HTTPRequestsTotal          = "attendsync_http_requests_total"
	HTTPErrorsTotal            = "attendsync_http_errors_total"
	HTTPRequestDurationSeconds = "attendsync_http_request_duration_seconds"
	HTTPResponseBytes          = "attendsync_http_response_bytes"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. A nil b restores the nop backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the current backend if it buffers samples.
func Flush() error {
	if f, ok := current().(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// RecordStep records one execution of a pipeline step (fetch, ensure_table,
// write, status) with its outcome and duration.
func RecordStep(step string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	l := Labels{"step": step, "status": status}
	b := current()
	b.IncCounter(StepTotal, 1, l)
	b.ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordRecords counts records by kind (fetched, written).
func RecordRecords(kind string, n int) {
	if n <= 0 {
		return
	}
	current().IncCounter(RecordsTotal, float64(n), Labels{"kind": kind})
}

// RecordHTTP records one outbound HTTP request.
//
// statusCode 0 means no response was received (transport error). bytes < 0
// means the body size is unknown and is not observed.
func RecordHTTP(target string, statusCode int, err error, d time.Duration, bytes int64) {
	status := "0"
	if statusCode > 0 {
		status = strconv.Itoa(statusCode)
	}
	l := Labels{"target": target, "status": status}

	b := current()
	b.IncCounter(HTTPRequestsTotal, 1, l)
	if err != nil || statusCode < 200 || statusCode >= 300 {
		b.IncCounter(HTTPErrorsTotal, 1, l)
	}
	b.ObserveHistogram(HTTPRequestDurationSeconds, d.Seconds(), l)
	if bytes >= 0 {
		b.ObserveHistogram(HTTPResponseBytes, float64(bytes), l)
	}
}
