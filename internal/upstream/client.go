// Package upstream talks to the local attendance API that owns the records.
//
// Every failure is an *Error with a Kind; callers map kinds to their own
// responses.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"attendsync/internal/attendance"
	"attendsync/internal/metrics"

	"github.com/PuerkitoBio/goquery"
)

// DefaultTimeout bounds one outbound request when the caller passes none.
const DefaultTimeout = 30 * time.Second

const metricsTarget = "upstream"

// maxErrorBody caps how much of a non-2xx body is read for the error detail.
const maxErrorBody = 64 << 10

// Client issues GET requests against a fixed endpoint.
type Client struct {
	endpoint *url.URL
	client   *http.Client
	timeout  time.Duration
}

// NewClient validates endpoint and returns a Client. If client is nil,
// http.DefaultClient is used. timeout <= 0 means DefaultTimeout.
func NewClient(endpoint string, client *http.Client, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return nil, fmt.Errorf("upstream: parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("upstream: endpoint %q: scheme must be http or https", endpoint)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream: endpoint %q: missing host", endpoint)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{endpoint: u, client: client, timeout: timeout}, nil
}

// URL returns the request URL for f: the endpoint with only the present
// filters added to its query.
func (c *Client) URL(f attendance.Filters) string {
	u := *c.endpoint
	q := u.Query()
	for k, vs := range f.Values() {
		q[k] = vs
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// FetchRecords retrieves the records matching f.
func (c *Client) FetchRecords(ctx context.Context, f attendance.Filters) ([]attendance.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.do(ctx, f, "application/json")
	if err != nil {
		metrics.RecordHTTP(metricsTarget, 0, err, time.Since(start), -1)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		uerr, n := statusError(resp)
		metrics.RecordHTTP(metricsTarget, resp.StatusCode, uerr, time.Since(start), n)
		return nil, uerr
	}

	cr := &countingReader{r: resp.Body}
	recs, err := DecodeRecords(ctx, cr)
	if err != nil {
		err = classifyBodyErr(ctx, err)
	}
	metrics.RecordHTTP(metricsTarget, resp.StatusCode, err, time.Since(start), cr.n)
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// Response is a raw upstream reply.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Passthrough performs the same request as FetchRecords and returns the body
// unparsed. Non-2xx responses are errors.
func (c *Client) Passthrough(ctx context.Context, f attendance.Filters) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.do(ctx, f, "")
	if err != nil {
		metrics.RecordHTTP(metricsTarget, 0, err, time.Since(start), -1)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		uerr, n := statusError(resp)
		metrics.RecordHTTP(metricsTarget, resp.StatusCode, uerr, time.Since(start), n)
		return nil, uerr
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		uerr := &Error{Kind: KindUnreachable, Err: fmt.Errorf("read body: %w", err)}
		metrics.RecordHTTP(metricsTarget, resp.StatusCode, uerr, time.Since(start), int64(len(body)))
		return nil, uerr
	}
	metrics.RecordHTTP(metricsTarget, resp.StatusCode, nil, time.Since(start), int64(len(body)))

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	return &Response{StatusCode: resp.StatusCode, ContentType: ct, Body: body}, nil
}

func (c *Client) do(ctx context.Context, f attendance.Filters, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(f), nil)
	if err != nil {
		return nil, &Error{Kind: KindUnreachable, Err: fmt.Errorf("new request: %w", err)}
	}
	req.Header.Set("User-Agent", "attendsync/1.0")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindUnreachable, Err: err}
	}
	return resp, nil
}

// classifyBodyErr separates a body that stopped arriving (timeout, reset)
// from a body that arrived but is not the expected shape.
func classifyBodyErr(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindUnreachable, Err: err}
	}
	var re *readError
	if errors.As(err, &re) {
		return &Error{Kind: KindUnreachable, Err: re.err}
	}
	return &Error{Kind: KindMalformed, Err: err}
}

func statusError(resp *http.Response) (*Error, int64) {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	// Drain the rest so the connection can be reused.
	rest, _ := io.Copy(io.Discard, resp.Body)
	return &Error{
		Kind:       KindStatus,
		StatusCode: resp.StatusCode,
		Detail:     summarizeBody(resp.Header.Get("Content-Type"), body),
		Err:        fmt.Errorf("http status %d", resp.StatusCode),
	}, int64(len(body)) + rest
}

// summarizeBody returns a one-line description of an error body. HTML pages
// are reduced to their <title> or first <h1>; other bodies are trimmed and
// truncated.
func summarizeBody(contentType string, body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}

	if strings.Contains(strings.ToLower(contentType), "html") || bytes.HasPrefix(trimmed, []byte("<")) {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(trimmed))
		if err == nil {
			if s := collapseSpace(doc.Find("title").First().Text()); s != "" {
				return s
			}
			if s := collapseSpace(doc.Find("h1").First().Text()); s != "" {
				return s
			}
			if s := collapseSpace(doc.Text()); s != "" {
				return truncate(s, 200)
			}
		}
	}
	return truncate(collapseSpace(string(trimmed)), 200)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// readError marks failures of the underlying body reader, as opposed to
// JSON syntax errors found in bytes that were read successfully.
type readError struct{ err error }

func (e *readError) Error() string { return e.err.Error() }
func (e *readError) Unwrap() error { return e.err }

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if err != nil && err != io.EOF {
		return n, &readError{err: err}
	}
	return n, err
}
