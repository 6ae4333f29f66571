package config

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"

	"attendsync/internal/storage"
	"attendsync/internal/syncer"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path names the environment key.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue has error severity.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validate checks c and returns every issue found. It never stops at the
// first problem.
func Validate(c Config) []Issue {
	var issues []Issue
	add := func(sev Severity, path, format string, args ...any) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	// Upstream.
	if strings.TrimSpace(c.UpstreamURL) == "" {
		add(SeverityError, "UPSTREAM_URL", "is required")
	} else if u, err := url.Parse(c.UpstreamURL); err != nil {
		add(SeverityError, "UPSTREAM_URL", "invalid URL: %v", err)
	} else if u.Scheme != "http" && u.Scheme != "https" {
		add(SeverityError, "UPSTREAM_URL", "scheme must be http or https, got %q", u.Scheme)
	} else if u.Host == "" {
		add(SeverityError, "UPSTREAM_URL", "missing host")
	}
	if c.UpstreamTimeout <= 0 {
		add(SeverityError, "UPSTREAM_TIMEOUT", "must be > 0, got %s", c.UpstreamTimeout)
	}

	// Warehouse.
	sc := c.Storage()
	if !slices.Contains(warehouseKinds, sc.Kind) {
		add(SeverityError, "WAREHOUSE_KIND", "unknown warehouse %q (want one of %s)", c.WarehouseKind, strings.Join(warehouseKinds, ", "))
	}
	schema, name := storage.SplitQualifiedName(sc.Table)
	switch {
	case name == "":
		add(SeverityError, "DEST_TABLE", "is required")
	case strings.Contains(name, "."):
		// SplitQualifiedName leaves names with more than one dot whole.
		add(SeverityError, "DEST_TABLE", "%q has too many parts (want table or schema.table; dataset.table for bigquery)", sc.Table)
	}
	switch sc.Kind {
	case "bigquery":
		if strings.TrimSpace(sc.Project) == "" {
			add(SeverityError, "BIGQUERY_PROJECT", "is required for the bigquery warehouse")
		}
		if schema == "" && strings.TrimSpace(sc.Dataset) == "" {
			add(SeverityError, "BIGQUERY_DATASET", "is required unless DEST_TABLE is dataset-qualified")
		}
		if f := strings.TrimSpace(sc.CredentialsFile); f != "" {
			if _, err := os.Stat(f); err != nil {
				add(SeverityWarning, "GOOGLE_APPLICATION_CREDENTIALS", "cannot stat %s: %v", f, err)
			}
		}
		if sc.DSN != "" {
			add(SeverityWarning, "WAREHOUSE_DSN", "ignored by the bigquery warehouse")
		}
	case "postgres", "mssql", "sqlite":
		if strings.TrimSpace(sc.DSN) == "" {
			add(SeverityError, "WAREHOUSE_DSN", "is required for the %s warehouse", sc.Kind)
		}
	}

	mode, err := syncer.ParseMode(c.SyncMode)
	if err != nil {
		add(SeverityError, "SYNC_MODE", "%v", err)
	}
	if c.WarehouseTimeout < 0 {
		add(SeverityError, "WAREHOUSE_TIMEOUT", "must be >= 0, got %s", c.WarehouseTimeout)
	}
	if mode == syncer.ModeReplace && sc.Kind == "bigquery" {
		add(SeverityWarning, "SYNC_MODE", "replace on bigquery is not atomic; readers can observe an empty table between delete and insert")
	}

	// Server.
	if p, err := strconv.Atoi(c.Port); err != nil || p < 1 || p > 65535 {
		add(SeverityError, "PORT", "must be a port number in 1..65535, got %q", c.Port)
	}
	if c.ShutdownTimeout <= 0 {
		add(SeverityError, "SHUTDOWN_TIMEOUT", "must be > 0, got %s", c.ShutdownTimeout)
	}

	// Metrics.
	switch strings.ToLower(strings.TrimSpace(c.MetricsBackend)) {
	case "", "none":
	case "datadog":
		if c.MetricsFlush <= 0 {
			add(SeverityError, "METRICS_FLUSH", "must be > 0, got %s", c.MetricsFlush)
		}
		if os.Getenv("DD_API_KEY") == "" {
			add(SeverityWarning, "DD_API_KEY", "not set; metric submission will fail")
		}
	default:
		add(SeverityError, "METRICS_BACKEND", "unknown backend %q (want datadog or none)", c.MetricsBackend)
	}

	return issues
}
