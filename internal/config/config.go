// Package config loads the relay configuration from the environment, an
// optional .env file and command-line flags, and validates it into issues.
//
// Precedence, highest first: flags, process environment, .env, defaults.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"attendsync/internal/storage"
	"attendsync/internal/syncer"
)

const (
	DefaultUpstreamTimeout = 30 * time.Second
	DefaultWarehouseKind   = "bigquery"
	DefaultTable           = "asistencias_table"
	DefaultPort            = "8080"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultMetricsFlush    = 60 * time.Second
)

// warehouseKinds are the backends the binaries register.
var warehouseKinds = []string{"bigquery", "mssql", "postgres", "sqlite"}

type Config struct {
	UpstreamURL     string
	UpstreamTimeout time.Duration

	WarehouseKind    string
	WarehouseDSN     string
	Project          string
	Dataset          string
	Location         string
	CredentialsFile  string
	Table            string
	SyncMode         string
	WarehouseTimeout time.Duration

	Port            string
	ShutdownTimeout time.Duration

	MetricsBackend string
	MetricsTags    string
	MetricsFlush   time.Duration
}

// LoadDotEnv loads path into the process environment. A missing file is not
// an error. Variables already present in the environment are kept.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// FromEnv builds a Config from getenv, applying defaults for unset keys.
// Unparseable durations are reported as issues and replaced by the default.
func FromEnv(getenv func(string) string) (Config, []Issue) {
	if getenv == nil {
		getenv = os.Getenv
	}
	str := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	var issues []Issue
	dur := func(key string, def time.Duration) time.Duration {
		raw := strings.TrimSpace(getenv(key))
		if raw == "" {
			return def
		}
		d, err := parseDuration(raw)
		if err != nil {
			issues = append(issues, Issue{Severity: SeverityError, Path: key, Message: err.Error()})
			return def
		}
		return d
	}

	c := Config{
		UpstreamURL:     str("UPSTREAM_URL", ""),
		UpstreamTimeout: dur("UPSTREAM_TIMEOUT", DefaultUpstreamTimeout),

		WarehouseKind:    str("WAREHOUSE_KIND", DefaultWarehouseKind),
		WarehouseDSN:     str("WAREHOUSE_DSN", ""),
		Project:          str("BIGQUERY_PROJECT", ""),
		Dataset:          str("BIGQUERY_DATASET", ""),
		Location:         str("BIGQUERY_LOCATION", ""),
		CredentialsFile:  str("GOOGLE_APPLICATION_CREDENTIALS", ""),
		Table:            str("DEST_TABLE", DefaultTable),
		SyncMode:         str("SYNC_MODE", string(syncer.ModeReplace)),
		WarehouseTimeout: dur("WAREHOUSE_TIMEOUT", 0),

		Port:            str("PORT", DefaultPort),
		ShutdownTimeout: dur("SHUTDOWN_TIMEOUT", DefaultShutdownTimeout),

		MetricsBackend: str("METRICS_BACKEND", "none"),
		MetricsTags:    str("METRICS_TAGS", ""),
		MetricsFlush:   dur("METRICS_FLUSH", DefaultMetricsFlush),
	}
	return c, issues
}

// parseDuration accepts Go durations ("45s", "2m") and bare seconds ("45").
func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// BindFlags registers the override flags on fs. The current field values are
// the flag defaults, so call it after FromEnv.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.UpstreamURL, "upstream-url", c.UpstreamURL, "upstream attendance endpoint (env UPSTREAM_URL)")
	fs.DurationVar(&c.UpstreamTimeout, "upstream-timeout", c.UpstreamTimeout, "upstream request timeout (env UPSTREAM_TIMEOUT)")
	fs.StringVar(&c.WarehouseKind, "warehouse", c.WarehouseKind, "warehouse backend: "+strings.Join(warehouseKinds, ", ")+" (env WAREHOUSE_KIND)")
	fs.StringVar(&c.WarehouseDSN, "dsn", c.WarehouseDSN, "DSN for SQL warehouses (env WAREHOUSE_DSN)")
	fs.StringVar(&c.Project, "project", c.Project, "BigQuery project (env BIGQUERY_PROJECT)")
	fs.StringVar(&c.Dataset, "dataset", c.Dataset, "BigQuery dataset (env BIGQUERY_DATASET)")
	fs.StringVar(&c.CredentialsFile, "credentials", c.CredentialsFile, "service account key file (env GOOGLE_APPLICATION_CREDENTIALS)")
	fs.StringVar(&c.Table, "table", c.Table, "destination table (env DEST_TABLE)")
	fs.StringVar(&c.SyncMode, "mode", c.SyncMode, "sync mode: replace or append (env SYNC_MODE)")
	fs.StringVar(&c.Port, "port", c.Port, "HTTP listen port (env PORT)")
	fs.StringVar(&c.MetricsBackend, "metrics-backend", c.MetricsBackend, "metrics backend: datadog or none (env METRICS_BACKEND)")
}

// Parse builds a Config from getenv and then applies the flags in args.
// bind, when non-nil, registers extra command flags on the same set.
// Environment parse issues are returned alongside the config, not as err.
func Parse(name string, args []string, getenv func(string) string, bind func(*flag.FlagSet)) (Config, []Issue, error) {
	c, issues := FromEnv(getenv)

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	var usage strings.Builder
	fs.SetOutput(&usage)
	fs.Usage = func() {
		fmt.Fprintf(&usage, "Usage of %s:\n", fs.Name())
		fs.PrintDefaults()
	}
	c.BindFlags(fs)
	if bind != nil {
		bind(fs)
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return Config{}, nil, errors.New(usage.String())
		}
		return Config{}, nil, fmt.Errorf("%v\n\n%s", err, usage.String())
	}
	if fs.NArg() > 0 {
		return Config{}, nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return c, issues, nil
}

// Storage returns the warehouse settings.
func (c Config) Storage() storage.Config {
	return storage.Config{
		Kind:            strings.ToLower(strings.TrimSpace(c.WarehouseKind)),
		DSN:             c.WarehouseDSN,
		Project:         c.Project,
		Dataset:         c.Dataset,
		Location:        c.Location,
		CredentialsFile: c.CredentialsFile,
		Table:           c.Table,
	}
}

// Addr is the HTTP listen address.
func (c Config) Addr() string { return ":" + c.Port }

// String renders the settings for startup logs. The DSN and the upstream
// query string are left out since they may carry credentials.
func (c Config) String() string {
	up := c.UpstreamURL
	if u, err := url.Parse(c.UpstreamURL); err == nil {
		u.RawQuery = ""
		u.User = nil
		up = u.String()
	}
	return fmt.Sprintf("upstream=%s upstream_timeout=%s warehouse=%s table=%s mode=%s port=%s metrics=%s",
		up, c.UpstreamTimeout, c.WarehouseKind, c.Table, c.SyncMode, c.Port, c.MetricsBackend)
}
