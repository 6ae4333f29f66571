// Package app wires configuration into the long-lived components shared by
// the binaries: metrics backend, upstream client, warehouse and sync service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"attendsync/internal/config"
	"attendsync/internal/metrics"
	"attendsync/internal/metrics/datadog"
	"attendsync/internal/storage"
	"attendsync/internal/syncer"
	"attendsync/internal/upstream"
)

// BackendCloser is a metrics backend with a lifecycle.
type BackendCloser interface {
	metrics.Backend
	Close() error
}

// Deps are the external seams. Zero fields use the production implementation.
type Deps struct {
	NewWarehouse func(ctx context.Context, cfg storage.Config) (storage.Warehouse, error)
	NewMetrics   func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (BackendCloser, error)
	HTTPClient   *http.Client
}

type App struct {
	Config    config.Config
	Upstream  *upstream.Client
	Warehouse storage.Warehouse
	Sync      *syncer.Service

	metrics BackendCloser
}

// Open builds every component. On error, whatever was already opened is closed.
func Open(ctx context.Context, cfg config.Config, tool string, d Deps) (*App, error) {
	if d.NewWarehouse == nil {
		d.NewWarehouse = storage.New
	}
	if d.NewMetrics == nil {
		d.NewMetrics = newDatadog
	}
	if d.HTTPClient == nil {
		d.HTTPClient = newHTTPClient()
	}

	a := &App{Config: cfg}

	switch strings.ToLower(strings.TrimSpace(cfg.MetricsBackend)) {
	case "datadog":
		tags := append(datadog.ParseTagsCSV(cfg.MetricsTags), "tool:"+tool)
		// The backend outlives ctx: Close submits the final window after shutdown.
		b, err := d.NewMetrics(context.WithoutCancel(ctx), "attendsync", tags, cfg.MetricsFlush)
		if err != nil {
			return nil, fmt.Errorf("metrics: datadog init: %w", err)
		}
		a.metrics = b
		metrics.SetBackend(b)
		log.Printf("metrics: backend=datadog flush=%s", cfg.MetricsFlush)
	default:
		log.Printf("metrics: backend=none")
	}

	up, err := upstream.NewClient(cfg.UpstreamURL, d.HTTPClient, cfg.UpstreamTimeout)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Upstream = up

	wh, err := d.NewWarehouse(ctx, cfg.Storage())
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Warehouse = wh

	mode, err := syncer.ParseMode(cfg.SyncMode)
	if err != nil {
		a.Close()
		return nil, err
	}
	svc, err := syncer.New(up, wh, syncer.Options{Mode: mode, WriteTimeout: cfg.WarehouseTimeout})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Sync = svc

	log.Printf("app: %s target=%s", cfg, wh.Table())
	return a, nil
}

// Close flushes metrics and releases the warehouse. Safe to call on a
// partially opened App.
func (a *App) Close() error {
	var errs []error
	if a.metrics != nil {
		if err := metrics.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("metrics flush: %w", err))
		}
		if err := a.metrics.Close(); err != nil {
			errs = append(errs, fmt.Errorf("metrics close: %w", err))
		}
		metrics.SetBackend(nil)
		a.metrics = nil
	}
	if a.Warehouse != nil {
		if err := a.Warehouse.Close(); err != nil {
			errs = append(errs, fmt.Errorf("warehouse close: %w", err))
		}
		a.Warehouse = nil
	}
	return errors.Join(errs...)
}

func newDatadog(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (BackendCloser, error) {
	return datadog.NewBackend(ctx, datadog.Options{
		JobName:    jobName,
		Tags:       tags,
		FlushEvery: flushEvery,
	})
}

// newHTTPClient has no client-level timeout; the upstream client bounds each
// request with its own context deadline.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConns:        32,
			MaxIdleConnsPerHost: 8,
		},
	}
}
