// Package httpapi exposes the relay over HTTP with gin.
package httpapi

import (
	"context"

	"github.com/gin-gonic/gin"

	"attendsync/internal/attendance"
	"attendsync/internal/syncer"
	"attendsync/internal/upstream"
)

// SyncService is the part of *syncer.Service the handlers use.
type SyncService interface {
	Sync(ctx context.Context, f attendance.Filters) (syncer.Result, error)
	Status(ctx context.Context) (syncer.Status, error)
}

// Upstream forwards a query to the upstream API unchanged.
type Upstream interface {
	Passthrough(ctx context.Context, f attendance.Filters) (*upstream.Response, error)
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// NewRouter builds the gin engine with the logger and recovery middleware.
func NewRouter(svc SyncService, up Upstream) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	h := &Handler{svc: svc, up: up}
	r.GET("/", h.Health)
	r.POST("/sync-to-bigquery", h.Sync)
	r.GET("/data-status", h.DataStatus)
	r.GET("/asistencias", h.Asistencias)

	return r
}
