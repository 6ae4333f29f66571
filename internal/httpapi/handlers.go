package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"attendsync/internal/attendance"
	"attendsync/internal/syncer"
	"attendsync/internal/upstream"
)

type Handler struct {
	svc SyncService
	up  Upstream
}

func filtersFrom(c *gin.Context) attendance.Filters {
	return attendance.Filters{
		Company:   c.Query("empresa"),
		StartDate: c.Query("fecha_inicio"),
		EndDate:   c.Query("fecha_fin"),
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"message": "API funcionando correctamente",
	})
}

func (h *Handler) Sync(c *gin.Context) {
	res, err := h.svc.Sync(c.Request.Context(), filtersFrom(c))
	if err != nil {
		status, detail := syncFailure(err)
		c.JSON(status, gin.H{"detail": detail})
		return
	}
	if res.Empty {
		c.JSON(http.StatusOK, gin.H{
			"status":        "success",
			"message":       "No hay datos para cargar",
			"rows_inserted": 0,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "success",
		"message":       successMessage(res.Mode),
		"rows_inserted": res.RowsInserted,
		"table":         res.Table,
	})
}

func (h *Handler) DataStatus(c *gin.Context) {
	st, err := h.svc.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Error al consultar BigQuery: " + err.Error()})
		return
	}
	if !st.Exists {
		c.JSON(http.StatusOK, gin.H{
			"table":   st.Table,
			"status":  "table_not_exists",
			"message": "La tabla no existe aún",
		})
		return
	}

	var lastLoad *string
	if t := st.Aggregates.LastLoad; t != nil {
		s := attendance.FormatDateTime(*t)
		lastLoad = &s
	}
	c.JSON(http.StatusOK, gin.H{
		"table":           st.Table,
		"status":          "table_exists",
		"total_registros": st.Aggregates.TotalRows,
		"ultima_carga":    lastLoad,
		"empresas_unicas": st.Aggregates.DistinctCompanies,
	})
}

// Asistencias relays the upstream response body and content type unchanged.
func (h *Handler) Asistencias(c *gin.Context) {
	resp, err := h.up.Passthrough(c.Request.Context(), filtersFrom(c))
	if err != nil {
		status, detail := syncFailure(err)
		c.JSON(status, gin.H{"detail": detail})
		return
	}
	c.Data(resp.StatusCode, resp.ContentType, resp.Body)
}

func successMessage(mode syncer.Mode) string {
	if mode == syncer.ModeAppend {
		return "Datos agregados exitosamente en BigQuery"
	}
	return "Datos reemplazados exitosamente en BigQuery"
}

// syncFailure maps a sync or passthrough error to a status code and detail.
func syncFailure(err error) (int, string) {
	var (
		ue *upstream.Error
		se *syncer.SchemaError
		we *syncer.WriteError
	)
	switch {
	case errors.As(err, &ue) && ue.Kind != upstream.KindMalformed:
		return http.StatusBadGateway, "Error al conectar con la API local: " + err.Error()
	case errors.As(err, &se):
		return http.StatusInternalServerError, "Error al crear/verificar la tabla"
	case errors.As(err, &we):
		if we.Mode == syncer.ModeAppend {
			return http.StatusInternalServerError, "Error al insertar datos en BigQuery"
		}
		return http.StatusInternalServerError, "Error al reemplazar datos en BigQuery"
	default:
		return http.StatusInternalServerError, "Error inesperado: " + err.Error()
	}
}
