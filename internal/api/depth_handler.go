package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/floodtwin/internal/domain"
	"github.com/shaiso/floodtwin/internal/geo"
	"github.com/shaiso/floodtwin/internal/model"
)

// GetDepth возвращает временной ряд глубин в точке сетки, ближайшей
// к запрошенным координатам.
// GET /api/v1/pipelines/{id}/depth?lat=...&lng=...
//
// Доступно только для пайплайна в SUCCESS: до этого результата нет,
// запрос отвечает 409 INVALID_STATE.
func (h *Handler) GetDepth(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		InvalidInput(w, "invalid pipeline id")
		return
	}

	lat, err := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	if err != nil {
		InvalidInput(w, "invalid lat")
		return
	}
	lng, err := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
	if err != nil {
		InvalidInput(w, "invalid lng")
		return
	}
	if !geo.ValidCoordinates(lat, lng) {
		InvalidInput(w, "coordinates out of range")
		return
	}

	p, err := h.pipelines.GetByID(r.Context(), id)
	if HandleStoreError(w, h.logger, err, "pipeline not found") {
		return
	}
	if p.State != domain.PipelineSuccess {
		InvalidState(w, "pipeline has no model output yet")
		return
	}

	out, err := h.outputs.GetByPipeline(r.Context(), id)
	if HandleStoreError(w, h.logger, err, "model output not found") {
		return
	}

	grid, err := model.ParseDepths(out.ResultFile)
	if err != nil {
		InternalError(w, h.logger, err)
		return
	}
	times, depths, err := grid.NearestSeries(lat, lng)
	if err != nil {
		HandleStoreError(w, h.logger, err, "")
		return
	}

	maxDepth := 0.0
	for _, d := range depths {
		if d > maxDepth {
			maxDepth = d
		}
	}

	Success(w, DepthResponse{
		PipelineID: id,
		Lat:        lat,
		Lng:        lng,
		Times:      times,
		Depths:     depths,
		MaxDepth:   maxDepth,
	})
}

// Healthz возвращает сводку живости сервиса и его зависимостей.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "ok"

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			checks["database"] = err.Error()
			status = "degraded"
		} else {
			checks["database"] = "ok"
		}
	}

	if h.broker != nil {
		if h.broker.IsConnected() {
			checks["broker"] = "ok"
		} else {
			// Не фатально: оркестратор и воркеры живут на polling.
			checks["broker"] = "disconnected"
			status = "degraded"
		}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	JSON(w, code, HealthResponse{Status: status, Checks: checks})
}
