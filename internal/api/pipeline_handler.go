package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/shaiso/floodtwin/internal/domain"
	"github.com/shaiso/floodtwin/internal/geo"
	"github.com/shaiso/floodtwin/internal/pipeline"
	"github.com/shaiso/floodtwin/internal/store"
)

// SubmitPipeline запускает пайплайн для области.
// POST /api/v1/pipelines
//
// Область задаётся полигоном wkt или рамкой bbox. Битая геометрия
// отклоняется синхронно, до какой-либо записи. Заголовок
// Idempotency-Key делает повторную отправку безопасной: возвращается
// существующий пайплайн.
func (h *Handler) SubmitPipeline(w http.ResponseWriter, r *http.Request) {
	var req SubmitPipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		InvalidInput(w, "invalid request body")
		return
	}

	area := req.WKT
	switch {
	case req.WKT != "" && req.BBox != nil:
		InvalidInput(w, "wkt and bbox are mutually exclusive")
		return
	case req.WKT == "" && req.BBox == nil:
		InvalidInput(w, "either wkt or bbox is required")
		return
	case req.BBox != nil:
		var err error
		area, err = geo.WKTFromBounds(req.BBox.Lat1, req.BBox.Lng1, req.BBox.Lat2, req.BBox.Lng2)
		if err != nil {
			InvalidInput(w, err.Error())
			return
		}
	}

	p, err := h.submitter.Submit(r.Context(), pipeline.SubmitRequest{
		WKT:            area,
		Options:        req.Options,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if HandleStoreError(w, h.logger, err, "") {
		return
	}

	Created(w, PipelineFromDomain(p))
}

// ListPipelines возвращает список пайплайнов, новые первыми.
// GET /api/v1/pipelines?state=...&limit=...&offset=...
func (h *Handler) ListPipelines(w http.ResponseWriter, r *http.Request) {
	filter := store.PipelineFilter{Limit: 50}

	if state := r.URL.Query().Get("state"); state != "" {
		filter.State = domain.PipelineState(state)
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			InvalidInput(w, "invalid limit")
			return
		}
		filter.Limit = limit
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			InvalidInput(w, "invalid offset")
			return
		}
		filter.Offset = offset
	}

	pipelines, err := h.pipelines.List(r.Context(), filter)
	if HandleStoreError(w, h.logger, err, "") {
		return
	}

	result := make([]PipelineResponse, len(pipelines))
	for i := range pipelines {
		result[i] = PipelineFromDomain(&pipelines[i])
	}
	List(w, result, len(result))
}

// GetPipeline возвращает пайплайн с постадийной детализацией.
// GET /api/v1/pipelines/{id}
func (h *Handler) GetPipeline(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		InvalidInput(w, "invalid pipeline id")
		return
	}

	p, err := h.pipelines.GetByID(r.Context(), id)
	if HandleStoreError(w, h.logger, err, "pipeline not found") {
		return
	}

	rows, err := h.invocations.ListByPipeline(r.Context(), id)
	if HandleStoreError(w, h.logger, err, "") {
		return
	}
	invs := make([]*domain.TaskInvocation, len(rows))
	for i := range rows {
		invs[i] = &rows[i]
	}

	status, err := pipeline.BuildStatus(p, invs)
	if err != nil {
		InternalError(w, h.logger, err)
		return
	}
	Success(w, status)
}

// CancelPipeline кооперативно отменяет пайплайн.
// DELETE /api/v1/pipelines/{id}
//
// Запись переводится в CANCELLED; оркестратор перестаёт отправлять
// новые стадии, воркеры прерывают выполняющиеся вызовы. Уже
// завершённый пайплайн отменить нельзя — 409 INVALID_STATE.
func (h *Handler) CancelPipeline(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		InvalidInput(w, "invalid pipeline id")
		return
	}

	p, err := h.pipelines.GetByID(r.Context(), id)
	if HandleStoreError(w, h.logger, err, "pipeline not found") {
		return
	}
	if p.IsFinished() {
		InvalidState(w, "pipeline is already finished")
		return
	}

	if err := h.pipelines.MarkCancelled(r.Context(), id); err != nil {
		// Гонка с финализацией: пайплайн успел завершиться.
		HandleStoreError(w, h.logger, err, "pipeline not found")
		return
	}

	h.logger.Info("pipeline cancelled", "pipeline_id", id)

	p, err = h.pipelines.GetByID(r.Context(), id)
	if HandleStoreError(w, h.logger, err, "pipeline not found") {
		return
	}
	Success(w, PipelineFromDomain(p))
}
