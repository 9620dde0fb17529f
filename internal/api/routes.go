package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		Recovery(h.logger),
		Logging(h.logger),
	)

	mux.Handle("POST /api/v1/pipelines", chain(http.HandlerFunc(h.SubmitPipeline)))
	mux.Handle("GET /api/v1/pipelines", chain(http.HandlerFunc(h.ListPipelines)))
	mux.Handle("GET /api/v1/pipelines/{id}", chain(http.HandlerFunc(h.GetPipeline)))
	mux.Handle("DELETE /api/v1/pipelines/{id}", chain(http.HandlerFunc(h.CancelPipeline)))
	mux.Handle("GET /api/v1/pipelines/{id}/depth", chain(http.HandlerFunc(h.GetDepth)))

	mux.Handle("GET /healthz", chain(http.HandlerFunc(h.Healthz)))
}
