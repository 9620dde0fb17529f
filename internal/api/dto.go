package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/floodtwin/internal/domain"
)

// BBox — прямоугольная рамка области двумя углами.
type BBox struct {
	Lat1 float64 `json:"lat1"`
	Lng1 float64 `json:"lng1"`
	Lat2 float64 `json:"lat2"`
	Lng2 float64 `json:"lng2"`
}

// SubmitPipelineRequest — запрос на запуск пайплайна. Область задаётся
// либо полигоном wkt, либо рамкой bbox, но не обоими сразу.
type SubmitPipelineRequest struct {
	WKT     string                 `json:"wkt,omitempty"`
	BBox    *BBox                  `json:"bbox,omitempty"`
	Options domain.PipelineOptions `json:"options"`
}

// PipelineResponse — ответ с пайплайном.
type PipelineResponse struct {
	ID           uuid.UUID              `json:"id"`
	AreaWKT      string                 `json:"area_wkt"`
	Options      domain.PipelineOptions `json:"options"`
	State        string                 `json:"state"`
	CurrentStage int                    `json:"current_stage"`
	Result       map[string]any         `json:"result,omitempty"`
	FailedKind   string                 `json:"failed_kind,omitempty"`
	Error        string                 `json:"error,omitempty"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	FinishedAt   *time.Time             `json:"finished_at,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// PipelineFromDomain конвертирует domain.Pipeline в PipelineResponse.
func PipelineFromDomain(p *domain.Pipeline) PipelineResponse {
	return PipelineResponse{
		ID:           p.ID,
		AreaWKT:      p.AreaWKT,
		Options:      p.Options,
		State:        string(p.State),
		CurrentStage: p.CurrentStage,
		Result:       p.Result,
		FailedKind:   p.FailedKind,
		Error:        p.Error,
		StartedAt:    p.StartedAt,
		FinishedAt:   p.FinishedAt,
		CreatedAt:    p.CreatedAt,
	}
}

// DepthResponse — временной ряд глубин в точке сетки, ближайшей к
// запрошенным координатам.
type DepthResponse struct {
	PipelineID uuid.UUID `json:"pipeline_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Times      []float64 `json:"times_s"`
	Depths     []float64 `json:"depths_m"`
	MaxDepth   float64   `json:"max_depth_m"`
}

// HealthResponse — сводка живости сервиса и его зависимостей.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}
