package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/floodtwin/internal/domain"
	"github.com/shaiso/floodtwin/internal/geo"
	"github.com/shaiso/floodtwin/internal/store"
)

// PipelineStore — часть result store, нужная для отправки.
// Реализуется store.PipelineRepo и store.MemoryPipelineRepo.
type PipelineStore interface {
	Create(ctx context.Context, p *domain.Pipeline) error
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Pipeline, error)
}

// Publisher — публикация события о новом пайплайне.
type Publisher interface {
	PublishPipelineSubmitted(ctx context.Context, pipelineID uuid.UUID) error
}

// SubmitRequest — запрос на запуск пайплайна для области.
type SubmitRequest struct {
	// WKT — полигон области.
	WKT string

	// Options — параметры сценария.
	Options domain.PipelineOptions

	// IdempotencyKey — необязательный ключ идемпотентности:
	// повторная отправка с тем же ключом вернёт существующий пайплайн.
	IdempotencyKey string
}

// SubmitterConfig — конфигурация Submitter.
type SubmitterConfig struct {
	Pipelines PipelineStore

	// Queue публикует pipeline.submitted. nil допустим: оркестратор
	// подберёт PENDING-пайплайн через polling.
	Queue Publisher

	Logger *slog.Logger
}

// Submitter — точка входа submit_area_pipeline. Валидирует полигон,
// создаёт запись пайплайна и публикует событие. Возвращает handle
// сразу после записи: ничего не ждёт и сам задач не выполняет.
type Submitter struct {
	pipelines PipelineStore
	queue     Publisher
	logger    *slog.Logger
}

// NewSubmitter создаёт Submitter.
func NewSubmitter(cfg SubmitterConfig) *Submitter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{
		pipelines: cfg.Pipelines,
		queue:     cfg.Queue,
		logger:    logger,
	}
}

// Submit валидирует область и регистрирует пайплайн.
//
// Битая геометрия отклоняется синхронно, до какой-либо записи или
// публикации: ошибка класса INPUT_ERROR, оборачивающая geo.ErrParse.
// Сбой публикации после записи не фатален — polling fallback
// оркестратора подхватит PENDING-пайплайн.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (*domain.Pipeline, error) {
	text := strings.TrimSpace(req.WKT)
	if _, err := geo.ParsePolygon(text); err != nil {
		return nil, &domain.TaskError{Kind: domain.ErrKindInput, Err: err}
	}

	if req.IdempotencyKey != "" {
		existing, err := s.pipelines.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		switch {
		case err == nil:
			s.logger.Info("pipeline submit deduplicated",
				"pipeline_id", existing.ID,
				"idempotency_key", req.IdempotencyKey,
			)
			return existing, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, domain.Transientf("idempotency lookup: %v", err)
		}
	}

	opts := req.Options
	opts.Normalize()

	now := time.Now()
	p := &domain.Pipeline{
		ID:             uuid.New(),
		AreaWKT:        text,
		Options:        opts,
		State:          domain.PipelinePending,
		CurrentStage:   -1,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.pipelines.Create(ctx, p); err != nil {
		return nil, domain.Transientf("create pipeline: %v", err)
	}

	if s.queue != nil {
		if err := s.queue.PublishPipelineSubmitted(ctx, p.ID); err != nil {
			s.logger.Warn("failed to publish pipeline.submitted, polling will pick it up",
				"pipeline_id", p.ID,
				"error", err,
			)
		}
	}

	s.logger.Info("pipeline submitted",
		"pipeline_id", p.ID,
		"tide", opts.Tide,
		"ari", opts.ARI,
	)
	return p, nil
}
