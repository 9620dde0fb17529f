package api

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shaiso/floodtwin/internal/domain"
	"github.com/shaiso/floodtwin/internal/mq"
	"github.com/shaiso/floodtwin/internal/pipeline"
	"github.com/shaiso/floodtwin/internal/store"
)

// PipelineStore — часть хранилища pipelines, нужная API.
type PipelineStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Pipeline, error)
	List(ctx context.Context, filter store.PipelineFilter) ([]domain.Pipeline, error)
	MarkCancelled(ctx context.Context, id uuid.UUID) error
}

// InvocationStore — часть хранилища invocations, нужная API.
type InvocationStore interface {
	ListByPipeline(ctx context.Context, pipelineID uuid.UUID) ([]domain.TaskInvocation, error)
}

// OutputStore — часть хранилища модельных выходов, нужная API.
type OutputStore interface {
	GetByPipeline(ctx context.Context, pipelineID uuid.UUID) (*domain.ModelOutput, error)
}

// Submitter — точка входа отправки пайплайна.
// Реализуется pipeline.Submitter.
type Submitter interface {
	Submit(ctx context.Context, req pipeline.SubmitRequest) (*domain.Pipeline, error)
}

// Pinger — проверка живости БД. Реализуется pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	pipelines   PipelineStore
	invocations InvocationStore
	outputs     OutputStore
	submitter   Submitter
	db          Pinger
	broker      *mq.Connection
	logger      *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Pipelines   PipelineStore
	Invocations InvocationStore
	Outputs     OutputStore
	Submitter   Submitter

	// DB и Broker опциональны и нужны только для /healthz.
	DB     Pinger
	Broker *mq.Connection

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		pipelines:   cfg.Pipelines,
		invocations: cfg.Invocations,
		outputs:     cfg.Outputs,
		submitter:   cfg.Submitter,
		db:          cfg.DB,
		broker:      cfg.Broker,
		logger:      logger,
	}
}
