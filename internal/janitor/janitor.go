package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/floodtwin/internal/domain"
	"github.com/shaiso/floodtwin/internal/model"
	"github.com/shaiso/floodtwin/internal/store"
	"github.com/shaiso/floodtwin/internal/telemetry"
)

const (
	defaultRetention = 30 * 24 * time.Hour
	defaultBatchSize = 100
)

// PipelineStore — часть хранилища, нужная уборщику.
// Реализуется store.PipelineRepo и store.MemoryPipelineRepo.
type PipelineStore interface {
	ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]domain.Pipeline, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Janitor удаляет завершённые пайплайны по истечении срока хранения:
// сначала рабочую директорию модели на диске, затем строки в БД
// (вызовы и выходы уходят каскадом).
type Janitor struct {
	pipelines PipelineStore
	dataDir   string
	retention time.Duration
	batchSize int
	logger    *slog.Logger
}

// Config — конфигурация Janitor.
type Config struct {
	Pipelines PipelineStore

	// DataDir — корень рабочих директорий модели.
	DataDir string

	// Retention — срок хранения завершённых пайплайнов
	// (default: 30 дней).
	Retention time.Duration

	// BatchSize — количество пайплайнов за один тик (default: 100).
	BatchSize int

	Logger *slog.Logger
}

// New создаёт новый Janitor.
func New(cfg Config) *Janitor {
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Janitor{
		pipelines: cfg.Pipelines,
		dataDir:   cfg.DataDir,
		retention: cfg.Retention,
		batchSize: cfg.BatchSize,
		logger:    cfg.Logger,
	}
}

// Tick выполняет один проход уборки.
//
// Порядок важен: директория удаляется до строки в БД. Если снести
// директорию не удалось, строка остаётся и следующий тик повторит
// попытку. Ошибка одного пайплайна не блокирует остальные.
func (j *Janitor) Tick(ctx context.Context) error {
	cutoff := time.Now().Add(-j.retention)

	expired, err := j.pipelines.ListExpired(ctx, cutoff, j.batchSize)
	if err != nil {
		return fmt.Errorf("list expired pipelines: %w", err)
	}
	if len(expired) == 0 {
		return nil
	}

	var purged int
	for i := range expired {
		p := &expired[i]

		runDir := model.RunDir(j.dataDir, p.ID)
		if err := os.RemoveAll(runDir); err != nil {
			j.logger.Error("failed to remove run directory",
				"pipeline_id", p.ID,
				"run_dir", runDir,
				"error", err,
			)
			continue
		}

		if err := j.pipelines.Delete(ctx, p.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Удалён параллельным уборщиком.
				continue
			}
			j.logger.Error("failed to delete pipeline",
				"pipeline_id", p.ID,
				"error", err,
			)
			continue
		}

		telemetry.PurgedPipelinesTotal.Inc()
		purged++
		j.logger.Info("pipeline purged",
			"pipeline_id", p.ID,
			"state", p.State,
			"finished_at", p.FinishedAt,
		)
	}

	j.logger.Info("janitor tick completed",
		"expired", len(expired),
		"purged", purged,
	)
	return nil
}

// Run выполняет Tick по cron-расписанию до отмены контекста.
// Ошибки тика логируются, цикл продолжается.
func (j *Janitor) Run(ctx context.Context, cronExpr string) error {
	schedule, err := ParseExpr(cronExpr)
	if err != nil {
		return err
	}

	j.logger.Info("janitor started",
		"schedule", cronExpr,
		"retention", j.retention,
		"data_dir", j.dataDir,
	)

	for {
		next := schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if err := j.Tick(ctx); err != nil {
			j.logger.Error("janitor tick failed", "error", err)
		}
	}
}
