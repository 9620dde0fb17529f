package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/floodtwin/internal/domain"
)

// PipelineRepo — репозиторий для работы с pipelines.
type PipelineRepo struct {
	pool *pgxpool.Pool
}

// NewPipelineRepo создаёт новый PipelineRepo.
func NewPipelineRepo(pool *pgxpool.Pool) *PipelineRepo {
	return &PipelineRepo{pool: pool}
}

// Create создаёт новый pipeline.
func (r *PipelineRepo) Create(ctx context.Context, p *domain.Pipeline) error {
	optionsJSON, err := json.Marshal(p.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}

	query := `
		INSERT INTO pipelines (id, area_wkt, options, state, current_stage, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`
	_, err = r.pool.Exec(ctx, query,
		p.ID,
		p.AreaWKT,
		optionsJSON,
		p.State,
		p.CurrentStage,
		nullString(p.IdempotencyKey),
		p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert pipeline: %w", err)
	}
	return nil
}

// GetByID возвращает pipeline по ID.
func (r *PipelineRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Pipeline, error) {
	query := selectPipeline + ` WHERE id = $1`
	return r.scanPipeline(r.pool.QueryRow(ctx, query, id))
}

// GetByIdempotencyKey возвращает pipeline по ключу идемпотентности.
func (r *PipelineRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Pipeline, error) {
	query := selectPipeline + ` WHERE idempotency_key = $1`
	return r.scanPipeline(r.pool.QueryRow(ctx, query, key))
}

// List возвращает список pipelines с фильтрацией.
func (r *PipelineRepo) List(ctx context.Context, filter PipelineFilter) ([]domain.Pipeline, error) {
	query := selectPipeline + `
		WHERE ($1::text IS NULL OR state = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.pool.Query(ctx, query,
		nullString(string(filter.State)),
		filter.Limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []domain.Pipeline
	for rows.Next() {
		p, err := r.scanPipelineFromRows(rows)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, *p)
	}
	return pipelines, rows.Err()
}

// ListUnfinished возвращает pipelines в нетерминальных состояниях.
// Используется polling-циклом оркестратора и восстановлением при старте.
func (r *PipelineRepo) ListUnfinished(ctx context.Context, limit int) ([]domain.Pipeline, error) {
	query := selectPipeline + `
		WHERE state IN ('PENDING', 'RUNNING')
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list unfinished pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []domain.Pipeline
	for rows.Next() {
		p, err := r.scanPipelineFromRows(rows)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, *p)
	}
	return pipelines, rows.Err()
}

// MarkRunning переводит pipeline PENDING → RUNNING.
// Возвращает ErrStateConflict, если pipeline уже не PENDING:
// из двух оркестраторов, подобравших один pipeline, побеждает один.
func (r *PipelineRepo) MarkRunning(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE pipelines
		SET state = 'RUNNING', started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND state = 'PENDING'
	`
	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark pipeline running: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

// SetCurrentStage записывает номер последней отправленной стадии.
func (r *PipelineRepo) SetCurrentStage(ctx context.Context, id uuid.UUID, stage int) error {
	query := `
		UPDATE pipelines
		SET current_stage = $2, updated_at = NOW()
		WHERE id = $1 AND state = 'RUNNING'
	`
	result, err := r.pool.Exec(ctx, query, id, stage)
	if err != nil {
		return fmt.Errorf("set current stage: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

// MarkSuccess переводит pipeline RUNNING → SUCCESS с итоговым результатом.
func (r *PipelineRepo) MarkSuccess(ctx context.Context, id uuid.UUID, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	query := `
		UPDATE pipelines
		SET state = 'SUCCESS', result = $2, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND state = 'RUNNING'
	`
	res, err := r.pool.Exec(ctx, query, id, resultJSON)
	if err != nil {
		return fmt.Errorf("mark pipeline success: %w", err)
	}
	if res.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

// MarkFailure переводит pipeline в FAILURE с видом и сводкой первой ошибки.
func (r *PipelineRepo) MarkFailure(ctx context.Context, id uuid.UUID, failedKind, errSummary string) error {
	query := `
		UPDATE pipelines
		SET state = 'FAILURE', failed_kind = $2, error = $3, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND state IN ('PENDING', 'RUNNING')
	`
	result, err := r.pool.Exec(ctx, query, id, nullString(failedKind), errSummary)
	if err != nil {
		return fmt.Errorf("mark pipeline failure: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

// MarkCancelled переводит pipeline в CANCELLED.
// Терминальные состояния не перезаписываются.
func (r *PipelineRepo) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE pipelines
		SET state = 'CANCELLED', finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND state IN ('PENDING', 'RUNNING')
	`
	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark pipeline cancelled: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

// IsCancelled проверяет, отменён ли pipeline.
func (r *PipelineRepo) IsCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	var state domain.PipelineState
	err := r.pool.QueryRow(ctx, `SELECT state FROM pipelines WHERE id = $1`, id).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("get pipeline state: %w", err)
	}
	return state == domain.PipelineCancelled, nil
}

// AwaitTerminal опрашивает pipeline до терминального состояния.
// Возвращает ErrAwaitTimeout по истечении timeout.
func (r *PipelineRepo) AwaitTerminal(ctx context.Context, id uuid.UUID, timeout time.Duration) (*domain.Pipeline, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()

	for {
		p, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if p.State.IsTerminal() {
			return p, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrAwaitTimeout
		case <-tick.C:
		}
	}
}

// ListExpired возвращает завершённые pipelines, чей finished_at
// старше cutoff. Используется уборщиком: перед удалением строк нужно
// снести рабочие директории модели на диске.
func (r *PipelineRepo) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]domain.Pipeline, error) {
	query := selectPipeline + `
		WHERE state IN ('SUCCESS', 'FAILURE', 'CANCELLED')
		  AND finished_at < $1
		ORDER BY finished_at ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []domain.Pipeline
	for rows.Next() {
		p, err := r.scanPipelineFromRows(rows)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, *p)
	}
	return pipelines, rows.Err()
}

// Delete удаляет pipeline. Вызовы и артефакты удаляются каскадом.
func (r *PipelineRepo) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM pipelines WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete pipeline: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Helpers ---

// PipelineFilter — параметры фильтрации pipelines.
type PipelineFilter struct {
	State  domain.PipelineState
	Limit  int
	Offset int
}

const selectPipeline = `
	SELECT id, area_wkt, options, state, current_stage, result, failed_kind,
	       error, idempotency_key, started_at, finished_at, created_at, updated_at
	FROM pipelines
`

// scanPipeline сканирует одну строку в Pipeline.
func (r *PipelineRepo) scanPipeline(row pgx.Row) (*domain.Pipeline, error) {
	var p domain.Pipeline
	var optionsJSON, resultJSON []byte
	var failedKind, pipeError, idempotencyKey *string

	err := row.Scan(
		&p.ID,
		&p.AreaWKT,
		&optionsJSON,
		&p.State,
		&p.CurrentStage,
		&resultJSON,
		&failedKind,
		&pipeError,
		&idempotencyKey,
		&p.StartedAt,
		&p.FinishedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan pipeline: %w", err)
	}

	if err := unmarshalPipelineFields(&p, optionsJSON, resultJSON, failedKind, pipeError, idempotencyKey); err != nil {
		return nil, err
	}
	return &p, nil
}

// scanPipelineFromRows сканирует строку из rows в Pipeline.
func (r *PipelineRepo) scanPipelineFromRows(rows pgx.Rows) (*domain.Pipeline, error) {
	var p domain.Pipeline
	var optionsJSON, resultJSON []byte
	var failedKind, pipeError, idempotencyKey *string

	err := rows.Scan(
		&p.ID,
		&p.AreaWKT,
		&optionsJSON,
		&p.State,
		&p.CurrentStage,
		&resultJSON,
		&failedKind,
		&pipeError,
		&idempotencyKey,
		&p.StartedAt,
		&p.FinishedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan pipeline: %w", err)
	}

	if err := unmarshalPipelineFields(&p, optionsJSON, resultJSON, failedKind, pipeError, idempotencyKey); err != nil {
		return nil, err
	}
	return &p, nil
}

func unmarshalPipelineFields(p *domain.Pipeline, optionsJSON, resultJSON []byte, failedKind, pipeError, idempotencyKey *string) error {
	if optionsJSON != nil {
		if err := json.Unmarshal(optionsJSON, &p.Options); err != nil {
			return fmt.Errorf("unmarshal options: %w", err)
		}
	}
	if resultJSON != nil {
		if err := json.Unmarshal(resultJSON, &p.Result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if failedKind != nil {
		p.FailedKind = *failedKind
	}
	if pipeError != nil {
		p.Error = *pipeError
	}
	if idempotencyKey != nil {
		p.IdempotencyKey = *idempotencyKey
	}
	return nil
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
