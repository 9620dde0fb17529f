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

// InvocationRepo — репозиторий для работы с invocations.
//
// Все переходы состояний — compare-and-set: UPDATE с проверкой текущего
// состояния в WHERE. Из конкурирующих писателей выигрывает ровно один,
// остальные получают ErrStateConflict. Терминальные состояния
// (SUCCESS, FAILURE) не перезаписываются никогда.
type InvocationRepo struct {
	pool *pgxpool.Pool
}

// NewInvocationRepo создаёт новый InvocationRepo.
func NewInvocationRepo(pool *pgxpool.Pool) *InvocationRepo {
	return &InvocationRepo{pool: pool}
}

// Create создаёт новый вызов. Пара (pipeline_id, kind) уникальна:
// повторная отправка той же стадии возвращает ErrAlreadyExists
// вместо второй записи.
func (r *InvocationRepo) Create(ctx context.Context, inv *domain.TaskInvocation) error {
	payloadJSON, err := json.Marshal(inv.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	query := `
		INSERT INTO invocations (id, pipeline_id, stage, kind, attempt, state, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (pipeline_id, kind) DO NOTHING
	`
	result, err := r.pool.Exec(ctx, query,
		inv.ID,
		inv.PipelineID,
		inv.Stage,
		inv.Kind,
		inv.Attempt,
		inv.State,
		payloadJSON,
		inv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert invocation: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// GetByID возвращает вызов по ID.
func (r *InvocationRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.TaskInvocation, error) {
	query := selectInvocation + ` WHERE id = $1`
	return r.scanInvocation(r.pool.QueryRow(ctx, query, id))
}

// ListByPipeline возвращает все вызовы пайплайна в порядке стадий.
func (r *InvocationRepo) ListByPipeline(ctx context.Context, pipelineID uuid.UUID) ([]domain.TaskInvocation, error) {
	query := selectInvocation + `
		WHERE pipeline_id = $1
		ORDER BY stage ASC, kind ASC
	`
	return r.list(ctx, query, pipelineID)
}

// ListByStage возвращает вызовы одной стадии пайплайна.
func (r *InvocationRepo) ListByStage(ctx context.Context, pipelineID uuid.UUID, stage int) ([]domain.TaskInvocation, error) {
	query := selectInvocation + `
		WHERE pipeline_id = $1 AND stage = $2
		ORDER BY kind ASC
	`
	return r.list(ctx, query, pipelineID, stage)
}

// ListRunnable возвращает вызовы, не менявшиеся с olderThan:
// PENDING/RETRY — потерянные доставки, сообщение о них нужно
// опубликовать заново; STARTED — вызовы воркеров, переставших
// продлевать updated_at, их нужно перехватить через ReclaimStalled.
func (r *InvocationRepo) ListRunnable(ctx context.Context, olderThan time.Time, limit int) ([]domain.TaskInvocation, error) {
	query := selectInvocation + `
		WHERE state IN ('PENDING', 'RETRY', 'STARTED') AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`
	return r.list(ctx, query, olderThan, limit)
}

// MarkStarted переводит вызов from → STARTED и увеличивает attempt.
// Допустимые from: PENDING, RETRY.
func (r *InvocationRepo) MarkStarted(ctx context.Context, id uuid.UUID, from domain.InvocationState) error {
	if !domain.CanTransition(from, domain.StateStarted) {
		return ErrStateConflict
	}

	query := `
		UPDATE invocations
		SET state = 'STARTED', attempt = attempt + 1, started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND state = $2
	`
	result, err := r.pool.Exec(ctx, query, id, from)
	if err != nil {
		return fmt.Errorf("mark invocation started: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

// MarkRetry переводит вызов STARTED → RETRY после transient-ошибки.
func (r *InvocationRepo) MarkRetry(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE invocations
		SET state = 'RETRY', updated_at = NOW()
		WHERE id = $1 AND state = 'STARTED'
	`
	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark invocation retry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

// Touch продлевает updated_at STARTED-вызова. Живой воркер вызывает
// это периодически во время выполнения; прекращение продления делает
// вызов видимым для ListRunnable как зависший.
func (r *InvocationRepo) Touch(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE invocations
		SET updated_at = NOW()
		WHERE id = $1 AND state = 'STARTED'
	`
	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("touch invocation: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

// ReclaimStalled возвращает зависший STARTED-вызов в RETRY: воркер,
// захвативший его, умер и перестал продлевать updated_at. Условие по
// updated_at не даёт отобрать вызов у живого владельца.
func (r *InvocationRepo) ReclaimStalled(ctx context.Context, id uuid.UUID, olderThan time.Time) error {
	query := `
		UPDATE invocations
		SET state = 'RETRY', updated_at = NOW()
		WHERE id = $1 AND state = 'STARTED' AND updated_at < $2
	`
	result, err := r.pool.Exec(ctx, query, id, olderThan)
	if err != nil {
		return fmt.Errorf("reclaim stalled invocation: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

// MarkSuccess переводит вызов STARTED → SUCCESS с результатом.
func (r *InvocationRepo) MarkSuccess(ctx context.Context, id uuid.UUID, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	query := `
		UPDATE invocations
		SET state = 'SUCCESS', result = $2, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND state = 'STARTED'
	`
	res, err := r.pool.Exec(ctx, query, id, resultJSON)
	if err != nil {
		return fmt.Errorf("mark invocation success: %w", err)
	}
	if res.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

// MarkFailure переводит вызов в FAILURE из любого нетерминального
// состояния. Так state-tracking обёртка фиксирует падение независимо
// от того, в какой точке оно случилось.
func (r *InvocationRepo) MarkFailure(ctx context.Context, id uuid.UUID, errSummary string) error {
	query := `
		UPDATE invocations
		SET state = 'FAILURE', error = $2, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND state IN ('PENDING', 'STARTED', 'RETRY')
	`
	result, err := r.pool.Exec(ctx, query, id, errSummary)
	if err != nil {
		return fmt.Errorf("mark invocation failure: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

// ResetForRedelivery возвращает вызов RETRY → PENDING перед повторной
// публикацией. Attempt не трогается: его увеличивает MarkStarted.
func (r *InvocationRepo) ResetForRedelivery(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE invocations
		SET state = 'PENDING', started_at = NULL, finished_at = NULL, error = NULL, updated_at = NOW()
		WHERE id = $1 AND state = 'RETRY'
	`
	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("reset invocation: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

// StageCounts — агрегат по одной стадии пайплайна.
type StageCounts struct {
	Total     int
	Succeeded int
	Failed    int
	Terminal  int
}

// Complete — вся стадия достигла терминальных состояний.
func (c StageCounts) Complete() bool {
	return c.Terminal == c.Total
}

// AllSucceeded — все члены стадии завершились SUCCESS.
func (c StageCounts) AllSucceeded() bool {
	return c.Succeeded == c.Total
}

// StageSnapshot возвращает агрегат стадии одним запросом.
func (r *InvocationRepo) StageSnapshot(ctx context.Context, pipelineID uuid.UUID, stage int) (StageCounts, error) {
	var c StageCounts
	err := r.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE state = 'SUCCESS'),
		       count(*) FILTER (WHERE state = 'FAILURE'),
		       count(*) FILTER (WHERE state IN ('SUCCESS', 'FAILURE'))
		FROM invocations
		WHERE pipeline_id = $1 AND stage = $2
	`, pipelineID, stage).Scan(&c.Total, &c.Succeeded, &c.Failed, &c.Terminal)
	if err != nil {
		return StageCounts{}, fmt.Errorf("stage snapshot: %w", err)
	}
	return c, nil
}

// FirstFailure возвращает первый упавший вызов стадии: самый ранний
// finished_at, при равенстве — наименьший kind. Детерминирован при
// любом порядке завершения группы.
func (r *InvocationRepo) FirstFailure(ctx context.Context, pipelineID uuid.UUID, stage int) (*domain.TaskInvocation, error) {
	query := selectInvocation + `
		WHERE pipeline_id = $1 AND stage = $2 AND state = 'FAILURE'
		ORDER BY finished_at ASC, kind ASC
		LIMIT 1
	`
	return r.scanInvocation(r.pool.QueryRow(ctx, query, pipelineID, stage))
}

// AwaitTerminal опрашивает вызов до терминального состояния.
// Возвращает ErrAwaitTimeout по истечении timeout.
func (r *InvocationRepo) AwaitTerminal(ctx context.Context, id uuid.UUID, timeout time.Duration) (*domain.TaskInvocation, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()

	for {
		inv, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if inv.IsFinished() {
			return inv, nil
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

// --- Helpers ---

const selectInvocation = `
	SELECT id, pipeline_id, stage, kind, attempt, state, payload, result,
	       error, started_at, finished_at, created_at, updated_at
	FROM invocations
`

func (r *InvocationRepo) list(ctx context.Context, query string, args ...any) ([]domain.TaskInvocation, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	defer rows.Close()

	var invs []domain.TaskInvocation
	for rows.Next() {
		inv, err := r.scanInvocationFromRows(rows)
		if err != nil {
			return nil, err
		}
		invs = append(invs, *inv)
	}
	return invs, rows.Err()
}

// scanInvocation сканирует одну строку в TaskInvocation.
func (r *InvocationRepo) scanInvocation(row pgx.Row) (*domain.TaskInvocation, error) {
	var inv domain.TaskInvocation
	var payloadJSON, resultJSON []byte
	var invError *string

	err := row.Scan(
		&inv.ID,
		&inv.PipelineID,
		&inv.Stage,
		&inv.Kind,
		&inv.Attempt,
		&inv.State,
		&payloadJSON,
		&resultJSON,
		&invError,
		&inv.StartedAt,
		&inv.FinishedAt,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan invocation: %w", err)
	}

	if err := unmarshalInvocationFields(&inv, payloadJSON, resultJSON, invError); err != nil {
		return nil, err
	}
	return &inv, nil
}

// scanInvocationFromRows сканирует строку из rows в TaskInvocation.
func (r *InvocationRepo) scanInvocationFromRows(rows pgx.Rows) (*domain.TaskInvocation, error) {
	var inv domain.TaskInvocation
	var payloadJSON, resultJSON []byte
	var invError *string

	err := rows.Scan(
		&inv.ID,
		&inv.PipelineID,
		&inv.Stage,
		&inv.Kind,
		&inv.Attempt,
		&inv.State,
		&payloadJSON,
		&resultJSON,
		&invError,
		&inv.StartedAt,
		&inv.FinishedAt,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan invocation: %w", err)
	}

	if err := unmarshalInvocationFields(&inv, payloadJSON, resultJSON, invError); err != nil {
		return nil, err
	}
	return &inv, nil
}

func unmarshalInvocationFields(inv *domain.TaskInvocation, payloadJSON, resultJSON []byte, invError *string) error {
	if payloadJSON != nil {
		if err := json.Unmarshal(payloadJSON, &inv.Payload); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if resultJSON != nil {
		if err := json.Unmarshal(resultJSON, &inv.Result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if invError != nil {
		inv.Error = *invError
	}
	return nil
}
