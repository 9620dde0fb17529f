package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/shaiso/floodtwin/internal/domain"
	"github.com/shaiso/floodtwin/internal/store"
	"github.com/shaiso/floodtwin/internal/telemetry"
)

// Tracked — state-tracking обёртка вокруг исполнителей.
//
// Инвариант обёртки: любой провал записан в хранилище ДО того, как
// ошибка уйдёт вызывающему. Паника исполнителя превращается в
// TASK_LOGIC_ERROR и проходит тот же путь. Финал записывается ровно
// один раз: проигравший CAS писатель оставляет уже записанный исход
// нетронутым.
type Tracked struct {
	registry    *Registry
	invocations InvocationStore
	maxAttempts int
	logger      *slog.Logger
}

// NewTracked создаёт обёртку над реестром исполнителей.
func NewTracked(registry *Registry, invocations InvocationStore, maxAttempts int, logger *slog.Logger) *Tracked {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracked{
		registry:    registry,
		invocations: invocations,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Run выполняет вызов исполнителем его вида. Вызов должен быть уже в
// STARTED. Исходы:
//   - успех: SUCCESS записан, возвращается output;
//   - повторяемая ошибка при оставшихся попытках: RETRY записан,
//     возвращается ErrRetryScheduled;
//   - всё остальное: FAILURE записан, возвращается исходная ошибка.
func (t *Tracked) Run(ctx context.Context, inv *domain.TaskInvocation) (map[string]any, error) {
	started := time.Now()

	executor, err := t.registry.Get(inv.Kind)
	if err != nil {
		failure := domain.Logicf("%v", err)
		t.recordFailure(ctx, inv, failure)
		return nil, failure
	}

	result, execErr := t.capture(ctx, executor, inv)
	if execErr == nil {
		var output map[string]any
		if result != nil {
			output = result.Output
		}
		if err := t.invocations.MarkSuccess(ctx, inv.ID, output); err != nil {
			return nil, fmt.Errorf("record success: %w", err)
		}
		telemetry.InvocationsTotal.WithLabelValues(inv.Kind, string(domain.StateSuccess)).Inc()
		telemetry.InvocationDuration.WithLabelValues(inv.Kind).Observe(time.Since(started).Seconds())
		return output, nil
	}

	if domain.Retryable(execErr) && inv.CanRetry(t.maxAttempts) {
		if err := t.invocations.MarkRetry(ctx, inv.ID); err != nil {
			return nil, fmt.Errorf("record retry: %w", err)
		}
		telemetry.InvocationsTotal.WithLabelValues(inv.Kind, string(domain.StateRetry)).Inc()
		return nil, fmt.Errorf("%w: %v", ErrRetryScheduled, execErr)
	}

	t.recordFailure(ctx, inv, execErr)
	return nil, execErr
}

// capture вызывает исполнителя, превращая панику в ошибку кода задачи.
func (t *Tracked) capture(ctx context.Context, executor Executor, inv *domain.TaskInvocation) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("executor panicked",
				"kind", inv.Kind,
				"invocation_id", inv.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			result = nil
			err = domain.Logicf("panic: %v", r)
		}
	}()
	return executor.Execute(ctx, inv)
}

// recordFailure записывает FAILURE до возврата ошибки наружу.
// Конфликт CAS означает, что исход уже записан другим писателем.
func (t *Tracked) recordFailure(ctx context.Context, inv *domain.TaskInvocation, execErr error) {
	if err := t.invocations.MarkFailure(ctx, inv.ID, domain.Summary(execErr)); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			t.logger.Debug("failure already recorded", "invocation_id", inv.ID)
			return
		}
		t.logger.Error("cannot record failure",
			"invocation_id", inv.ID,
			"kind", inv.Kind,
			"error", err,
		)
		return
	}
	telemetry.InvocationsTotal.WithLabelValues(inv.Kind, string(domain.StateFailure)).Inc()
}
