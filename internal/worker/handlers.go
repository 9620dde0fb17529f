package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/floodtwin/internal/domain"
	"github.com/shaiso/floodtwin/internal/mq"
	"github.com/shaiso/floodtwin/internal/store"
	"github.com/shaiso/floodtwin/internal/telemetry"
)

// handleInvocationReady обрабатывает событие из очереди invocations.ready.
func (w *Worker) handleInvocationReady(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.InvocationReadyPayload](&delivery.Message)
	if err != nil {
		w.logger.Error("failed to parse invocation.ready payload", "error", err)
		return fmt.Errorf("%w: %v", mq.ErrMalformedPayload, err)
	}

	w.logger.Debug("received invocation.ready event",
		"invocation_id", payload.InvocationID,
		"pipeline_id", payload.PipelineID,
	)

	if err := w.Process(ctx, payload.InvocationID); err != nil {
		w.logger.Error("failed to process invocation",
			"invocation_id", payload.InvocationID,
			"error", err,
		)
		return err
	}
	return nil
}

// Process выполняет один вызов целиком: захват, попытки с backoff,
// публикация исхода.
//
// Возврат nil означает, что сообщение можно подтверждать: вызов либо
// доведён до терминального состояния, либо им владеет кто-то другой,
// либо он уже завершён (повторная доставка). Ошибка возвращается
// только при инфраструктурных сбоях, тогда сообщение вернётся в
// очередь.
func (w *Worker) Process(ctx context.Context, invocationID uuid.UUID) error {
	inv, err := w.invocations.GetByID(ctx, invocationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.logger.Debug("invocation not found, dropping", "invocation_id", invocationID)
			return nil
		}
		return fmt.Errorf("get invocation: %w", err)
	}

	log := telemetry.WithKind(telemetry.WithInvocationID(w.logger, inv.ID.String()), inv.Kind)

	// Повторная доставка завершённого вызова: исход уже записан,
	// сообщение просто подтверждается.
	if inv.State.IsTerminal() {
		telemetry.RedeliveriesTotal.Inc()
		log.Debug("invocation already terminal", "state", inv.State)
		return nil
	}

	// Аренда срезает дубли до первого запроса к БД. Отказ в аренде —
	// вызовом занят другой воркер. Сбой арендодателя не блокирует
	// работу: CAS в БД всё равно пропустит только одного.
	if w.lease != nil {
		ok, err := w.lease.Acquire(ctx, inv.ID)
		if err != nil {
			log.Warn("lease acquire failed, relying on DB CAS", "error", err)
		} else if !ok {
			log.Debug("invocation leased elsewhere")
			return nil
		} else {
			defer func() {
				if err := w.lease.Release(context.WithoutCancel(ctx), inv.ID); err != nil {
					log.Warn("lease release failed", "error", err)
				}
			}()
		}
	}

	// Отменённый пайплайн: вызов не стартует, сообщение подтверждается.
	if cancelled, err := w.pipelines.IsCancelled(ctx, inv.PipelineID); err == nil && cancelled {
		log.Info("pipeline cancelled, skipping invocation", "pipeline_id", inv.PipelineID)
		return nil
	}

	// Зависший STARTED: воркер-владелец умер и перестал продлевать
	// updated_at. Условие по updated_at не даёт отобрать вызов у
	// живого владельца — его доставка просто подтверждается.
	if inv.State == domain.StateStarted {
		cutoff := time.Now().Add(-w.staleAfter)
		if err := w.invocations.ReclaimStalled(ctx, inv.ID, cutoff); err != nil {
			if errors.Is(err, store.ErrStateConflict) {
				log.Debug("invocation owned by a live worker, dropping")
				return nil
			}
			return fmt.Errorf("reclaim stalled invocation: %w", err)
		}
		log.Warn("reclaimed stalled invocation", "pipeline_id", inv.PipelineID)
		inv, err = w.invocations.GetByID(ctx, inv.ID)
		if err != nil {
			return fmt.Errorf("reload invocation: %w", err)
		}
	}

	for {
		// CAS-захват: ровно один воркер переведёт вызов в STARTED.
		if err := w.invocations.MarkStarted(ctx, inv.ID, inv.State); err != nil {
			if errors.Is(err, store.ErrStateConflict) {
				log.Debug("invocation claimed by another worker")
				return nil
			}
			return fmt.Errorf("mark started: %w", err)
		}

		inv, err = w.invocations.GetByID(ctx, inv.ID)
		if err != nil {
			return fmt.Errorf("reload invocation: %w", err)
		}

		log.Info("invocation started",
			"pipeline_id", inv.PipelineID,
			"attempt", inv.Attempt,
		)

		execCtx, stopWatch := w.watchExecution(ctx, inv.ID, inv.PipelineID)
		_, runErr := w.tracked.Run(execCtx, inv)
		stopWatch()

		if runErr == nil {
			log.Info("invocation succeeded", "attempt", inv.Attempt)
			return w.publishCompletion(ctx, inv.ID)
		}

		if errors.Is(runErr, ErrRetryScheduled) {
			delay := w.backoff(inv.Attempt)
			log.Warn("invocation will retry",
				"attempt", inv.Attempt,
				"delay", delay,
				"error", runErr,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				// Вызов остался в RETRY, его подберёт polling.
				return nil
			}
			inv.State = domain.StateRetry
			continue
		}

		log.Warn("invocation failed",
			"attempt", inv.Attempt,
			"error", runErr,
		)
		return w.publishCompletion(ctx, inv.ID)
	}
}

// watchExecution сопровождает выполнение вызова: продлевает его
// updated_at, чтобы другой воркер не перехватил вызов как зависший, и
// отменяет контекст исполнителя, как только пайплайн стал CANCELLED.
func (w *Worker) watchExecution(ctx context.Context, invocationID, pipelineID uuid.UUID) (context.Context, context.CancelFunc) {
	execCtx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(cancelCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-execCtx.Done():
				return
			case <-ticker.C:
				if err := w.invocations.Touch(execCtx, invocationID); err != nil && !errors.Is(err, store.ErrStateConflict) {
					w.logger.Warn("failed to extend invocation heartbeat",
						"invocation_id", invocationID,
						"error", err,
					)
				}
				cancelled, err := w.pipelines.IsCancelled(execCtx, pipelineID)
				if err == nil && cancelled {
					w.logger.Info("pipeline cancelled, interrupting invocation", "pipeline_id", pipelineID)
					cancel()
					return
				}
			}
		}
	}()

	return execCtx, cancel
}

// publishCompletion публикует событие invocation.completed по свежему
// состоянию вызова из БД. Сбой публикации не откатывает исход:
// оркестратор подхватит завершение через polling.
func (w *Worker) publishCompletion(ctx context.Context, invocationID uuid.UUID) error {
	inv, err := w.invocations.GetByID(ctx, invocationID)
	if err != nil {
		return fmt.Errorf("load invocation for completion: %w", err)
	}

	if w.publisher == nil {
		w.logger.Warn("publisher not available, skipping invocation.completed publish",
			"invocation_id", inv.ID,
		)
		return nil
	}

	payload := mq.InvocationCompletedPayload{
		InvocationID: inv.ID,
		PipelineID:   inv.PipelineID,
		Kind:         inv.Kind,
		Stage:        inv.Stage,
		State:        string(inv.State),
		Error:        inv.Error,
		Attempt:      inv.Attempt,
	}
	if inv.FinishedAt != nil {
		payload.FinishedAt = *inv.FinishedAt
	}

	if err := w.publisher.PublishInvocationCompleted(ctx, payload); err != nil {
		w.logger.Warn("failed to publish invocation.completed",
			"invocation_id", inv.ID,
			"error", err,
		)
	}
	return nil
}

// backoff — exponential backoff: initialDelay * 2^(attempt-1) с
// потолком maxDelay.
func (w *Worker) backoff(attempt int) time.Duration {
	delay := w.initialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= w.maxDelay {
			return w.maxDelay
		}
	}
	if delay > w.maxDelay {
		return w.maxDelay
	}
	return delay
}
