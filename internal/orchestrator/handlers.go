package orchestrator

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

// handlePipelineSubmitted обрабатывает событие о новом пайплайне.
func (o *Orchestrator) handlePipelineSubmitted(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.PipelineSubmittedPayload](&delivery.Message)
	if err != nil {
		o.logger.Error("failed to parse pipeline.submitted payload", "error", err)
		return fmt.Errorf("%w: %v", mq.ErrMalformedPayload, err)
	}

	o.logger.Debug("received pipeline.submitted event", "pipeline_id", payload.PipelineID)

	if err := o.HandleSubmitted(ctx, payload.PipelineID); err != nil {
		o.logger.Error("failed to process pipeline", "pipeline_id", payload.PipelineID, "error", err)
		return err
	}
	return nil
}

// handleInvocationCompleted обрабатывает событие о завершённом вызове.
func (o *Orchestrator) handleInvocationCompleted(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.InvocationCompletedPayload](&delivery.Message)
	if err != nil {
		o.logger.Error("failed to parse invocation.completed payload", "error", err)
		return fmt.Errorf("%w: %v", mq.ErrMalformedPayload, err)
	}

	o.logger.Debug("received invocation.completed event",
		"invocation_id", payload.InvocationID,
		"pipeline_id", payload.PipelineID,
		"kind", payload.Kind,
		"state", payload.State,
	)

	if err := o.HandleCompleted(ctx, payload); err != nil {
		o.logger.Error("failed to process invocation completion",
			"invocation_id", payload.InvocationID,
			"pipeline_id", payload.PipelineID,
			"error", err,
		)
		return err
	}
	return nil
}

// HandleSubmitted берёт PENDING пайплайн в работу: компилирует план,
// CAS-ом переводит пайплайн в RUNNING и отправляет первую стадию.
//
// Возврат nil означает, что событие обработано или его можно
// игнорировать (пайплайн не найден, уже взят, уже активен).
func (o *Orchestrator) HandleSubmitted(ctx context.Context, pipelineID uuid.UUID) error {
	log := telemetry.WithPipelineID(o.logger, pipelineID.String())

	if o.isActive(pipelineID) {
		log.Debug("pipeline already active, skipping")
		return nil
	}

	p, err := o.pipelines.GetByID(ctx, pipelineID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Debug("pipeline not found, dropping")
			return nil
		}
		return fmt.Errorf("get pipeline: %w", err)
	}
	if p.State != domain.PipelinePending {
		log.Debug("pipeline not pending, skipping", "state", p.State)
		return nil
	}

	exec, err := NewPipelineExec(p)
	if err != nil {
		// План не компилируется только при дефектном дереве; пайплайн
		// финализируется, чтобы не зависнуть в PENDING навсегда.
		return o.failPipeline(ctx, pipelineID, "", domain.Summary(domain.Logicf("%v", err)))
	}

	if err := o.addActive(exec); err != nil {
		return nil
	}

	// CAS: ровно один оркестратор переведёт пайплайн в RUNNING.
	if err := o.pipelines.MarkRunning(ctx, pipelineID); err != nil {
		o.removeActive(pipelineID)
		if errors.Is(err, store.ErrStateConflict) {
			log.Debug("pipeline claimed by another orchestrator")
			return nil
		}
		return fmt.Errorf("mark pipeline running: %w", err)
	}

	log.Info("pipeline started", "stages", exec.Plan.NumStages())

	return o.dispatchStage(ctx, exec)
}

// HandleCompleted продвигает пайплайн по терминальному событию вызова.
func (o *Orchestrator) HandleCompleted(ctx context.Context, payload mq.InvocationCompletedPayload) error {
	exec := o.getActive(payload.PipelineID)
	if exec == nil {
		var err error
		exec, err = o.restore(ctx, payload.PipelineID)
		if err != nil {
			return fmt.Errorf("restore pipeline state: %w", err)
		}
		if exec == nil {
			// Пайплайн завершён или не существует.
			o.logger.Debug("pipeline not active and cannot restore", "pipeline_id", payload.PipelineID)
			return nil
		}
	}

	if payload.Stage != exec.CurrentStage() {
		// Повторная доставка завершения из прошлой стадии, либо
		// обходчик отстал от БД. В обоих случаях истина в БД.
		o.logger.Debug("completion for non-current stage, resyncing",
			"pipeline_id", payload.PipelineID,
			"event_stage", payload.Stage,
			"current_stage", exec.CurrentStage(),
		)
		return o.drive(ctx, payload.PipelineID)
	}

	if err := exec.Observe(payload.Kind, domain.InvocationState(payload.State), payload.FinishedAt, payload.Error); err != nil {
		o.logger.Warn("completion for unknown stage member",
			"pipeline_id", payload.PipelineID,
			"kind", payload.Kind,
			"error", err,
		)
		return nil
	}

	return o.evaluate(ctx, exec)
}

// evaluate решает судьбу текущей стадии: ждать, упасть или двигаться
// дальше. Группа агрегируется целиком: решение принимается только
// когда все члены стадии терминальны.
func (o *Orchestrator) evaluate(ctx context.Context, exec *PipelineExec) error {
	outcome, failKind, failErr, err := exec.Resolve()
	if err != nil {
		return fmt.Errorf("resolve stage: %w", err)
	}

	switch outcome {
	case outcomeWait:
		return nil
	case outcomeFail:
		return o.failPipeline(ctx, exec.ID(), failKind, failErr)
	case outcomeFinish:
		return o.completePipeline(ctx, exec)
	default:
		return o.dispatchStage(ctx, exec)
	}
}

// dispatchStage создаёт вызовы членов текущей стадии и публикует
// invocation.ready для каждого.
//
// Создание идемпотентно: UNIQUE(pipeline_id, kind) превращает
// повторную отправку в no-op, публикация повторяется для всех
// нетерминальных строк стадии.
func (o *Orchestrator) dispatchStage(ctx context.Context, exec *PipelineExec) error {
	pipelineID := exec.ID()

	if cancelled, err := o.pipelines.IsCancelled(ctx, pipelineID); err == nil && cancelled {
		o.logger.Info("pipeline cancelled, not dispatching", "pipeline_id", pipelineID)
		o.removeActive(pipelineID)
		return nil
	}

	stage := exec.CurrentStage()
	specs := exec.StageSpecs()

	upstream, err := o.stageOutputs(ctx, pipelineID, stage-1)
	if err != nil {
		return fmt.Errorf("collect upstream outputs: %w", err)
	}

	for _, spec := range specs {
		payload := map[string]any{
			domain.PayloadAreaWKT:    exec.Pipeline.AreaWKT,
			domain.PayloadPipelineID: pipelineID.String(),
			domain.PayloadOptions:    exec.Pipeline.Options,
		}
		if len(upstream) > 0 {
			payload[domain.PayloadUpstream] = upstream
		}
		if len(spec.Params) > 0 {
			payload[domain.PayloadParams] = spec.Params
		}

		inv := &domain.TaskInvocation{
			ID:         uuid.New(),
			PipelineID: pipelineID,
			Stage:      stage,
			Kind:       spec.Kind,
			State:      domain.StatePending,
			Payload:    payload,
			CreatedAt:  time.Now(),
		}
		if err := o.invocations.Create(ctx, inv); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				// Повторная отправка стадии: вызов уже создан.
				continue
			}
			return fmt.Errorf("create invocation %s: %w", spec.Kind, err)
		}
	}

	if err := o.pipelines.SetCurrentStage(ctx, pipelineID, stage); err != nil {
		return fmt.Errorf("set current stage: %w", err)
	}

	o.logger.Info("stage dispatched",
		"pipeline_id", pipelineID,
		"stage", stage,
		"members", len(specs),
	)

	return o.publishReady(ctx, pipelineID, stage)
}

// publishReady публикует invocation.ready для всех нетерминальных
// вызовов стадии. Сбой публикации терпим: воркеры подберут вызовы
// через polling.
func (o *Orchestrator) publishReady(ctx context.Context, pipelineID uuid.UUID, stage int) error {
	if o.publisher == nil {
		return nil
	}

	rows, err := o.invocations.ListByStage(ctx, pipelineID, stage)
	if err != nil {
		return fmt.Errorf("list stage invocations: %w", err)
	}
	for i := range rows {
		inv := &rows[i]
		if inv.State.IsTerminal() || inv.State == domain.StateStarted {
			continue
		}
		if err := o.publisher.PublishInvocationReady(ctx, inv.ID, pipelineID); err != nil {
			o.logger.Warn("failed to publish invocation.ready",
				"invocation_id", inv.ID,
				"pipeline_id", pipelineID,
				"error", err,
			)
		}
	}
	return nil
}

// stageOutputs собирает результаты членов стадии в map вид → result.
// Для стадии -1 (до начала цепочки) возвращает nil.
func (o *Orchestrator) stageOutputs(ctx context.Context, pipelineID uuid.UUID, stage int) (map[string]any, error) {
	if stage < 0 {
		return nil, nil
	}
	rows, err := o.invocations.ListByStage(ctx, pipelineID, stage)
	if err != nil {
		return nil, err
	}
	outputs := make(map[string]any, len(rows))
	for i := range rows {
		inv := &rows[i]
		if inv.State == domain.StateSuccess {
			outputs[inv.Kind] = inv.Result
		}
	}
	return outputs, nil
}

// completePipeline финализирует успешный пайплайн. Результат — выход
// последней стадии: для единственного члена его result, иначе map
// вид → result.
func (o *Orchestrator) completePipeline(ctx context.Context, exec *PipelineExec) error {
	pipelineID := exec.ID()
	lastStage := exec.Plan.NumStages() - 1

	rows, err := o.invocations.ListByStage(ctx, pipelineID, lastStage)
	if err != nil {
		return fmt.Errorf("list final stage invocations: %w", err)
	}

	var result map[string]any
	switch {
	case len(rows) == 1:
		result = rows[0].Result
	case len(rows) > 1:
		result = make(map[string]any, len(rows))
		for i := range rows {
			if rows[i].State == domain.StateSuccess {
				result[rows[i].Kind] = rows[i].Result
			}
		}
	}

	if err := o.pipelines.MarkSuccess(ctx, pipelineID, result); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			// Финал уже записан (отмена или другой оркестратор).
			o.removeActive(pipelineID)
			return nil
		}
		return fmt.Errorf("mark pipeline success: %w", err)
	}

	telemetry.PipelinesTotal.WithLabelValues(string(domain.PipelineSuccess)).Inc()
	o.logger.Info("pipeline succeeded", "pipeline_id", pipelineID)

	o.removeActive(pipelineID)
	return nil
}

// failPipeline финализирует пайплайн первой ошибкой стадии.
// Остаток цепочки не отправляется.
func (o *Orchestrator) failPipeline(ctx context.Context, pipelineID uuid.UUID, failedKind, errSummary string) error {
	if err := o.pipelines.MarkFailure(ctx, pipelineID, failedKind, errSummary); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			o.removeActive(pipelineID)
			return nil
		}
		return fmt.Errorf("mark pipeline failure: %w", err)
	}

	telemetry.PipelinesTotal.WithLabelValues(string(domain.PipelineFailure)).Inc()
	o.logger.Warn("pipeline failed",
		"pipeline_id", pipelineID,
		"failed_kind", failedKind,
		"error", errSummary,
	)

	o.removeActive(pipelineID)
	return nil
}

// restore восстанавливает PipelineExec из БД. Используется, когда
// invocation.completed приходит для пайплайна, которого нет в памяти
// (после рестарта оркестратора).
func (o *Orchestrator) restore(ctx context.Context, pipelineID uuid.UUID) (*PipelineExec, error) {
	p, err := o.pipelines.GetByID(ctx, pipelineID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get pipeline: %w", err)
	}
	if p.IsFinished() {
		return nil, nil
	}

	stage := p.CurrentStage
	if stage < 0 {
		stage = 0
	}
	exec, err := NewPipelineExecAt(p, stage)
	if err != nil {
		return nil, err
	}

	rows, err := o.invocations.ListByStage(ctx, pipelineID, stage)
	if err != nil {
		return nil, fmt.Errorf("list stage invocations: %w", err)
	}
	exec.RestoreFromInvocations(rows)

	if err := o.addActive(exec); err != nil {
		if errors.Is(err, ErrPipelineAlreadyActive) {
			return o.getActive(pipelineID), nil
		}
		return nil, err
	}

	o.logger.Info("pipeline state restored",
		"pipeline_id", pipelineID,
		"stage", stage,
	)
	return exec, nil
}

// drive доводит RUNNING пайплайн по состоянию БД: восстанавливает
// обходчик, досылает потерянные invocation.ready и продвигает стадию,
// если она уже завершена. Используется из polling и при рассинхроне
// обходчика с БД.
func (o *Orchestrator) drive(ctx context.Context, pipelineID uuid.UUID) error {
	o.removeActive(pipelineID)
	exec, err := o.restore(ctx, pipelineID)
	if err != nil {
		return err
	}
	if exec == nil {
		return nil
	}

	if exec.StageComplete() {
		return o.evaluate(ctx, exec)
	}

	// Стадия не завершена: вернуть RETRY-вызовы в PENDING и дослать
	// ready — исходная публикация могла потеряться вместе с брокером.
	rows, err := o.invocations.ListByStage(ctx, pipelineID, exec.CurrentStage())
	if err != nil {
		return fmt.Errorf("list stage invocations: %w", err)
	}
	for i := range rows {
		inv := &rows[i]
		if inv.State != domain.StateRetry || time.Since(inv.UpdatedAt) < o.staleAfter {
			continue
		}
		if err := o.invocations.ResetForRedelivery(ctx, inv.ID); err != nil && !errors.Is(err, store.ErrStateConflict) {
			o.logger.Warn("failed to reset invocation for redelivery",
				"invocation_id", inv.ID,
				"error", err,
			)
		}
		telemetry.RedeliveriesTotal.Inc()
	}
	return o.publishReady(ctx, pipelineID, exec.CurrentStage())
}
