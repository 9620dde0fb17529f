package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/floodtwin/internal/domain"
	"github.com/shaiso/floodtwin/internal/mq"
)

// Значения конфигурации по умолчанию.
const (
	defaultPollInterval = 10 * time.Second
	defaultBatchSize    = 100

	// defaultStaleAfter — возраст PENDING вызова, после которого
	// оркестратор публикует invocation.ready повторно: первая
	// публикация могла потеряться вместе с брокером.
	defaultStaleAfter = 30 * time.Second
)

// PipelineStore — операции над пайплайнами, нужные оркестратору.
// Реализуется store.PipelineRepo и store.MemoryPipelineRepo.
type PipelineStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Pipeline, error)
	ListUnfinished(ctx context.Context, limit int) ([]domain.Pipeline, error)
	MarkRunning(ctx context.Context, id uuid.UUID) error
	SetCurrentStage(ctx context.Context, id uuid.UUID, stage int) error
	MarkSuccess(ctx context.Context, id uuid.UUID, result map[string]any) error
	MarkFailure(ctx context.Context, id uuid.UUID, failedKind, errSummary string) error
	IsCancelled(ctx context.Context, id uuid.UUID) (bool, error)
}

// InvocationStore — операции над вызовами, нужные оркестратору.
type InvocationStore interface {
	Create(ctx context.Context, inv *domain.TaskInvocation) error
	ListByStage(ctx context.Context, pipelineID uuid.UUID, stage int) ([]domain.TaskInvocation, error)
	ResetForRedelivery(ctx context.Context, id uuid.UUID) error
}

// ReadyPublisher публикует события о вызовах, готовых к выполнению.
// Реализуется mq.Publisher и mq.MemoryQueue.
type ReadyPublisher interface {
	PublishInvocationReady(ctx context.Context, invocationID, pipelineID uuid.UUID) error
}

// Orchestrator управляет выполнением пайплайнов.
//
// Orchestrator — центральный компонент системы, который:
//   - Получает новые пайплайны из очереди RabbitMQ (event-driven)
//   - Периодически проверяет незавершённые пайплайны в БД (polling
//     fallback)
//   - Компилирует цепочку стадий для каждого пайплайна
//   - Создаёт вызовы задач для членов текущей стадии
//   - Отслеживает завершение вызовов и продвигает стадию
//   - Финализирует пайплайны (SUCCESS/FAILURE)
//
// Продвижение стадии опирается только на БД и CAS: после рестарта
// состояние восстанавливается из строк invocations, а потерянные
// сообщения брокера компенсирует polling.
type Orchestrator struct {
	pipelines   PipelineStore
	invocations InvocationStore
	publisher   ReadyPublisher
	conn        *mq.Connection

	// active — пайплайны в работе этого процесса (pipelineID → exec).
	active map[uuid.UUID]*PipelineExec
	mu     sync.RWMutex

	submittedConsumer *mq.Consumer
	completedConsumer *mq.Consumer

	pollInterval time.Duration
	batchSize    int
	staleAfter   time.Duration

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Orchestrator.
type Config struct {
	Pipelines   PipelineStore
	Invocations InvocationStore

	// Publisher публикует invocation.ready. nil допустим: воркеры
	// подберут вызовы через собственный polling.
	Publisher ReadyPublisher

	// Conn — соединение с брокером. nil означает работу только на
	// polling.
	Conn *mq.Connection

	PollInterval time.Duration
	BatchSize    int
	StaleAfter   time.Duration

	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Orchestrator{
		pipelines:    cfg.Pipelines,
		invocations:  cfg.Invocations,
		publisher:    cfg.Publisher,
		conn:         cfg.Conn,
		active:       make(map[uuid.UUID]*PipelineExec),
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		staleAfter:   cfg.StaleAfter,
		logger:       cfg.Logger,
	}
}

// Start запускает Orchestrator.
//
// Запускает:
//   - Consumer для pipelines.submitted
//   - Consumer для invocations.completed
//   - Polling горутину для fallback
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel

	o.logger.Info("starting orchestrator",
		"poll_interval", o.pollInterval,
		"batch_size", o.batchSize,
	)

	if o.conn != nil {
		o.submittedConsumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
			Queue:    mq.QueuePipelinesSubmitted,
			Handler:  o.handlePipelineSubmitted,
			Prefetch: 10,
		})

		o.completedConsumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
			Queue:    mq.QueueInvocationsCompleted,
			Handler:  o.handleInvocationCompleted,
			Prefetch: 10,
		})

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.submittedConsumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("pipeline consumer error", "error", err)
			}
		}()

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.completedConsumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("completion consumer error", "error", err)
			}
		}()
	} else {
		o.logger.Warn("no broker connection, orchestrator runs on polling only")
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.pollLoop(ctx)
	}()

	o.logger.Info("orchestrator started")
	return nil
}

// Stop останавливает Orchestrator.
func (o *Orchestrator) Stop() {
	o.stoppedMu.Lock()
	o.stopped = true
	o.stoppedMu.Unlock()

	o.logger.Info("stopping orchestrator...")

	if o.cancelFunc != nil {
		o.cancelFunc()
	}

	if o.submittedConsumer != nil {
		o.submittedConsumer.Stop()
	}
	if o.completedConsumer != nil {
		o.completedConsumer.Stop()
	}

	o.wg.Wait()

	o.logger.Info("orchestrator stopped",
		"active_pipelines", o.ActiveCount(),
	)
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.stoppedMu.RLock()
	defer o.stoppedMu.RUnlock()
	return o.stopped
}

// pollLoop — цикл polling для fallback.
func (o *Orchestrator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	// Первый poll сразу при старте: подхватываем пайплайны,
	// отправленные пока оркестратор был выключен.
	o.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.poll(ctx)
		}
	}
}

// poll выполняет один цикл polling: берёт в работу PENDING пайплайны
// и доводит RUNNING, чьи события потерялись вместе с брокером.
func (o *Orchestrator) poll(ctx context.Context) {
	unfinished, err := o.pipelines.ListUnfinished(ctx, o.batchSize)
	if err != nil {
		o.logger.Error("failed to list unfinished pipelines", "error", err)
		return
	}
	if len(unfinished) == 0 {
		return
	}

	o.logger.Debug("poll found unfinished pipelines", "count", len(unfinished))

	for i := range unfinished {
		if ctx.Err() != nil {
			return
		}
		p := &unfinished[i]

		switch p.State {
		case domain.PipelinePending:
			if err := o.HandleSubmitted(ctx, p.ID); err != nil {
				o.logger.Error("failed to process pipeline from poll",
					"pipeline_id", p.ID,
					"error", err,
				)
			}
		case domain.PipelineRunning:
			if err := o.drive(ctx, p.ID); err != nil {
				o.logger.Error("failed to drive pipeline from poll",
					"pipeline_id", p.ID,
					"error", err,
				)
			}
		}
	}
}

// isActive проверяет, обрабатывается ли пайплайн этим процессом.
func (o *Orchestrator) isActive(id uuid.UUID) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, exists := o.active[id]
	return exists
}

// getActive возвращает активный PipelineExec.
func (o *Orchestrator) getActive(id uuid.UUID) *PipelineExec {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.active[id]
}

// addActive добавляет пайплайн в активные.
func (o *Orchestrator) addActive(exec *PipelineExec) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.active[exec.ID()]; exists {
		return ErrPipelineAlreadyActive
	}
	o.active[exec.ID()] = exec
	return nil
}

// removeActive удаляет пайплайн из активных.
func (o *Orchestrator) removeActive(id uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, id)
}

// ActiveCount возвращает количество активных пайплайнов.
func (o *Orchestrator) ActiveCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.active)
}

// ActiveStats возвращает статистику по активному пайплайну.
func (o *Orchestrator) ActiveStats(id uuid.UUID) (Stats, bool) {
	o.mu.RLock()
	exec, exists := o.active[id]
	o.mu.RUnlock()
	if !exists {
		return Stats{}, false
	}
	return exec.Stats(), true
}
