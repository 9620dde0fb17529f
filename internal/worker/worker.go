package worker

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
	defaultBatchSize    = 50
	defaultPrefetch     = 5
	defaultMaxAttempts  = 3
	defaultInitialDelay = time.Second
	defaultMaxDelay     = 30 * time.Second

	// defaultStaleAfter — возраст, после которого PENDING/RETRY вызов
	// считается потерянным, а STARTED — зависшим (его воркер перестал
	// продлевать updated_at), и подбирается через polling.
	defaultStaleAfter = 30 * time.Second

	// cancelCheckInterval — период проверки отмены пайплайна во время
	// выполнения вызова.
	cancelCheckInterval = 2 * time.Second
)

// InvocationStore — операции над вызовами, нужные воркеру.
// Реализуется store.InvocationRepo и store.MemoryInvocationRepo.
type InvocationStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.TaskInvocation, error)
	ListRunnable(ctx context.Context, olderThan time.Time, limit int) ([]domain.TaskInvocation, error)
	MarkStarted(ctx context.Context, id uuid.UUID, from domain.InvocationState) error
	Touch(ctx context.Context, id uuid.UUID) error
	ReclaimStalled(ctx context.Context, id uuid.UUID, olderThan time.Time) error
	MarkRetry(ctx context.Context, id uuid.UUID) error
	MarkSuccess(ctx context.Context, id uuid.UUID, result map[string]any) error
	MarkFailure(ctx context.Context, id uuid.UUID, errSummary string) error
}

// PipelineWatcher отвечает на вопрос, отменён ли пайплайн.
type PipelineWatcher interface {
	IsCancelled(ctx context.Context, id uuid.UUID) (bool, error)
}

// CompletionPublisher публикует события о завершённых вызовах.
// Реализуется mq.Publisher и mq.MemoryQueue.
type CompletionPublisher interface {
	PublishInvocationCompleted(ctx context.Context, payload mq.InvocationCompletedPayload) error
}

// Lease — эксклюзивная аренда вызова на время выполнения.
// Реализуется lease.Manager и lease.Memory.
type Lease interface {
	Acquire(ctx context.Context, invocationID uuid.UUID) (bool, error)
	Release(ctx context.Context, invocationID uuid.UUID) error
}

// Worker выполняет вызовы задач.
//
// Worker — stateless компонент системы, который:
//   - Получает вызовы из очереди invocations.ready (event-driven)
//   - Периодически подбирает залежавшиеся PENDING/RETRY вызовы и
//     перехватывает зависшие STARTED вызовы умерших воркеров
//     (polling fallback)
//   - Выполняет вызов исполнителем его вида через state-tracking
//     обёртку
//   - Повторяет TRANSIENT-сбои с exponential backoff
//   - Публикует исход в очередь invocations.completed
//
// Воркеры масштабируются горизонтально: захват вызова защищён CAS
// PENDING→STARTED в БД, опциональная аренда в Redis срезает лишние
// попытки до первого запроса к БД.
type Worker struct {
	invocations InvocationStore
	pipelines   PipelineWatcher
	publisher   CompletionPublisher
	conn        *mq.Connection

	tracked  *Tracked
	registry *Registry
	lease    Lease

	consumer *mq.Consumer

	maxAttempts  int
	pollInterval time.Duration
	batchSize    int
	staleAfter   time.Duration
	initialDelay time.Duration
	maxDelay     time.Duration

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	Invocations InvocationStore
	Pipelines   PipelineWatcher

	// Publisher публикует invocation.completed. nil допустим:
	// оркестратор подхватит исход через polling.
	Publisher CompletionPublisher

	// Conn — соединение с брокером. nil означает работу только на
	// polling.
	Conn *mq.Connection

	Registry *Registry

	// Lease — аренда вызовов. nil отключает аренду, защита остаётся
	// за CAS в БД.
	Lease Lease

	// MaxAttempts — предел попыток одного вызова (default: 3).
	MaxAttempts int

	PollInterval time.Duration
	BatchSize    int

	// StaleAfter — возраст, после которого PENDING/RETRY вызов
	// подбирает polling, а STARTED считается зависшим и перехватывается
	// (default: 30s).
	StaleAfter time.Duration

	// InitialDelay и MaxDelay задают exponential backoff между
	// попытками.
	InitialDelay time.Duration
	MaxDelay     time.Duration

	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaultInitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}

	return &Worker{
		invocations:  cfg.Invocations,
		pipelines:    cfg.Pipelines,
		publisher:    cfg.Publisher,
		conn:         cfg.Conn,
		tracked:      NewTracked(cfg.Registry, cfg.Invocations, cfg.MaxAttempts, cfg.Logger),
		registry:     cfg.Registry,
		lease:        cfg.Lease,
		maxAttempts:  cfg.MaxAttempts,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		staleAfter:   cfg.StaleAfter,
		initialDelay: cfg.InitialDelay,
		maxDelay:     cfg.MaxDelay,
		logger:       cfg.Logger,
	}
}

// Start запускает Worker.
//
// Запускает:
//   - Consumer для invocations.ready (если есть соединение с брокером)
//   - Polling горутину для fallback
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker",
		"kinds", w.registry.Kinds(),
		"poll_interval", w.pollInterval,
		"batch_size", w.batchSize,
		"max_attempts", w.maxAttempts,
	)

	if w.conn != nil {
		w.consumer = mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
			Queue:    mq.QueueInvocationsReady,
			Handler:  w.handleInvocationReady,
			Prefetch: defaultPrefetch,
		})

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := w.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("invocation consumer error", "error", err)
			}
		}()
	} else {
		w.logger.Warn("no broker connection, worker runs on polling only")
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.pollLoop(ctx)
	}()

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает Worker.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}

	if w.consumer != nil {
		w.consumer.Stop()
	}

	w.wg.Wait()

	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}

// pollLoop — цикл polling для fallback.
func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	// Первый poll сразу при старте: подхватываем вызовы, созданные
	// пока воркер был выключен.
	w.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// poll выполняет один цикл polling: подбирает залежавшиеся вызовы.
func (w *Worker) poll(ctx context.Context) {
	cutoff := time.Now().Add(-w.staleAfter)
	invs, err := w.invocations.ListRunnable(ctx, cutoff, w.batchSize)
	if err != nil {
		w.logger.Error("failed to list runnable invocations", "error", err)
		return
	}
	if len(invs) == 0 {
		return
	}

	w.logger.Debug("poll found stale invocations", "count", len(invs))

	for i := range invs {
		if ctx.Err() != nil {
			return
		}
		if err := w.Process(ctx, invs[i].ID); err != nil {
			w.logger.Error("failed to process invocation from poll",
				"invocation_id", invs[i].ID,
				"error", err,
			)
		}
	}
}
