package mq

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue — замена брокера для тестов: те же Publish-методы, что у
// Publisher, доставка подписчикам в отдельных горутинах. Как и настоящая
// очередь, порядка доставки не обещает. Ошибки обработчиков
// проглатываются: политика повторов живёт выше, в worker и orchestrator.
type MemoryQueue struct {
	mu        sync.Mutex
	submitted []func(context.Context, PipelineSubmittedPayload) error
	ready     []func(context.Context, InvocationReadyPayload) error
	completed []func(context.Context, InvocationCompletedPayload) error
	wg        sync.WaitGroup
}

// NewMemoryQueue создаёт пустую очередь без подписчиков.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

// SubscribeSubmitted регистрирует обработчик pipeline.submitted.
func (q *MemoryQueue) SubscribeSubmitted(fn func(context.Context, PipelineSubmittedPayload) error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.submitted = append(q.submitted, fn)
}

// SubscribeReady регистрирует обработчик invocation.ready.
func (q *MemoryQueue) SubscribeReady(fn func(context.Context, InvocationReadyPayload) error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready = append(q.ready, fn)
}

// SubscribeCompleted регистрирует обработчик invocation.completed.
func (q *MemoryQueue) SubscribeCompleted(fn func(context.Context, InvocationCompletedPayload) error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, fn)
}

// PublishPipelineSubmitted доставляет событие подписчикам.
func (q *MemoryQueue) PublishPipelineSubmitted(_ context.Context, pipelineID uuid.UUID) error {
	q.mu.Lock()
	handlers := append([]func(context.Context, PipelineSubmittedPayload) error(nil), q.submitted...)
	q.mu.Unlock()

	payload := PipelineSubmittedPayload{PipelineID: pipelineID}
	for _, fn := range handlers {
		q.dispatch(func(ctx context.Context) error { return fn(ctx, payload) })
	}
	return nil
}

// PublishInvocationReady доставляет событие подписчикам.
func (q *MemoryQueue) PublishInvocationReady(_ context.Context, invocationID, pipelineID uuid.UUID) error {
	q.mu.Lock()
	handlers := append([]func(context.Context, InvocationReadyPayload) error(nil), q.ready...)
	q.mu.Unlock()

	payload := InvocationReadyPayload{InvocationID: invocationID, PipelineID: pipelineID}
	for _, fn := range handlers {
		q.dispatch(func(ctx context.Context) error { return fn(ctx, payload) })
	}
	return nil
}

// PublishInvocationCompleted доставляет событие подписчикам.
func (q *MemoryQueue) PublishInvocationCompleted(_ context.Context, payload InvocationCompletedPayload) error {
	q.mu.Lock()
	handlers := append([]func(context.Context, InvocationCompletedPayload) error(nil), q.completed...)
	q.mu.Unlock()

	for _, fn := range handlers {
		q.dispatch(func(ctx context.Context) error { return fn(ctx, payload) })
	}
	return nil
}

// dispatch запускает обработчик в горутине под счётчиком Wait.
// Счётчик увеличивается до запуска, поэтому Wait видит и сообщения,
// опубликованные из обработчиков, до самого конца каскада.
func (q *MemoryQueue) dispatch(fn func(context.Context) error) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		_ = fn(context.Background())
	}()
}

// Wait блокируется, пока не завершатся все доставки, включая
// порождённые из обработчиков. Вызывать после последней внешней
// публикации.
func (q *MemoryQueue) Wait() {
	q.wg.Wait()
}

// WaitTimeout ждёт завершения доставок не дольше d.
// Возвращает false, если каскад не успел завершиться.
func (q *MemoryQueue) WaitTimeout(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
