package store

import (
	"context"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/floodtwin/internal/domain"
)

// MemoryStore — хранилище в памяти с теми же операциями и той же
// CAS-семантикой, что у PostgreSQL-репозиториев. Используется в тестах
// оркестрации и выполнения вместо настоящей БД.
//
// Репозитории делят один мьютекс; наружу отдаются и внутрь принимаются
// копии, чтобы вызывающий код не мутировал хранилище в обход CAS.
type MemoryStore struct {
	mu          sync.Mutex
	pipelines   map[uuid.UUID]*domain.Pipeline
	invocations map[uuid.UUID]*domain.TaskInvocation
	outputs     []*domain.ModelOutput
}

// NewMemoryStore создаёт пустое хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pipelines:   make(map[uuid.UUID]*domain.Pipeline),
		invocations: make(map[uuid.UUID]*domain.TaskInvocation),
	}
}

// Pipelines возвращает репозиторий пайплайнов.
func (s *MemoryStore) Pipelines() *MemoryPipelineRepo {
	return &MemoryPipelineRepo{s: s}
}

// Invocations возвращает репозиторий вызовов.
func (s *MemoryStore) Invocations() *MemoryInvocationRepo {
	return &MemoryInvocationRepo{s: s}
}

// Outputs возвращает репозиторий модельных выходов.
func (s *MemoryStore) Outputs() *MemoryOutputRepo {
	return &MemoryOutputRepo{s: s}
}

// --- MemoryPipelineRepo ---

// MemoryPipelineRepo — память-реализация PipelineRepo.
type MemoryPipelineRepo struct {
	s *MemoryStore
}

// Create создаёт pipeline. Повторный ключ идемпотентности — ErrAlreadyExists.
func (r *MemoryPipelineRepo) Create(_ context.Context, p *domain.Pipeline) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.pipelines[p.ID]; ok {
		return ErrAlreadyExists
	}
	if p.IdempotencyKey != "" {
		for _, existing := range r.s.pipelines {
			if existing.IdempotencyKey == p.IdempotencyKey {
				return ErrAlreadyExists
			}
		}
	}
	r.s.pipelines[p.ID] = clonePipeline(p)
	return nil
}

// GetByID возвращает pipeline по ID.
func (r *MemoryPipelineRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Pipeline, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.pipelines[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePipeline(p), nil
}

// GetByIdempotencyKey возвращает pipeline по ключу идемпотентности.
func (r *MemoryPipelineRepo) GetByIdempotencyKey(_ context.Context, key string) (*domain.Pipeline, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, p := range r.s.pipelines {
		if p.IdempotencyKey != "" && p.IdempotencyKey == key {
			return clonePipeline(p), nil
		}
	}
	return nil, ErrNotFound
}

// List возвращает pipelines с фильтрацией, новые первыми.
func (r *MemoryPipelineRepo) List(_ context.Context, filter PipelineFilter) ([]domain.Pipeline, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var all []*domain.Pipeline
	for _, p := range r.s.pipelines {
		if filter.State != "" && p.State != filter.State {
			continue
		}
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	return pagePipelines(all, filter.Limit, filter.Offset), nil
}

// ListUnfinished возвращает незавершённые pipelines, старые первыми.
func (r *MemoryPipelineRepo) ListUnfinished(_ context.Context, limit int) ([]domain.Pipeline, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var all []*domain.Pipeline
	for _, p := range r.s.pipelines {
		if p.State == domain.PipelinePending || p.State == domain.PipelineRunning {
			all = append(all, p)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	return pagePipelines(all, limit, 0), nil
}

// MarkRunning переводит pipeline PENDING → RUNNING.
func (r *MemoryPipelineRepo) MarkRunning(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.pipelines[id]
	if !ok || p.State != domain.PipelinePending {
		return ErrStateConflict
	}
	p.MarkRunning()
	return nil
}

// SetCurrentStage записывает номер последней отправленной стадии.
func (r *MemoryPipelineRepo) SetCurrentStage(_ context.Context, id uuid.UUID, stage int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.pipelines[id]
	if !ok || p.State != domain.PipelineRunning {
		return ErrStateConflict
	}
	p.CurrentStage = stage
	p.UpdatedAt = time.Now()
	return nil
}

// MarkSuccess переводит pipeline RUNNING → SUCCESS.
func (r *MemoryPipelineRepo) MarkSuccess(_ context.Context, id uuid.UUID, result map[string]any) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.pipelines[id]
	if !ok || p.State != domain.PipelineRunning {
		return ErrStateConflict
	}
	p.MarkSuccess(maps.Clone(result))
	return nil
}

// MarkFailure переводит pipeline в FAILURE из PENDING или RUNNING.
func (r *MemoryPipelineRepo) MarkFailure(_ context.Context, id uuid.UUID, failedKind, errSummary string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.pipelines[id]
	if !ok || p.State.IsTerminal() {
		return ErrStateConflict
	}
	p.MarkFailure(failedKind, errSummary)
	return nil
}

// MarkCancelled переводит pipeline в CANCELLED из PENDING или RUNNING.
func (r *MemoryPipelineRepo) MarkCancelled(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.pipelines[id]
	if !ok || p.State.IsTerminal() {
		return ErrStateConflict
	}
	p.MarkCancelled()
	return nil
}

// IsCancelled проверяет, отменён ли pipeline.
func (r *MemoryPipelineRepo) IsCancelled(_ context.Context, id uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.pipelines[id]
	if !ok {
		return false, ErrNotFound
	}
	return p.State == domain.PipelineCancelled, nil
}

// AwaitTerminal опрашивает pipeline до терминального состояния.
func (r *MemoryPipelineRepo) AwaitTerminal(ctx context.Context, id uuid.UUID, timeout time.Duration) (*domain.Pipeline, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
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
// старше cutoff, по возрастанию finished_at.
func (r *MemoryPipelineRepo) ListExpired(_ context.Context, cutoff time.Time, limit int) ([]domain.Pipeline, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var expired []domain.Pipeline
	for _, p := range r.s.pipelines {
		if !p.State.IsTerminal() || p.FinishedAt == nil || !p.FinishedAt.Before(cutoff) {
			continue
		}
		expired = append(expired, *clonePipeline(p))
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].FinishedAt.Before(*expired[j].FinishedAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

// Delete удаляет pipeline вместе с его вызовами и выходами.
func (r *MemoryPipelineRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.pipelines[id]; !ok {
		return ErrNotFound
	}
	delete(r.s.pipelines, id)

	for invID, inv := range r.s.invocations {
		if inv.PipelineID == id {
			delete(r.s.invocations, invID)
		}
	}
	kept := r.s.outputs[:0]
	for _, out := range r.s.outputs {
		if out.PipelineID != id {
			kept = append(kept, out)
		}
	}
	r.s.outputs = kept
	return nil
}

// --- MemoryInvocationRepo ---

// MemoryInvocationRepo — память-реализация InvocationRepo.
type MemoryInvocationRepo struct {
	s *MemoryStore
}

// Create создаёт вызов. Пара (pipeline_id, kind) уникальна.
func (r *MemoryInvocationRepo) Create(_ context.Context, inv *domain.TaskInvocation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.invocations[inv.ID]; ok {
		return ErrAlreadyExists
	}
	for _, existing := range r.s.invocations {
		if existing.PipelineID == inv.PipelineID && existing.Kind == inv.Kind {
			return ErrAlreadyExists
		}
	}
	r.s.invocations[inv.ID] = cloneInvocation(inv)
	return nil
}

// GetByID возвращает вызов по ID.
func (r *MemoryInvocationRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.TaskInvocation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	inv, ok := r.s.invocations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneInvocation(inv), nil
}

// ListByPipeline возвращает вызовы пайплайна в порядке (stage, kind).
func (r *MemoryInvocationRepo) ListByPipeline(_ context.Context, pipelineID uuid.UUID) ([]domain.TaskInvocation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var invs []domain.TaskInvocation
	for _, inv := range r.s.invocations {
		if inv.PipelineID == pipelineID {
			invs = append(invs, *cloneInvocation(inv))
		}
	}
	sortInvocations(invs)
	return invs, nil
}

// ListByStage возвращает вызовы одной стадии в порядке kind.
func (r *MemoryInvocationRepo) ListByStage(_ context.Context, pipelineID uuid.UUID, stage int) ([]domain.TaskInvocation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var invs []domain.TaskInvocation
	for _, inv := range r.s.invocations {
		if inv.PipelineID == pipelineID && inv.Stage == stage {
			invs = append(invs, *cloneInvocation(inv))
		}
	}
	sortInvocations(invs)
	return invs, nil
}

// ListRunnable возвращает вызовы в PENDING, RETRY или STARTED, не
// менявшиеся с olderThan.
func (r *MemoryInvocationRepo) ListRunnable(_ context.Context, olderThan time.Time, limit int) ([]domain.TaskInvocation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var invs []domain.TaskInvocation
	for _, inv := range r.s.invocations {
		runnable := inv.State == domain.StatePending ||
			inv.State == domain.StateRetry ||
			inv.State == domain.StateStarted
		if runnable && inv.UpdatedAt.Before(olderThan) {
			invs = append(invs, *cloneInvocation(inv))
		}
	}
	sort.Slice(invs, func(i, j int) bool { return invs[i].UpdatedAt.Before(invs[j].UpdatedAt) })
	if limit > 0 && len(invs) > limit {
		invs = invs[:limit]
	}
	return invs, nil
}

// MarkStarted переводит вызов from → STARTED и увеличивает attempt.
func (r *MemoryInvocationRepo) MarkStarted(_ context.Context, id uuid.UUID, from domain.InvocationState) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if !domain.CanTransition(from, domain.StateStarted) {
		return ErrStateConflict
	}
	inv, ok := r.s.invocations[id]
	if !ok || inv.State != from {
		return ErrStateConflict
	}
	inv.MarkStarted()
	return nil
}

// MarkRetry переводит вызов STARTED → RETRY.
func (r *MemoryInvocationRepo) MarkRetry(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	inv, ok := r.s.invocations[id]
	if !ok || inv.State != domain.StateStarted {
		return ErrStateConflict
	}
	inv.MarkRetry()
	return nil
}

// Touch продлевает updated_at STARTED-вызова.
func (r *MemoryInvocationRepo) Touch(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	inv, ok := r.s.invocations[id]
	if !ok || inv.State != domain.StateStarted {
		return ErrStateConflict
	}
	inv.UpdatedAt = time.Now()
	return nil
}

// ReclaimStalled возвращает зависший STARTED-вызов в RETRY, если его
// updated_at старше olderThan.
func (r *MemoryInvocationRepo) ReclaimStalled(_ context.Context, id uuid.UUID, olderThan time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	inv, ok := r.s.invocations[id]
	if !ok || inv.State != domain.StateStarted || !inv.UpdatedAt.Before(olderThan) {
		return ErrStateConflict
	}
	inv.MarkRetry()
	return nil
}

// MarkSuccess переводит вызов STARTED → SUCCESS.
func (r *MemoryInvocationRepo) MarkSuccess(_ context.Context, id uuid.UUID, result map[string]any) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	inv, ok := r.s.invocations[id]
	if !ok || inv.State != domain.StateStarted {
		return ErrStateConflict
	}
	inv.MarkSuccess(maps.Clone(result))
	return nil
}

// MarkFailure переводит вызов в FAILURE из любого нетерминального состояния.
func (r *MemoryInvocationRepo) MarkFailure(_ context.Context, id uuid.UUID, errSummary string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	inv, ok := r.s.invocations[id]
	if !ok || inv.State.IsTerminal() {
		return ErrStateConflict
	}
	inv.MarkFailure(errSummary)
	return nil
}

// ResetForRedelivery возвращает вызов RETRY → PENDING.
func (r *MemoryInvocationRepo) ResetForRedelivery(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	inv, ok := r.s.invocations[id]
	if !ok || inv.State != domain.StateRetry {
		return ErrStateConflict
	}
	inv.ResetForRedelivery()
	return nil
}

// StageSnapshot возвращает агрегат стадии.
func (r *MemoryInvocationRepo) StageSnapshot(_ context.Context, pipelineID uuid.UUID, stage int) (StageCounts, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var c StageCounts
	for _, inv := range r.s.invocations {
		if inv.PipelineID != pipelineID || inv.Stage != stage {
			continue
		}
		c.Total++
		switch inv.State {
		case domain.StateSuccess:
			c.Succeeded++
			c.Terminal++
		case domain.StateFailure:
			c.Failed++
			c.Terminal++
		}
	}
	return c, nil
}

// FirstFailure возвращает первый упавший вызов стадии.
func (r *MemoryInvocationRepo) FirstFailure(_ context.Context, pipelineID uuid.UUID, stage int) (*domain.TaskInvocation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var failed []*domain.TaskInvocation
	for _, inv := range r.s.invocations {
		if inv.PipelineID == pipelineID && inv.Stage == stage && inv.State == domain.StateFailure {
			failed = append(failed, inv)
		}
	}
	if len(failed) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(failed, func(i, j int) bool {
		a, b := failed[i], failed[j]
		at, bt := finishedOrZero(a), finishedOrZero(b)
		if !at.Equal(bt) {
			return at.Before(bt)
		}
		return strings.Compare(a.Kind, b.Kind) < 0
	})
	return cloneInvocation(failed[0]), nil
}

// AwaitTerminal опрашивает вызов до терминального состояния.
func (r *MemoryInvocationRepo) AwaitTerminal(ctx context.Context, id uuid.UUID, timeout time.Duration) (*domain.TaskInvocation, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
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

// --- MemoryOutputRepo ---

// MemoryOutputRepo — память-реализация OutputRepo.
type MemoryOutputRepo struct {
	s *MemoryStore
}

// Create сохраняет метаданные выхода модели.
func (r *MemoryOutputRepo) Create(_ context.Context, out *domain.ModelOutput) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cp := *out
	r.s.outputs = append(r.s.outputs, &cp)
	return nil
}

// GetByPipeline возвращает последний выход модели для пайплайна.
func (r *MemoryOutputRepo) GetByPipeline(_ context.Context, pipelineID uuid.UUID) (*domain.ModelOutput, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var latest *domain.ModelOutput
	for _, out := range r.s.outputs {
		if out.PipelineID != pipelineID {
			continue
		}
		if latest == nil || out.CreatedAt.After(latest.CreatedAt) {
			latest = out
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

// DeleteByPipeline удаляет выходы пайплайна.
func (r *MemoryOutputRepo) DeleteByPipeline(_ context.Context, pipelineID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	kept := r.s.outputs[:0]
	for _, out := range r.s.outputs {
		if out.PipelineID != pipelineID {
			kept = append(kept, out)
		}
	}
	r.s.outputs = kept
	return nil
}

// --- Helpers ---

func clonePipeline(p *domain.Pipeline) *domain.Pipeline {
	cp := *p
	cp.Result = maps.Clone(p.Result)
	cp.StartedAt = cloneTime(p.StartedAt)
	cp.FinishedAt = cloneTime(p.FinishedAt)
	return &cp
}

func cloneInvocation(inv *domain.TaskInvocation) *domain.TaskInvocation {
	cp := *inv
	cp.Payload = maps.Clone(inv.Payload)
	cp.Result = maps.Clone(inv.Result)
	cp.StartedAt = cloneTime(inv.StartedAt)
	cp.FinishedAt = cloneTime(inv.FinishedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func finishedOrZero(inv *domain.TaskInvocation) time.Time {
	if inv.FinishedAt == nil {
		return time.Time{}
	}
	return *inv.FinishedAt
}

func sortInvocations(invs []domain.TaskInvocation) {
	sort.Slice(invs, func(i, j int) bool {
		if invs[i].Stage != invs[j].Stage {
			return invs[i].Stage < invs[j].Stage
		}
		return invs[i].Kind < invs[j].Kind
	})
}

// pagePipelines повторяет семантику LIMIT/OFFSET: limit <= 0 — пусто.
func pagePipelines(all []*domain.Pipeline, limit, offset int) []domain.Pipeline {
	if limit <= 0 || offset >= len(all) {
		return nil
	}
	all = all[offset:]
	if limit < len(all) {
		all = all[:limit]
	}
	var out []domain.Pipeline
	for _, p := range all {
		out = append(out, *clonePipeline(p))
	}
	return out
}
