package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/floodtwin/internal/domain"
)

func newTestPipeline() *domain.Pipeline {
	return &domain.Pipeline{
		ID:           uuid.New(),
		AreaWKT:      "POLYGON((0 0,0 1,1 1,1 0,0 0))",
		State:        domain.PipelinePending,
		CurrentStage: -1,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
}

func newTestInvocation(pipelineID uuid.UUID, stage int, kind string) *domain.TaskInvocation {
	return &domain.TaskInvocation{
		ID:         uuid.New(),
		PipelineID: pipelineID,
		Stage:      stage,
		Kind:       kind,
		State:      domain.StatePending,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
}

func TestMemoryPipelineRepo_IdempotencyKey(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStore().Pipelines()

	first := newTestPipeline()
	first.IdempotencyKey = "req-1"
	if err := repo.Create(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}

	dup := newTestPipeline()
	dup.IdempotencyKey = "req-1"
	if err := repo.Create(ctx, dup); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	got, err := repo.GetByIdempotencyKey(ctx, "req-1")
	if err != nil {
		t.Fatalf("get by key: %v", err)
	}
	if got.ID != first.ID {
		t.Errorf("expected original pipeline, got %s", got.ID)
	}

	// Пустые ключи не конфликтуют между собой.
	a, b := newTestPipeline(), newTestPipeline()
	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if err := repo.Create(ctx, b); err != nil {
		t.Errorf("create b with empty key: %v", err)
	}
}

func TestMemoryPipelineRepo_StateTransitions(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStore().Pipelines()

	p := newTestPipeline()
	if err := repo.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	// PENDING → RUNNING проходит один раз.
	if err := repo.MarkRunning(ctx, p.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := repo.MarkRunning(ctx, p.ID); !errors.Is(err, ErrStateConflict) {
		t.Errorf("second MarkRunning: expected ErrStateConflict, got %v", err)
	}

	if err := repo.SetCurrentStage(ctx, p.ID, 0); err != nil {
		t.Errorf("set current stage: %v", err)
	}

	if err := repo.MarkFailure(ctx, p.ID, "generate_rainfall_inputs", "boom"); err != nil {
		t.Fatalf("mark failure: %v", err)
	}

	// Терминальное состояние не перезаписывается.
	if err := repo.MarkSuccess(ctx, p.ID, nil); !errors.Is(err, ErrStateConflict) {
		t.Errorf("MarkSuccess after FAILURE: expected ErrStateConflict, got %v", err)
	}
	if err := repo.MarkCancelled(ctx, p.ID); !errors.Is(err, ErrStateConflict) {
		t.Errorf("MarkCancelled after FAILURE: expected ErrStateConflict, got %v", err)
	}

	got, err := repo.GetByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != domain.PipelineFailure {
		t.Errorf("expected FAILURE, got %s", got.State)
	}
	if got.FailedKind != "generate_rainfall_inputs" || got.Error != "boom" {
		t.Errorf("first failure not recorded: kind=%q error=%q", got.FailedKind, got.Error)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt should be set")
	}
}

func TestMemoryInvocationRepo_CASLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	invs := s.Invocations()

	inv := newTestInvocation(uuid.New(), 0, "ensure_region_geometries")
	if err := invs.Create(ctx, inv); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Из двух стартующих побеждает один.
	if err := invs.MarkStarted(ctx, inv.ID, domain.StatePending); err != nil {
		t.Fatalf("mark started: %v", err)
	}
	if err := invs.MarkStarted(ctx, inv.ID, domain.StatePending); !errors.Is(err, ErrStateConflict) {
		t.Errorf("second MarkStarted: expected ErrStateConflict, got %v", err)
	}

	got, _ := invs.GetByID(ctx, inv.ID)
	if got.Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", got.Attempt)
	}
	if got.State != domain.StateStarted {
		t.Errorf("expected STARTED, got %s", got.State)
	}

	// STARTED → RETRY → STARTED: attempt растёт.
	if err := invs.MarkRetry(ctx, inv.ID); err != nil {
		t.Fatalf("mark retry: %v", err)
	}
	if err := invs.MarkStarted(ctx, inv.ID, domain.StateRetry); err != nil {
		t.Fatalf("restart from retry: %v", err)
	}
	got, _ = invs.GetByID(ctx, inv.ID)
	if got.Attempt != 2 {
		t.Errorf("expected attempt 2, got %d", got.Attempt)
	}

	if err := invs.MarkSuccess(ctx, inv.ID, map[string]any{"rows": 3}); err != nil {
		t.Fatalf("mark success: %v", err)
	}

	// Терминальное состояние неизменно.
	if err := invs.MarkFailure(ctx, inv.ID, "late error"); !errors.Is(err, ErrStateConflict) {
		t.Errorf("MarkFailure after SUCCESS: expected ErrStateConflict, got %v", err)
	}
	if err := invs.MarkStarted(ctx, inv.ID, domain.StateSuccess); !errors.Is(err, ErrStateConflict) {
		t.Errorf("MarkStarted from SUCCESS: expected ErrStateConflict, got %v", err)
	}

	got, _ = invs.GetByID(ctx, inv.ID)
	if got.State != domain.StateSuccess {
		t.Errorf("expected SUCCESS, got %s", got.State)
	}
	if got.Result["rows"] != 3 {
		t.Errorf("result lost: %v", got.Result)
	}
}

func TestMemoryInvocationRepo_ResetForRedelivery(t *testing.T) {
	ctx := context.Background()
	invs := NewMemoryStore().Invocations()

	inv := newTestInvocation(uuid.New(), 0, "generate_rainfall_inputs")
	if err := invs.Create(ctx, inv); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Сброс из PENDING запрещён.
	if err := invs.ResetForRedelivery(ctx, inv.ID); !errors.Is(err, ErrStateConflict) {
		t.Errorf("reset from PENDING: expected ErrStateConflict, got %v", err)
	}

	_ = invs.MarkStarted(ctx, inv.ID, domain.StatePending)
	_ = invs.MarkRetry(ctx, inv.ID)

	if err := invs.ResetForRedelivery(ctx, inv.ID); err != nil {
		t.Fatalf("reset from RETRY: %v", err)
	}
	got, _ := invs.GetByID(ctx, inv.ID)
	if got.State != domain.StatePending {
		t.Errorf("expected PENDING, got %s", got.State)
	}
	if got.Attempt != 1 {
		t.Errorf("reset should not touch attempt, got %d", got.Attempt)
	}
	if got.StartedAt != nil || got.FinishedAt != nil {
		t.Error("timestamps should be cleared")
	}
}

func TestMemoryInvocationRepo_ReclaimStalled(t *testing.T) {
	ctx := context.Background()
	invs := NewMemoryStore().Invocations()

	inv := newTestInvocation(uuid.New(), 0, "run_flood_model")
	if err := invs.Create(ctx, inv); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := invs.MarkStarted(ctx, inv.ID, domain.StatePending); err != nil {
		t.Fatalf("mark started: %v", err)
	}

	// Свежий STARTED защищён: его воркер ещё жив.
	past := time.Now().Add(-time.Minute)
	if err := invs.ReclaimStalled(ctx, inv.ID, past); !errors.Is(err, ErrStateConflict) {
		t.Errorf("reclaim fresh STARTED: expected ErrStateConflict, got %v", err)
	}

	// Зависший STARTED виден polling'у и возвращается в RETRY.
	future := time.Now().Add(time.Minute)
	runnable, err := invs.ListRunnable(ctx, future, 10)
	if err != nil {
		t.Fatalf("list runnable: %v", err)
	}
	if len(runnable) != 1 || runnable[0].ID != inv.ID {
		t.Fatalf("stalled STARTED not listed: %v", runnable)
	}
	if err := invs.ReclaimStalled(ctx, inv.ID, future); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	got, _ := invs.GetByID(ctx, inv.ID)
	if got.State != domain.StateRetry {
		t.Errorf("expected RETRY, got %s", got.State)
	}

	// Повторный перехват из RETRY запрещён.
	if err := invs.ReclaimStalled(ctx, inv.ID, time.Now().Add(time.Minute)); !errors.Is(err, ErrStateConflict) {
		t.Errorf("reclaim from RETRY: expected ErrStateConflict, got %v", err)
	}
}

func TestMemoryInvocationRepo_TouchKeepsStartedFresh(t *testing.T) {
	ctx := context.Background()
	invs := NewMemoryStore().Invocations()

	inv := newTestInvocation(uuid.New(), 0, "run_flood_model")
	if err := invs.Create(ctx, inv); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Touch работает только для STARTED.
	if err := invs.Touch(ctx, inv.ID); !errors.Is(err, ErrStateConflict) {
		t.Errorf("touch PENDING: expected ErrStateConflict, got %v", err)
	}

	if err := invs.MarkStarted(ctx, inv.ID, domain.StatePending); err != nil {
		t.Fatalf("mark started: %v", err)
	}
	before, _ := invs.GetByID(ctx, inv.ID)
	time.Sleep(5 * time.Millisecond)
	if err := invs.Touch(ctx, inv.ID); err != nil {
		t.Fatalf("touch: %v", err)
	}
	after, _ := invs.GetByID(ctx, inv.ID)
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Error("touch should advance updated_at")
	}

	// Продлённый вызов не перехватывается по прежнему cutoff.
	if err := invs.ReclaimStalled(ctx, inv.ID, before.UpdatedAt.Add(time.Millisecond)); !errors.Is(err, ErrStateConflict) {
		t.Errorf("reclaim touched STARTED: expected ErrStateConflict, got %v", err)
	}
}

func TestMemoryInvocationRepo_UniquePerPipelineKind(t *testing.T) {
	ctx := context.Background()
	invs := NewMemoryStore().Invocations()
	pipelineID := uuid.New()

	first := newTestInvocation(pipelineID, 0, "ensure_region_geometries")
	if err := invs.Create(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Повторная отправка стадии не создаёт второй записи.
	dup := newTestInvocation(pipelineID, 0, "ensure_region_geometries")
	if err := invs.Create(ctx, dup); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	// Тот же kind в другом пайплайне — другая запись.
	other := newTestInvocation(uuid.New(), 0, "ensure_region_geometries")
	if err := invs.Create(ctx, other); err != nil {
		t.Errorf("create in other pipeline: %v", err)
	}
}

func TestMemoryInvocationRepo_StageSnapshot(t *testing.T) {
	ctx := context.Background()
	invs := NewMemoryStore().Invocations()
	pipelineID := uuid.New()

	rain := newTestInvocation(pipelineID, 1, "generate_rainfall_inputs")
	env := newTestInvocation(pipelineID, 1, "prepare_run_environment")
	for _, inv := range []*domain.TaskInvocation{rain, env} {
		if err := invs.Create(ctx, inv); err != nil {
			t.Fatalf("create %s: %v", inv.Kind, err)
		}
	}

	c, err := invs.StageSnapshot(ctx, pipelineID, 1)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if c.Total != 2 || c.Terminal != 0 {
		t.Errorf("expected 2 total, 0 terminal, got %+v", c)
	}
	if c.Complete() {
		t.Error("stage should not be complete")
	}

	_ = invs.MarkStarted(ctx, rain.ID, domain.StatePending)
	_ = invs.MarkSuccess(ctx, rain.ID, nil)

	c, _ = invs.StageSnapshot(ctx, pipelineID, 1)
	if c.Succeeded != 1 || c.Terminal != 1 {
		t.Errorf("expected 1 succeeded, got %+v", c)
	}

	_ = invs.MarkStarted(ctx, env.ID, domain.StatePending)
	_ = invs.MarkFailure(ctx, env.ID, "no disk")

	c, _ = invs.StageSnapshot(ctx, pipelineID, 1)
	if !c.Complete() {
		t.Error("stage should be complete")
	}
	if c.AllSucceeded() {
		t.Error("stage should not count as succeeded")
	}
	if c.Failed != 1 {
		t.Errorf("expected 1 failed, got %+v", c)
	}
}

func TestMemoryInvocationRepo_FirstFailureOrdering(t *testing.T) {
	ctx := context.Background()
	invs := NewMemoryStore().Invocations()
	pipelineID := uuid.New()

	early := newTestInvocation(pipelineID, 1, "prepare_run_environment")
	late := newTestInvocation(pipelineID, 1, "generate_rainfall_inputs")
	for _, inv := range []*domain.TaskInvocation{early, late} {
		if err := invs.Create(ctx, inv); err != nil {
			t.Fatalf("create: %v", err)
		}
		_ = invs.MarkStarted(ctx, inv.ID, domain.StatePending)
	}

	// prepare_run_environment падает раньше по времени и выигрывает,
	// хотя generate_rainfall_inputs меньше лексикографически.
	_ = invs.MarkFailure(ctx, early.ID, "first")
	time.Sleep(5 * time.Millisecond)
	_ = invs.MarkFailure(ctx, late.ID, "second")

	got, err := invs.FirstFailure(ctx, pipelineID, 1)
	if err != nil {
		t.Fatalf("first failure: %v", err)
	}
	if got.Kind != "prepare_run_environment" {
		t.Errorf("expected earliest failure to win, got %s", got.Kind)
	}
	if got.Error != "first" {
		t.Errorf("expected error of first failure, got %q", got.Error)
	}
}

func TestMemoryInvocationRepo_FirstFailureTieBreak(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	pipelineID := uuid.New()

	// Одинаковый FinishedAt: выигрывает наименьший kind.
	ts := time.Now()
	a := newTestInvocation(pipelineID, 1, "prepare_run_environment")
	a.State = domain.StateFailure
	a.Error = "tie a"
	a.FinishedAt = &ts
	b := newTestInvocation(pipelineID, 1, "generate_rainfall_inputs")
	b.State = domain.StateFailure
	b.Error = "tie b"
	b.FinishedAt = &ts

	s.mu.Lock()
	s.invocations[a.ID] = a
	s.invocations[b.ID] = b
	s.mu.Unlock()

	for i := 0; i < 20; i++ {
		got, err := s.Invocations().FirstFailure(ctx, pipelineID, 1)
		if err != nil {
			t.Fatalf("first failure: %v", err)
		}
		if got.Kind != "generate_rainfall_inputs" {
			t.Fatalf("tie break should pick smallest kind, got %s", got.Kind)
		}
	}
}

func TestMemoryPipelineRepo_ListExpiredAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	old := newTestPipeline()
	if err := s.Pipelines().Create(ctx, old); err != nil {
		t.Fatalf("create: %v", err)
	}
	inv := newTestInvocation(old.ID, 0, "ensure_region_geometries")
	if err := s.Invocations().Create(ctx, inv); err != nil {
		t.Fatalf("create invocation: %v", err)
	}
	_ = s.Pipelines().MarkRunning(ctx, old.ID)
	_ = s.Pipelines().MarkSuccess(ctx, old.ID, nil)

	fresh := newTestPipeline()
	if err := s.Pipelines().Create(ctx, fresh); err != nil {
		t.Fatalf("create fresh: %v", err)
	}

	// Завершился только что — cutoff в будущем находит old,
	// незавершённый fresh не попадает при любом cutoff.
	expired, err := s.Pipelines().ListExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != old.ID {
		t.Fatalf("expected only old pipeline expired, got %v", expired)
	}

	// Cutoff в прошлом не находит ничего.
	none, err := s.Pipelines().ListExpired(ctx, time.Now().Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no expired pipelines, got %d", len(none))
	}

	if err := s.Pipelines().Delete(ctx, old.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Pipelines().GetByID(ctx, old.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("old pipeline should be gone, got %v", err)
	}
	if _, err := s.Invocations().GetByID(ctx, inv.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("invocations should cascade, got %v", err)
	}
	if _, err := s.Pipelines().GetByID(ctx, fresh.ID); err != nil {
		t.Errorf("unfinished pipeline should survive: %v", err)
	}
	if err := s.Pipelines().Delete(ctx, old.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete should return ErrNotFound, got %v", err)
	}
}

func TestMemoryPipelineRepo_AwaitTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	p := newTestPipeline()
	if err := s.Pipelines().Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Таймаут, пока pipeline не завершён.
	if _, err := s.Pipelines().AwaitTerminal(ctx, p.ID, 30*time.Millisecond); !errors.Is(err, ErrAwaitTimeout) {
		t.Errorf("expected ErrAwaitTimeout, got %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = s.Pipelines().MarkRunning(ctx, p.ID)
		_ = s.Pipelines().MarkSuccess(ctx, p.ID, map[string]any{"ok": true})
	}()

	got, err := s.Pipelines().AwaitTerminal(ctx, p.ID, 2*time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if got.State != domain.PipelineSuccess {
		t.Errorf("expected SUCCESS, got %s", got.State)
	}
}

func TestMemoryOutputRepo(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	pipelineID := uuid.New()
	first := &domain.ModelOutput{
		ID:         uuid.New(),
		PipelineID: pipelineID,
		RunDir:     "/data/a",
		ResultFile: "/data/a/depths.csv",
		MaxDepth:   0.4,
		CreatedAt:  time.Now().Add(-time.Minute),
	}
	second := &domain.ModelOutput{
		ID:         uuid.New(),
		PipelineID: pipelineID,
		RunDir:     "/data/b",
		ResultFile: "/data/b/depths.csv",
		MaxDepth:   0.7,
		CreatedAt:  time.Now(),
	}
	for _, out := range []*domain.ModelOutput{first, second} {
		if err := s.Outputs().Create(ctx, out); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	// Возвращается последний по времени выход.
	got, err := s.Outputs().GetByPipeline(ctx, pipelineID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != second.ID {
		t.Errorf("expected latest output %s, got %s", second.ID, got.ID)
	}

	if err := s.Outputs().DeleteByPipeline(ctx, pipelineID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Outputs().GetByPipeline(ctx, pipelineID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}
