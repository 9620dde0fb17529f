package orchestrator

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/floodtwin/internal/domain"
	"github.com/shaiso/floodtwin/internal/mq"
	"github.com/shaiso/floodtwin/internal/pipeline"
	"github.com/shaiso/floodtwin/internal/store"
	"github.com/shaiso/floodtwin/internal/worker"
)

const testAreaWKT = "POLYGON((0 0,0 1,1 1,1 0,0 0))"

// stubExecutor — управляемый исполнитель для сквозных тестов.
type stubExecutor struct {
	kind   string
	calls  atomic.Int32
	output map[string]any
	fn     func(ctx context.Context, inv *domain.TaskInvocation) (*worker.Result, error)

	mu   sync.Mutex
	seen []*domain.TaskInvocation
}

func (s *stubExecutor) Kind() string { return s.kind }

func (s *stubExecutor) Execute(ctx context.Context, inv *domain.TaskInvocation) (*worker.Result, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.seen = append(s.seen, inv)
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(ctx, inv)
	}
	return &worker.Result{Output: s.output}, nil
}

// lastSeen возвращает payload последнего вызова исполнителя.
func (s *stubExecutor) lastSeen(t *testing.T) *domain.TaskInvocation {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.seen) == 0 {
		t.Fatalf("executor %s was never invoked", s.kind)
	}
	return s.seen[len(s.seen)-1]
}

// harness связывает оркестратор и воркер через очередь в памяти:
// submitted → HandleSubmitted, ready → Process, completed →
// HandleCompleted. Получается полный цикл без брокера и БД.
type harness struct {
	store *store.MemoryStore
	queue *mq.MemoryQueue
	orch  *Orchestrator
	execs map[string]*stubExecutor
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st := store.NewMemoryStore()
	q := mq.NewMemoryQueue()

	execs := map[string]*stubExecutor{
		domain.KindEnsureGeometries: {
			kind:   domain.KindEnsureGeometries,
			output: map[string]any{"layers": map[string]any{"buildings": map[string]any{"fetched": 12, "inserted": 12}}},
		},
		domain.KindGenerateRainfall: {
			kind:   domain.KindGenerateRainfall,
			output: map[string]any{"artifact": "rain_forcing.txt", "total_depth_mm": 110.5},
		},
		domain.KindGenerateTide: {
			kind:   domain.KindGenerateTide,
			output: map[string]any{"artifact": "tide_forcing.txt", "site": "200"},
		},
		domain.KindPrepareEnv: {
			kind:   domain.KindPrepareEnv,
			output: map[string]any{"run_dir": "/data/runs/x", "dem": "dem.asc"},
		},
		domain.KindRunModel: {
			kind:   domain.KindRunModel,
			output: map[string]any{"artifact": "depths.csv", "max_depth_m": 0.42},
		},
	}

	registry := worker.NewRegistry()
	for _, e := range execs {
		registry.Register(e)
	}

	wrk := worker.New(worker.Config{
		Invocations:  st.Invocations(),
		Pipelines:    st.Pipelines(),
		Publisher:    q,
		Registry:     registry,
		InitialDelay: time.Millisecond,
	})

	orch := New(Config{
		Pipelines:   st.Pipelines(),
		Invocations: st.Invocations(),
		Publisher:   q,
	})

	q.SubscribeSubmitted(func(ctx context.Context, p mq.PipelineSubmittedPayload) error {
		return orch.HandleSubmitted(ctx, p.PipelineID)
	})
	q.SubscribeReady(func(ctx context.Context, p mq.InvocationReadyPayload) error {
		return wrk.Process(ctx, p.InvocationID)
	})
	q.SubscribeCompleted(func(ctx context.Context, p mq.InvocationCompletedPayload) error {
		return orch.HandleCompleted(ctx, p)
	})

	return &harness{store: st, queue: q, orch: orch, execs: execs}
}

// submit отправляет пайплайн через Submitter и возвращает handle.
func (h *harness) submit(t *testing.T, opts domain.PipelineOptions) *domain.Pipeline {
	t.Helper()
	sub := pipeline.NewSubmitter(pipeline.SubmitterConfig{
		Pipelines: h.store.Pipelines(),
		Queue:     h.queue,
	})
	p, err := sub.Submit(context.Background(), pipeline.SubmitRequest{
		WKT:     testAreaWKT,
		Options: opts,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return p
}

// settle ждёт, пока каскад доставок в очереди не завершится.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	if !h.queue.WaitTimeout(10 * time.Second) {
		t.Fatal("queue cascade did not settle")
	}
}

func (h *harness) pipeline(t *testing.T, id uuid.UUID) *domain.Pipeline {
	t.Helper()
	p, err := h.store.Pipelines().GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get pipeline: %v", err)
	}
	return p
}

func (h *harness) invocations(t *testing.T, pipelineID uuid.UUID) map[string]domain.TaskInvocation {
	t.Helper()
	rows, err := h.store.Invocations().ListByPipeline(context.Background(), pipelineID)
	if err != nil {
		t.Fatalf("list invocations: %v", err)
	}
	byKind := make(map[string]domain.TaskInvocation, len(rows))
	for _, inv := range rows {
		byKind[inv.Kind] = inv
	}
	return byKind
}

func TestPipelineSucceedsEndToEnd(t *testing.T) {
	h := newHarness(t)
	p := h.submit(t, domain.PipelineOptions{})
	h.settle(t)

	got := h.pipeline(t, p.ID)
	if got.State != domain.PipelineSuccess {
		t.Fatalf("state = %s, want %s (error: %q)", got.State, domain.PipelineSuccess, got.Error)
	}
	if got.Result["artifact"] != "depths.csv" {
		t.Errorf("result artifact = %v, want depths.csv", got.Result["artifact"])
	}

	invs := h.invocations(t, p.ID)
	if len(invs) != 4 {
		t.Fatalf("got %d invocations, want 4", len(invs))
	}
	if _, ok := invs[domain.KindGenerateTide]; ok {
		t.Error("tide invocation created with tide disabled")
	}
	wantStages := map[string]int{
		domain.KindEnsureGeometries: 0,
		domain.KindGenerateRainfall: 1,
		domain.KindPrepareEnv:       1,
		domain.KindRunModel:         2,
	}
	for kind, stage := range wantStages {
		inv, ok := invs[kind]
		if !ok {
			t.Fatalf("no invocation for %s", kind)
		}
		if inv.Stage != stage {
			t.Errorf("%s stage = %d, want %d", kind, inv.Stage, stage)
		}
		if inv.State != domain.StateSuccess {
			t.Errorf("%s state = %s, want SUCCESS (error: %q)", kind, inv.State, inv.Error)
		}
		if inv.Attempt != 1 {
			t.Errorf("%s attempt = %d, want 1", kind, inv.Attempt)
		}
	}
}

func TestPipelineWithTideRunsFourTaskStage(t *testing.T) {
	h := newHarness(t)
	p := h.submit(t, domain.PipelineOptions{Tide: true})
	h.settle(t)

	got := h.pipeline(t, p.ID)
	if got.State != domain.PipelineSuccess {
		t.Fatalf("state = %s, want SUCCESS (error: %q)", got.State, got.Error)
	}

	invs := h.invocations(t, p.ID)
	if len(invs) != 5 {
		t.Fatalf("got %d invocations, want 5", len(invs))
	}
	tide, ok := invs[domain.KindGenerateTide]
	if !ok {
		t.Fatal("no tide invocation")
	}
	if tide.Stage != 1 {
		t.Errorf("tide stage = %d, want 1", tide.Stage)
	}
	if h.execs[domain.KindGenerateTide].calls.Load() != 1 {
		t.Errorf("tide executor calls = %d, want 1", h.execs[domain.KindGenerateTide].calls.Load())
	}
}

func TestUpstreamResultsFlowBetweenStages(t *testing.T) {
	h := newHarness(t)
	p := h.submit(t, domain.PipelineOptions{})
	h.settle(t)

	if got := h.pipeline(t, p.ID); got.State != domain.PipelineSuccess {
		t.Fatalf("state = %s, want SUCCESS (error: %q)", got.State, got.Error)
	}

	// Первая стадия не имеет upstream.
	ensureInv := h.execs[domain.KindEnsureGeometries].lastSeen(t)
	if _, ok := ensureInv.Payload[domain.PayloadUpstream]; ok {
		t.Error("first stage payload has upstream key")
	}
	if ensureInv.Payload[domain.PayloadAreaWKT] != testAreaWKT {
		t.Errorf("area_wkt = %v, want %q", ensureInv.Payload[domain.PayloadAreaWKT], testAreaWKT)
	}

	// Вторая стадия видит результат ensure_region_geometries.
	rainInv := h.execs[domain.KindGenerateRainfall].lastSeen(t)
	rainUp, ok := rainInv.Payload[domain.PayloadUpstream].(map[string]any)
	if !ok {
		t.Fatalf("rainfall upstream missing: %v", rainInv.Payload[domain.PayloadUpstream])
	}
	if _, ok := rainUp[domain.KindEnsureGeometries]; !ok {
		t.Errorf("rainfall upstream lacks %s: %v", domain.KindEnsureGeometries, rainUp)
	}

	// Третья стадия видит артефакты всей группы.
	runInv := h.execs[domain.KindRunModel].lastSeen(t)
	runUp, ok := runInv.Payload[domain.PayloadUpstream].(map[string]any)
	if !ok {
		t.Fatalf("run upstream missing: %v", runInv.Payload[domain.PayloadUpstream])
	}
	rain, ok := runUp[domain.KindGenerateRainfall].(map[string]any)
	if !ok || rain["artifact"] != "rain_forcing.txt" {
		t.Errorf("run upstream rainfall = %v, want artifact rain_forcing.txt", runUp[domain.KindGenerateRainfall])
	}
	prep, ok := runUp[domain.KindPrepareEnv].(map[string]any)
	if !ok || prep["run_dir"] != "/data/runs/x" {
		t.Errorf("run upstream prepare = %v, want run_dir /data/runs/x", runUp[domain.KindPrepareEnv])
	}
}

func TestGroupFailureShortCircuitsChain(t *testing.T) {
	h := newHarness(t)
	h.execs[domain.KindGenerateRainfall].fn = func(ctx context.Context, inv *domain.TaskInvocation) (*worker.Result, error) {
		return nil, domain.InputErrorf("ARI 7 is not a supported return period")
	}

	p := h.submit(t, domain.PipelineOptions{})
	h.settle(t)

	got := h.pipeline(t, p.ID)
	if got.State != domain.PipelineFailure {
		t.Fatalf("state = %s, want FAILURE", got.State)
	}
	if got.FailedKind != domain.KindGenerateRainfall {
		t.Errorf("failed_kind = %q, want %s", got.FailedKind, domain.KindGenerateRainfall)
	}
	if !strings.HasPrefix(got.Error, string(domain.ErrKindInput)) {
		t.Errorf("error = %q, want %s prefix", got.Error, domain.ErrKindInput)
	}

	// Остаток цепочки не отправлялся.
	invs := h.invocations(t, p.ID)
	if _, ok := invs[domain.KindRunModel]; ok {
		t.Error("run invocation created after group failure")
	}
	if calls := h.execs[domain.KindRunModel].calls.Load(); calls != 0 {
		t.Errorf("run executor calls = %d, want 0", calls)
	}

	// Группа агрегируется целиком: второй член дорабатывает до конца.
	prep, ok := invs[domain.KindPrepareEnv]
	if !ok {
		t.Fatal("no prepare invocation")
	}
	if prep.State != domain.StateSuccess {
		t.Errorf("prepare state = %s, want SUCCESS", prep.State)
	}
}

func TestEarliestGroupFailureWins(t *testing.T) {
	h := newHarness(t)
	h.execs[domain.KindPrepareEnv].fn = func(ctx context.Context, inv *domain.TaskInvocation) (*worker.Result, error) {
		return nil, domain.Logicf("DEM missing from data directory")
	}
	h.execs[domain.KindGenerateRainfall].fn = func(ctx context.Context, inv *domain.TaskInvocation) (*worker.Result, error) {
		time.Sleep(50 * time.Millisecond)
		return nil, domain.InputErrorf("bad ARI")
	}

	p := h.submit(t, domain.PipelineOptions{})
	h.settle(t)

	got := h.pipeline(t, p.ID)
	if got.State != domain.PipelineFailure {
		t.Fatalf("state = %s, want FAILURE", got.State)
	}
	if got.FailedKind != domain.KindPrepareEnv {
		t.Errorf("failed_kind = %q, want %s (earliest failure)", got.FailedKind, domain.KindPrepareEnv)
	}
	if !strings.HasPrefix(got.Error, string(domain.ErrKindLogic)) {
		t.Errorf("error = %q, want %s prefix", got.Error, domain.ErrKindLogic)
	}
}

func TestCancellationStopsDispatch(t *testing.T) {
	h := newHarness(t)
	h.execs[domain.KindEnsureGeometries].fn = func(ctx context.Context, inv *domain.TaskInvocation) (*worker.Result, error) {
		// Отмена приходит, пока первая стадия ещё в работе.
		if err := h.store.Pipelines().MarkCancelled(ctx, inv.PipelineID); err != nil {
			return nil, domain.Logicf("cancel: %v", err)
		}
		return &worker.Result{Output: map[string]any{"layers": map[string]any{}}}, nil
	}

	p := h.submit(t, domain.PipelineOptions{})
	h.settle(t)

	got := h.pipeline(t, p.ID)
	if got.State != domain.PipelineCancelled {
		t.Fatalf("state = %s, want %s", got.State, domain.PipelineCancelled)
	}

	invs := h.invocations(t, p.ID)
	if len(invs) != 1 {
		t.Errorf("got %d invocations, want 1 (no dispatch after cancel)", len(invs))
	}
	if calls := h.execs[domain.KindGenerateRainfall].calls.Load(); calls != 0 {
		t.Errorf("rainfall executor calls = %d, want 0", calls)
	}
}

func TestSubmitReturnsBeforePipelineFinishes(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.execs[domain.KindEnsureGeometries].fn = func(ctx context.Context, inv *domain.TaskInvocation) (*worker.Result, error) {
		<-release
		return &worker.Result{Output: map[string]any{"layers": map[string]any{}}}, nil
	}

	p := h.submit(t, domain.PipelineOptions{})
	if p.State != domain.PipelinePending {
		t.Errorf("submit returned state %s, want PENDING", p.State)
	}

	close(release)
	h.settle(t)

	if got := h.pipeline(t, p.ID); got.State != domain.PipelineSuccess {
		t.Errorf("state = %s, want SUCCESS (error: %q)", got.State, got.Error)
	}
}

func TestSubmittedRedeliveryDispatchesStageOnce(t *testing.T) {
	// Воркер не подключён: стадия остаётся в PENDING между доставками.
	ctx := context.Background()
	st := store.NewMemoryStore()
	q := mq.NewMemoryQueue()
	orch := New(Config{
		Pipelines:   st.Pipelines(),
		Invocations: st.Invocations(),
		Publisher:   q,
	})

	sub := pipeline.NewSubmitter(pipeline.SubmitterConfig{Pipelines: st.Pipelines(), Queue: q})
	p, err := sub.Submit(ctx, pipeline.SubmitRequest{WKT: testAreaWKT})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	q.Wait()

	for i := 0; i < 3; i++ {
		if err := orch.HandleSubmitted(ctx, p.ID); err != nil {
			t.Fatalf("handle submitted #%d: %v", i, err)
		}
	}
	q.Wait()

	rows, err := st.Invocations().ListByPipeline(ctx, p.ID)
	if err != nil {
		t.Fatalf("list invocations: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d invocations, want 1", len(rows))
	}
	if rows[0].Kind != domain.KindEnsureGeometries || rows[0].State != domain.StatePending {
		t.Errorf("invocation = %s/%s, want %s/PENDING", rows[0].Kind, rows[0].State, domain.KindEnsureGeometries)
	}
	got, err := st.Pipelines().GetByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("get pipeline: %v", err)
	}
	if got.State != domain.PipelineRunning {
		t.Errorf("pipeline state = %s, want RUNNING", got.State)
	}
}

func TestDuplicateCompletionAfterFinishIsIgnored(t *testing.T) {
	h := newHarness(t)
	p := h.submit(t, domain.PipelineOptions{})
	h.settle(t)

	if got := h.pipeline(t, p.ID); got.State != domain.PipelineSuccess {
		t.Fatalf("state = %s, want SUCCESS", got.State)
	}

	invs := h.invocations(t, p.ID)
	ensure := invs[domain.KindEnsureGeometries]
	err := h.orch.HandleCompleted(context.Background(), mq.InvocationCompletedPayload{
		InvocationID: ensure.ID,
		PipelineID:   p.ID,
		Kind:         ensure.Kind,
		Stage:        ensure.Stage,
		State:        string(domain.StateSuccess),
		FinishedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("duplicate completion: %v", err)
	}
	h.settle(t)

	if got := h.pipeline(t, p.ID); got.State != domain.PipelineSuccess {
		t.Errorf("state after duplicate = %s, want SUCCESS", got.State)
	}
	if calls := h.execs[domain.KindEnsureGeometries].calls.Load(); calls != 1 {
		t.Errorf("ensure executor calls = %d, want 1", calls)
	}
}

func TestDriveResumesAfterRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Состояние как после рестарта: RUNNING на стадии 0, ensure уже
	// SUCCESS в БД, invocation.completed потерян.
	p := &domain.Pipeline{
		ID:           uuid.New(),
		AreaWKT:      testAreaWKT,
		Options:      domain.PipelineOptions{ARI: 100, StormHours: 24},
		State:        domain.PipelinePending,
		CurrentStage: -1,
	}
	if err := h.store.Pipelines().Create(ctx, p); err != nil {
		t.Fatalf("create pipeline: %v", err)
	}
	if err := h.store.Pipelines().MarkRunning(ctx, p.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := h.store.Pipelines().SetCurrentStage(ctx, p.ID, 0); err != nil {
		t.Fatalf("set stage: %v", err)
	}

	inv := &domain.TaskInvocation{
		ID:         uuid.New(),
		PipelineID: p.ID,
		Stage:      0,
		Kind:       domain.KindEnsureGeometries,
		State:      domain.StatePending,
		Payload:    map[string]any{domain.PayloadAreaWKT: testAreaWKT},
	}
	if err := h.store.Invocations().Create(ctx, inv); err != nil {
		t.Fatalf("create invocation: %v", err)
	}
	if err := h.store.Invocations().MarkStarted(ctx, inv.ID, domain.StatePending); err != nil {
		t.Fatalf("mark started: %v", err)
	}
	if err := h.store.Invocations().MarkSuccess(ctx, inv.ID, map[string]any{"layers": map[string]any{}}); err != nil {
		t.Fatalf("mark success: %v", err)
	}

	if err := h.orch.drive(ctx, p.ID); err != nil {
		t.Fatalf("drive: %v", err)
	}
	h.settle(t)

	got := h.pipeline(t, p.ID)
	if got.State != domain.PipelineSuccess {
		t.Fatalf("state = %s, want SUCCESS (error: %q)", got.State, got.Error)
	}
	if calls := h.execs[domain.KindEnsureGeometries].calls.Load(); calls != 0 {
		t.Errorf("ensure executor re-ran after restart: calls = %d", calls)
	}
	if calls := h.execs[domain.KindRunModel].calls.Load(); calls != 1 {
		t.Errorf("run executor calls = %d, want 1", calls)
	}
}

func TestTransientFailureRetriesWithinGroup(t *testing.T) {
	h := newHarness(t)
	var attempts atomic.Int32
	h.execs[domain.KindGenerateRainfall].fn = func(ctx context.Context, inv *domain.TaskInvocation) (*worker.Result, error) {
		if attempts.Add(1) == 1 {
			return nil, domain.Transientf("HIRDS endpoint timed out")
		}
		return &worker.Result{Output: map[string]any{"artifact": "rain_forcing.txt"}}, nil
	}

	p := h.submit(t, domain.PipelineOptions{})
	h.settle(t)

	got := h.pipeline(t, p.ID)
	if got.State != domain.PipelineSuccess {
		t.Fatalf("state = %s, want SUCCESS (error: %q)", got.State, got.Error)
	}
	invs := h.invocations(t, p.ID)
	rain := invs[domain.KindGenerateRainfall]
	if rain.Attempt != 2 {
		t.Errorf("rain attempt = %d, want 2", rain.Attempt)
	}
}
