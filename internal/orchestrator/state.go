package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/floodtwin/internal/domain"
	"github.com/shaiso/floodtwin/internal/pipeline"
)

// PipelineExec — состояние выполнения одного пайплайна в памяти.
//
// Создаётся, когда оркестратор берёт пайплайн в работу, и удаляется
// при достижении терминального состояния. Держит скомпилированный
// план и обходчик текущей стадии; всё остальное живёт в БД, поэтому
// после рестарта PipelineExec восстанавливается из строк invocations.
type PipelineExec struct {
	// Pipeline — снимок пайплайна на момент взятия в работу.
	// Identity-поля (ID, AreaWKT, Options) неизменны.
	Pipeline *domain.Pipeline

	// Plan — скомпилированная цепочка стадий.
	Plan *pipeline.Plan

	eval *pipeline.Evaluator
	mu   sync.Mutex
}

// NewPipelineExec компилирует план пайплайна и ставит обходчик на
// первую стадию.
func NewPipelineExec(p *domain.Pipeline) (*PipelineExec, error) {
	opts := p.Options
	opts.Normalize()

	plan, err := pipeline.Compile(pipeline.BuildAreaPipeline(opts))
	if err != nil {
		return nil, fmt.Errorf("compile pipeline %s: %w", p.ID, err)
	}
	return &PipelineExec{
		Pipeline: p,
		Plan:     plan,
		eval:     pipeline.NewEvaluator(plan),
	}, nil
}

// NewPipelineExecAt компилирует план и ставит обходчик на заданную
// стадию. Используется при восстановлении после рестарта.
func NewPipelineExecAt(p *domain.Pipeline, stage int) (*PipelineExec, error) {
	exec, err := NewPipelineExec(p)
	if err != nil {
		return nil, err
	}
	exec.eval = pipeline.NewEvaluatorAt(exec.Plan, stage)
	return exec, nil
}

// ID возвращает идентификатор пайплайна.
func (e *PipelineExec) ID() uuid.UUID {
	return e.Pipeline.ID
}

// CurrentStage возвращает индекс текущей стадии.
func (e *PipelineExec) CurrentStage() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.eval.CurrentStage()
}

// Done возвращает true, когда все стадии пройдены.
func (e *PipelineExec) Done() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.eval.Done()
}

// StageSpecs возвращает членов текущей стадии.
func (e *PipelineExec) StageSpecs() []pipeline.TaskSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.eval.StageSpecs()
}

// Observe фиксирует терминальное событие члена текущей стадии.
func (e *PipelineExec) Observe(kind string, state domain.InvocationState, finishedAt time.Time, errSummary string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.eval.Observe(kind, state, finishedAt, errSummary)
}

// StageComplete возвращает true, когда все члены стадии терминальны.
func (e *PipelineExec) StageComplete() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.eval.StageComplete()
}

// StageSucceeded возвращает true, если стадия завершена успехом всех
// членов.
func (e *PipelineExec) StageSucceeded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.eval.StageSucceeded()
}

// FirstFailure возвращает первого упавшего члена стадии.
func (e *PipelineExec) FirstFailure() (kind, errSummary string, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.eval.FirstFailure()
}

// Advance переходит к следующей стадии.
func (e *PipelineExec) Advance() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.eval.Advance()
}

// stageOutcome — решение по текущей стадии.
type stageOutcome int

const (
	// outcomeWait — стадия не завершена, ждём остальных членов.
	outcomeWait stageOutcome = iota
	// outcomeFail — стадия упала, пайплайн финализируется ошибкой.
	outcomeFail
	// outcomeDispatch — обходчик перешёл на следующую стадию.
	outcomeDispatch
	// outcomeFinish — стадий больше нет, пайплайн успешен.
	outcomeFinish
)

// Resolve атомарно оценивает текущую стадию и при успехе переходит
// дальше, проскакивая пустые стадии. Конкурентные вызовы безопасны:
// продвижение выполнит ровно один, остальные увидят outcomeWait уже
// для новой стадии.
func (e *PipelineExec) Resolve() (outcome stageOutcome, failKind, failErr string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.eval.Done() {
		return outcomeFinish, "", "", nil
	}
	if !e.eval.StageComplete() {
		return outcomeWait, "", "", nil
	}
	if !e.eval.StageSucceeded() {
		kind, errSummary, ok := e.eval.FirstFailure()
		if !ok {
			return outcomeWait, "", "", fmt.Errorf("stage %d complete without success or failure", e.eval.CurrentStage())
		}
		return outcomeFail, kind, errSummary, nil
	}

	if err := e.eval.Advance(); err != nil {
		return outcomeWait, "", "", err
	}
	// Пустые стадии успешны вакуумно и проскакиваются без отправки.
	for !e.eval.Done() && len(e.eval.StageSpecs()) == 0 {
		if err := e.eval.Advance(); err != nil {
			return outcomeWait, "", "", err
		}
	}
	if e.eval.Done() {
		return outcomeFinish, "", "", nil
	}
	return outcomeDispatch, "", "", nil
}

// RestoreFromInvocations проигрывает обходчику терминальные состояния
// вызовов текущей стадии. Вызовы других стадий игнорируются.
func (e *PipelineExec) RestoreFromInvocations(invs []domain.TaskInvocation) {
	e.mu.Lock()
	defer e.mu.Unlock()

	stage := e.eval.CurrentStage()
	for i := range invs {
		inv := &invs[i]
		if inv.Stage != stage || !inv.State.IsTerminal() {
			continue
		}
		finished := time.Time{}
		if inv.FinishedAt != nil {
			finished = *inv.FinishedAt
		}
		// Ошибка здесь означает лишнюю строку в БД, обходчику она
		// не мешает.
		_ = e.eval.Observe(inv.Kind, inv.State, finished, inv.Error)
	}
}

// Stats — статистика выполнения пайплайна.
type Stats struct {
	CurrentStage int
	TotalStages  int
	Done         bool
}

// Stats возвращает статистику выполнения.
func (e *PipelineExec) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		CurrentStage: e.eval.CurrentStage(),
		TotalStages:  e.Plan.NumStages(),
		Done:         e.eval.Done(),
	}
}
