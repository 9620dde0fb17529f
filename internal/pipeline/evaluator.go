package pipeline

import (
	"fmt"
	"sort"
	"time"

	"github.com/shaiso/floodtwin/internal/domain"
)

// MemberState — наблюдаемое состояние одного члена текущей стадии.
type MemberState struct {
	// Kind — вид задачи.
	Kind string

	// State — последнее наблюдавшееся состояние вызова.
	State domain.InvocationState

	// Error — сводка ошибки при FAILURE.
	Error string

	// FinishedAt — время достижения терминального состояния.
	// По нему упорядочиваются ошибки при выборе первой.
	FinishedAt time.Time
}

// Evaluator — пошаговый обходчик плана. Держит состояние одной
// текущей стадии и продвигается по терминальным событиям членов:
// orchestrator скармливает ему каждое invocation.completed и
// спрашивает, завершена ли стадия и чем.
//
// Evaluator не потокобезопасен: вызывающий обязан сериализовать
// доступ (orchestrator держит его под мьютексом PipelineExec).
type Evaluator struct {
	plan    *Plan
	stage   int
	members map[string]*MemberState
}

// NewEvaluator создаёт обходчик на первой стадии плана.
func NewEvaluator(plan *Plan) *Evaluator {
	e := &Evaluator{plan: plan, stage: 0}
	e.resetMembers()
	return e
}

// NewEvaluatorAt создаёт обходчик на заданной стадии. Используется
// при восстановлении состояния после рестарта: orchestrator ставит
// обходчик на текущую стадию и проигрывает терминальные состояния
// из result store через Observe.
func NewEvaluatorAt(plan *Plan, stage int) *Evaluator {
	if stage < 0 {
		stage = 0
	}
	e := &Evaluator{plan: plan, stage: stage}
	e.resetMembers()
	return e
}

func (e *Evaluator) resetMembers() {
	e.members = make(map[string]*MemberState)
	if e.Done() {
		return
	}
	for _, m := range e.plan.Stages[e.stage].Members {
		e.members[m.Kind] = &MemberState{Kind: m.Kind, State: domain.StatePending}
	}
}

// CurrentStage возвращает индекс текущей стадии.
func (e *Evaluator) CurrentStage() int {
	return e.stage
}

// Done возвращает true, когда все стадии пройдены.
func (e *Evaluator) Done() bool {
	return e.stage >= e.plan.NumStages()
}

// StageSpecs возвращает членов текущей стадии для отправки.
func (e *Evaluator) StageSpecs() []TaskSpec {
	if e.Done() {
		return nil
	}
	return e.plan.Stages[e.stage].Members
}

// Observe фиксирует терминальное состояние члена текущей стадии.
// Повторное событие для уже терминального члена игнорируется
// (redelivery завершения — не ошибка). Событие для вида, которого
// нет в стадии, отклоняется.
func (e *Evaluator) Observe(kind string, state domain.InvocationState, finishedAt time.Time, errSummary string) error {
	m, ok := e.members[kind]
	if !ok {
		return fmt.Errorf("%w: %s (stage %d)", ErrUnknownMember, kind, e.stage)
	}
	if m.State.IsTerminal() {
		return nil
	}
	if !state.IsTerminal() {
		// Промежуточные состояния обходчику не интересны.
		return nil
	}
	m.State = state
	m.FinishedAt = finishedAt
	m.Error = errSummary
	return nil
}

// StageComplete возвращает true, когда все члены текущей стадии
// терминальны. Пустая стадия завершена вакуумно.
func (e *Evaluator) StageComplete() bool {
	if e.Done() {
		return true
	}
	for _, m := range e.members {
		if !m.State.IsTerminal() {
			return false
		}
	}
	return true
}

// StageSucceeded возвращает true, если стадия завершена и все члены
// SUCCESS. Пустая стадия успешна вакуумно.
func (e *Evaluator) StageSucceeded() bool {
	if !e.StageComplete() {
		return false
	}
	for _, m := range e.members {
		if m.State != domain.StateSuccess {
			return false
		}
	}
	return true
}

// FirstFailure возвращает первого упавшего члена стадии.
// Первая ошибка — с самым ранним терминальным временем; при точном
// совпадении времён выигрывает лексикографически меньший вид.
// Выбор детерминирован и воспроизводим.
func (e *Evaluator) FirstFailure() (kind, errSummary string, ok bool) {
	failed := make([]*MemberState, 0, len(e.members))
	for _, m := range e.members {
		if m.State == domain.StateFailure {
			failed = append(failed, m)
		}
	}
	if len(failed) == 0 {
		return "", "", false
	}
	sort.Slice(failed, func(i, j int) bool {
		if !failed[i].FinishedAt.Equal(failed[j].FinishedAt) {
			return failed[i].FinishedAt.Before(failed[j].FinishedAt)
		}
		return failed[i].Kind < failed[j].Kind
	})
	return failed[0].Kind, failed[0].Error, true
}

// Advance переходит к следующей стадии. Ошибка, если текущая стадия
// ещё не завершена. После последней стадии Done() становится true.
func (e *Evaluator) Advance() error {
	if e.Done() {
		return nil
	}
	if !e.StageComplete() {
		return ErrStageNotComplete
	}
	e.stage++
	e.resetMembers()
	return nil
}

// Members возвращает снимок состояний членов текущей стадии
// (в порядке объявления в плане).
func (e *Evaluator) Members() []MemberState {
	if e.Done() {
		return nil
	}
	out := make([]MemberState, 0, len(e.members))
	for _, spec := range e.plan.Stages[e.stage].Members {
		if m, ok := e.members[spec.Kind]; ok {
			out = append(out, *m)
		}
	}
	return out
}
