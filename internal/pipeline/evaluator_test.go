package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/shaiso/floodtwin/internal/domain"
)

func mustCompile(t *testing.T, n Node) *Plan {
	t.Helper()
	plan, err := Compile(n)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return plan
}

func TestEvaluatorHappyPath(t *testing.T) {
	plan := mustCompile(t, BuildAreaPipeline(domain.PipelineOptions{}))
	e := NewEvaluator(plan)

	now := time.Now()
	for !e.Done() {
		if got := len(e.StageSpecs()); got == 0 {
			t.Fatalf("стадия %d без членов", e.CurrentStage())
		}
		for _, spec := range e.StageSpecs() {
			if err := e.Observe(spec.Kind, domain.StateSuccess, now, ""); err != nil {
				t.Fatalf("Observe(%s): %v", spec.Kind, err)
			}
		}
		if !e.StageComplete() || !e.StageSucceeded() {
			t.Fatalf("стадия %d должна быть успешно завершена", e.CurrentStage())
		}
		if err := e.Advance(); err != nil {
			t.Fatalf("Advance: %v", err)
		}
	}

	if e.CurrentStage() != plan.NumStages() {
		t.Errorf("CurrentStage = %d после завершения", e.CurrentStage())
	}
}

func TestEvaluatorGroupAggregation(t *testing.T) {
	plan := mustCompile(t, NewGroup(NewTask("a"), NewTask("b"), NewTask("c")))
	e := NewEvaluator(plan)

	now := time.Now()
	e.Observe("a", domain.StateSuccess, now, "")
	if e.StageComplete() {
		t.Error("стадия не завершена, пока b и c не терминальны")
	}
	e.Observe("b", domain.StateSuccess, now, "")
	e.Observe("c", domain.StateSuccess, now, "")

	if !e.StageComplete() {
		t.Error("все члены терминальны — стадия завершена")
	}
	if !e.StageSucceeded() {
		t.Error("все SUCCESS — агрегат SUCCESS")
	}
}

func TestEvaluatorShortCircuitOnFailure(t *testing.T) {
	plan := mustCompile(t, BuildAreaPipeline(domain.PipelineOptions{}))
	e := NewEvaluator(plan)

	now := time.Now()
	e.Observe(domain.KindEnsureGeometries, domain.StateSuccess, now, "")
	e.Advance()

	// Группа входных данных: rainfall падает, prepare успевает успешно.
	e.Observe(domain.KindGenerateRainfall, domain.StateFailure, now, "no rainfall sites in area")
	e.Observe(domain.KindPrepareEnv, domain.StateSuccess, now.Add(time.Second), "")

	if !e.StageComplete() {
		t.Fatal("оба члена терминальны — стадия завершена")
	}
	if e.StageSucceeded() {
		t.Fatal("стадия с FAILURE не может быть успешной")
	}
	kind, summary, ok := e.FirstFailure()
	if !ok {
		t.Fatal("FirstFailure должен найти упавшего члена")
	}
	if kind != domain.KindGenerateRainfall {
		t.Errorf("первый упавший = %s", kind)
	}
	if summary != "no rainfall sites in area" {
		t.Errorf("сводка = %q", summary)
	}
}

func TestEvaluatorFirstFailureOrdering(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Более ранний терминальный таймстемп выигрывает.
	e := NewEvaluator(mustCompile(t, NewGroup(NewTask("aaa"), NewTask("zzz"))))
	e.Observe("zzz", domain.StateFailure, base, "zzz failed")
	e.Observe("aaa", domain.StateFailure, base.Add(time.Millisecond), "aaa failed")
	if kind, _, _ := e.FirstFailure(); kind != "zzz" {
		t.Errorf("ранний таймстемп должен выигрывать, получен %s", kind)
	}

	// При точном совпадении времени — лексикографически меньший вид.
	// Результат воспроизводим на повторных прогонах.
	for i := 0; i < 50; i++ {
		e := NewEvaluator(mustCompile(t, NewGroup(NewTask("bbb"), NewTask("aaa"), NewTask("ccc"))))
		e.Observe("ccc", domain.StateFailure, base, "ccc failed")
		e.Observe("bbb", domain.StateFailure, base, "bbb failed")
		e.Observe("aaa", domain.StateFailure, base, "aaa failed")
		kind, summary, ok := e.FirstFailure()
		if !ok || kind != "aaa" || summary != "aaa failed" {
			t.Fatalf("итерация %d: tie-break дал %s/%q", i, kind, summary)
		}
	}
}

func TestEvaluatorEmptyStageVacuouslySucceeds(t *testing.T) {
	plan := mustCompile(t, NewChain(NewTask("a"), NewGroup(), NewTask("b")))
	e := NewEvaluatorAt(plan, 1)

	if !e.StageComplete() {
		t.Error("пустая стадия завершена вакуумно")
	}
	if !e.StageSucceeded() {
		t.Error("пустая стадия успешна вакуумно")
	}
	if _, _, ok := e.FirstFailure(); ok {
		t.Error("в пустой стадии нет упавших")
	}
	if err := e.Advance(); err != nil {
		t.Errorf("Advance через пустую стадию: %v", err)
	}
}

func TestEvaluatorAdvanceGuard(t *testing.T) {
	e := NewEvaluator(mustCompile(t, NewChain(NewTask("a"), NewTask("b"))))
	if err := e.Advance(); !errors.Is(err, ErrStageNotComplete) {
		t.Errorf("Advance до терминальности: %v", err)
	}
}

func TestEvaluatorObserve(t *testing.T) {
	e := NewEvaluator(mustCompile(t, NewGroup(NewTask("a"), NewTask("b"))))
	now := time.Now()

	if err := e.Observe("nope", domain.StateSuccess, now, ""); !errors.Is(err, ErrUnknownMember) {
		t.Errorf("неизвестный член: %v", err)
	}

	// Промежуточные состояния не двигают стадию.
	e.Observe("a", domain.StateStarted, now, "")
	if e.StageComplete() {
		t.Error("STARTED не терминален")
	}

	// Повторное терминальное событие (redelivery) не перетирает первое.
	e.Observe("a", domain.StateFailure, now, "первая ошибка")
	e.Observe("a", domain.StateSuccess, now.Add(time.Second), "")
	members := e.Members()
	if members[0].State != domain.StateFailure || members[0].Error != "первая ошибка" {
		t.Errorf("повтор события перетёр терминальное состояние: %+v", members[0])
	}
}

// Восстановление после рестарта: обходчик ставится на текущую стадию
// и терминальные состояния проигрываются из хранилища.
func TestEvaluatorRestore(t *testing.T) {
	plan := mustCompile(t, BuildAreaPipeline(domain.PipelineOptions{}))
	e := NewEvaluatorAt(plan, 1)

	now := time.Now()
	e.Observe(domain.KindGenerateRainfall, domain.StateSuccess, now, "")
	if e.StageComplete() {
		t.Error("prepare_run_environment ещё не терминален")
	}
	e.Observe(domain.KindPrepareEnv, domain.StateSuccess, now, "")
	if !e.StageSucceeded() {
		t.Error("после проигрывания стадия должна быть успешной")
	}
}
