package domain

// PipelineState — состояние пайплайна в целом.
//
// Жизненный цикл:
//
//	PENDING → RUNNING → SUCCESS
//	                  ↘ FAILURE
//	          (или) → CANCELLED (из PENDING или RUNNING)
type PipelineState string

const (
	// PipelinePending — пайплайн принят, но первая стадия ещё не отправлена.
	PipelinePending PipelineState = "PENDING"

	// PipelineRunning — хотя бы одна стадия отправлена на выполнение.
	PipelineRunning PipelineState = "RUNNING"

	// PipelineSuccess — все стадии завершились успешно.
	PipelineSuccess PipelineState = "SUCCESS"

	// PipelineFailure — какая-то стадия упала, остаток цепочки не запускался.
	PipelineFailure PipelineState = "FAILURE"

	// PipelineCancelled — пайплайн отменён пользователем.
	PipelineCancelled PipelineState = "CANCELLED"
)

// IsTerminal возвращает true, если состояние финальное.
func (s PipelineState) IsTerminal() bool {
	switch s {
	case PipelineSuccess, PipelineFailure, PipelineCancelled:
		return true
	default:
		return false
	}
}

// InvocationState — состояние одного вызова задачи.
//
// Жизненный цикл:
//
//	PENDING → STARTED → SUCCESS
//	                  ↘ FAILURE
//	                  ↘ RETRY → STARTED (повтор той же invocation)
//
// SUCCESS и FAILURE финальны: из них переходов нет. Контролируемый
// повтор после redelivery идёт только через RETRY → PENDING, поэтому
// наблюдатель никогда не видит переход из терминального состояния
// обратно в PENDING в рамках уже прочитанной попытки.
type InvocationState string

const (
	// StatePending — вызов создан и поставлен в очередь.
	StatePending InvocationState = "PENDING"

	// StateStarted — воркер забрал вызов и выполняет его.
	StateStarted InvocationState = "STARTED"

	// StateRetry — попытка упала по transient-ошибке, будет повтор.
	StateRetry InvocationState = "RETRY"

	// StateSuccess — вызов завершён, результат записан.
	StateSuccess InvocationState = "SUCCESS"

	// StateFailure — вызов упал окончательно, ошибка записана.
	StateFailure InvocationState = "FAILURE"
)

// IsTerminal возвращает true, если состояние финальное.
func (s InvocationState) IsTerminal() bool {
	switch s {
	case StateSuccess, StateFailure:
		return true
	default:
		return false
	}
}

// CanTransition проверяет допустимость перехода между состояниями вызова.
// Финальные состояния неизменяемы.
func CanTransition(from, to InvocationState) bool {
	switch from {
	case StatePending:
		return to == StateStarted
	case StateStarted:
		return to == StateRetry || to == StateSuccess || to == StateFailure
	case StateRetry:
		return to == StateStarted || to == StatePending
	default:
		return false
	}
}
