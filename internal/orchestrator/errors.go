package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrPipelineNotFound — пайплайн не найден в БД.
	ErrPipelineNotFound = errors.New("pipeline not found")

	// ErrPipelineAlreadyActive — пайплайн уже обрабатывается этим
	// процессом.
	ErrPipelineAlreadyActive = errors.New("pipeline already being processed")

	// ErrPipelineNotPending — пайплайн не в состоянии PENDING:
	// его уже взял в работу другой оркестратор, либо он завершён.
	ErrPipelineNotPending = errors.New("pipeline is not in PENDING state")

	// ErrStaleStage — событие относится не к текущей стадии
	// (повторная доставка завершения из прошлого).
	ErrStaleStage = errors.New("event for stale stage")
)
