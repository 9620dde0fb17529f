package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskInvocation — один запланированный вызов задачи внутри пайплайна.
//
// Создаётся Orchestrator'ом в момент отправки стадии. Выполняется ровно
// одним воркером за раз; повторы переиспользуют ту же самую identity
// (Attempt растёт, ID не меняется). Мутирует запись только исполняющий
// воркер и state-tracking обёртка при падении.
type TaskInvocation struct {
	// ID — уникальный идентификатор вызова.
	ID uuid.UUID `json:"id"`

	// PipelineID — ссылка на родительский пайплайн.
	PipelineID uuid.UUID `json:"pipeline_id"`

	// Stage — порядковый номер стадии внутри цепочки (с нуля).
	// Все члены одной группы несут один и тот же Stage.
	Stage int `json:"stage"`

	// Kind — вид задачи: "ensure_region_geometries",
	// "generate_rainfall_inputs", "prepare_run_environment" и т.д.
	// По Kind воркер выбирает executor из реестра.
	Kind string `json:"kind"`

	// Attempt — номер попытки (начиная с 1).
	// Увеличивается при переходе RETRY → STARTED.
	Attempt int `json:"attempt"`

	// State — текущее состояние вызова.
	State InvocationState `json:"state"`

	// Payload — входные данные: area_wkt, параметры сценария и
	// результаты предыдущей стадии под ключом "upstream".
	Payload map[string]any `json:"payload,omitempty"`

	// Result — результат выполнения. Заполняется воркером,
	// присутствует только при SUCCESS.
	Result map[string]any `json:"result,omitempty"`

	// Error — сводка ошибки. Присутствует только при FAILURE.
	Error string `json:"error,omitempty"`

	// StartedAt — время начала последней попытки.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время достижения терминального состояния.
	// По нему упорядочиваются ошибки при выборе "первой" в группе.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// CreatedAt — время создания вызова.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего изменения состояния.
	UpdatedAt time.Time `json:"updated_at"`
}

// Duration возвращает продолжительность последней попытки.
func (inv *TaskInvocation) Duration() time.Duration {
	if inv.StartedAt == nil || inv.FinishedAt == nil {
		return 0
	}
	return inv.FinishedAt.Sub(*inv.StartedAt)
}

// IsFinished возвращает true, если вызов в терминальном состоянии.
func (inv *TaskInvocation) IsFinished() bool {
	return inv.State.IsTerminal()
}

// MarkStarted переводит вызов в STARTED и начинает новую попытку.
func (inv *TaskInvocation) MarkStarted() {
	now := time.Now()
	inv.State = StateStarted
	inv.StartedAt = &now
	inv.UpdatedAt = now
	inv.Attempt++
}

// MarkRetry переводит вызов в RETRY после transient-ошибки.
// Терминальные поля не трогаются: это не финал, будет ещё попытка.
func (inv *TaskInvocation) MarkRetry() {
	inv.State = StateRetry
	inv.UpdatedAt = time.Now()
}

// MarkSuccess переводит вызов в SUCCESS с результатом.
func (inv *TaskInvocation) MarkSuccess(result map[string]any) {
	now := time.Now()
	inv.State = StateSuccess
	inv.FinishedAt = &now
	inv.UpdatedAt = now
	inv.Result = result
}

// MarkFailure переводит вызов в FAILURE со сводкой ошибки.
func (inv *TaskInvocation) MarkFailure(err string) {
	now := time.Now()
	inv.State = StateFailure
	inv.FinishedAt = &now
	inv.UpdatedAt = now
	inv.Error = err
}

// ResetForRedelivery подготавливает вызов к повторной доставке из RETRY.
// Состояние возвращается в PENDING, identity остаётся прежней.
func (inv *TaskInvocation) ResetForRedelivery() {
	inv.State = StatePending
	inv.StartedAt = nil
	inv.FinishedAt = nil
	inv.Error = ""
	inv.UpdatedAt = time.Now()
}

// CanRetry проверяет, остались ли попытки.
func (inv *TaskInvocation) CanRetry(maxAttempts int) bool {
	return inv.Attempt < maxAttempts
}
