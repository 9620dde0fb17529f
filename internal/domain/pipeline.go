package domain

import (
	"time"

	"github.com/google/uuid"
)

// Pipeline — один запуск модели для заданной области.
//
// Pipeline создаётся когда:
// - Пользователь отправляет полигон через API/CLI
// - Внешняя система дёргает POST /api/v1/pipelines
//
// Запись в pipelines — это и есть долговечная форма PipelineHandle:
// identity неизменна с момента создания, запись живёт до истечения
// retention-окна (чистит janitor).
type Pipeline struct {
	// ID — уникальный идентификатор пайплайна (он же handle).
	ID uuid.UUID `json:"id"`

	// AreaWKT — целевая область, полигон в well-known text.
	AreaWKT string `json:"area_wkt"`

	// Options — параметры сценария (включённые генераторы, ARI и т.д.).
	Options PipelineOptions `json:"options"`

	// State — текущее состояние пайплайна.
	State PipelineState `json:"state"`

	// CurrentStage — номер стадии, которая отправлена последней.
	// -1 пока ни одна стадия не отправлена.
	CurrentStage int `json:"current_stage"`

	// Result — выход последней стадии (ссылки на артефакты модели).
	// Присутствует только при SUCCESS.
	Result map[string]any `json:"result,omitempty"`

	// FailedKind — вид задачи, упавшей первой. Только при FAILURE.
	FailedKind string `json:"failed_kind,omitempty"`

	// Error — сводка первой ошибки. Только при FAILURE.
	Error string `json:"error,omitempty"`

	// IdempotencyKey — ключ идемпотентности повторной отправки.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// StartedAt — время перехода в RUNNING.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время достижения терминального состояния.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего изменения.
	UpdatedAt time.Time `json:"updated_at"`
}

// PipelineOptions — параметры сценария затопления.
type PipelineOptions struct {
	// Tide — добавить генератор приливной границы (вместе с SLR)
	// параллельным членом группы входных данных.
	Tide bool `json:"tide,omitempty"`

	// ARI — повторяемость дождя в годах (average recurrence interval).
	ARI int `json:"ari,omitempty"`

	// StormHours — длительность расчётного шторма в часах.
	StormHours int `json:"storm_hours,omitempty"`
}

// Normalize подставляет значения по умолчанию вместо нулевых.
func (o *PipelineOptions) Normalize() {
	if o.ARI <= 0 {
		o.ARI = 100
	}
	if o.StormHours <= 0 {
		o.StormHours = 24
	}
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если пайплайн ещё не завершён.
func (p *Pipeline) Duration() time.Duration {
	if p.StartedAt == nil || p.FinishedAt == nil {
		return 0
	}
	return p.FinishedAt.Sub(*p.StartedAt)
}

// IsFinished возвращает true, если пайплайн завершён (в любом состоянии).
func (p *Pipeline) IsFinished() bool {
	return p.State.IsTerminal()
}

// MarkRunning переводит пайплайн в RUNNING.
func (p *Pipeline) MarkRunning() {
	now := time.Now()
	p.State = PipelineRunning
	p.StartedAt = &now
	p.UpdatedAt = now
}

// MarkSuccess переводит пайплайн в SUCCESS с итоговым результатом.
func (p *Pipeline) MarkSuccess(result map[string]any) {
	now := time.Now()
	p.State = PipelineSuccess
	p.FinishedAt = &now
	p.UpdatedAt = now
	p.Result = result
}

// MarkFailure переводит пайплайн в FAILURE с первой ошибкой.
func (p *Pipeline) MarkFailure(failedKind, err string) {
	now := time.Now()
	p.State = PipelineFailure
	p.FinishedAt = &now
	p.UpdatedAt = now
	p.FailedKind = failedKind
	p.Error = err
}

// MarkCancelled переводит пайплайн в CANCELLED.
// Уже запущенные вызовы дорабатывают, новые стадии не отправляются.
func (p *Pipeline) MarkCancelled() {
	now := time.Now()
	p.State = PipelineCancelled
	p.FinishedAt = &now
	p.UpdatedAt = now
}
