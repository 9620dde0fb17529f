package worker

import (
	"context"
	"fmt"
	"sort"

	"github.com/shaiso/floodtwin/internal/domain"
)

// Executor выполняет задачи одного вида.
//
// inv.Payload содержит вход задачи: area_wkt, options и результаты
// предыдущей стадии под ключом upstream. Исполнитель обязан быть
// идемпотентным: доставка at-least-once означает, что Execute может
// быть вызван повторно для того же вызова.
type Executor interface {
	// Kind возвращает вид задач, которые понимает исполнитель.
	Kind() string

	// Execute выполняет вызов. Класс ошибки решает судьбу вызова:
	// TRANSIENT_ERROR повторяется, остальные классы фатальны.
	Execute(ctx context.Context, inv *domain.TaskInvocation) (*Result, error)
}

// Result — результат успешного выполнения.
type Result struct {
	// Output попадает в invocations.result и в payload следующей
	// стадии под ключом upstream.
	Output map[string]any
}

// Registry — реестр исполнителей по виду задачи.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry создаёт реестр из перечисленных исполнителей.
func NewRegistry(executors ...Executor) *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	for _, e := range executors {
		r.Register(e)
	}
	return r
}

// Register добавляет исполнителя. Повторная регистрация вида замещает
// предыдущего исполнителя.
func (r *Registry) Register(e Executor) {
	r.executors[e.Kind()] = e
}

// Get возвращает исполнителя вида kind.
func (r *Registry) Get(kind string) (Executor, error) {
	executor, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return executor, nil
}

// Kinds возвращает виды зарегистрированных исполнителей по алфавиту.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.executors))
	for kind := range r.executors {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
