package pipeline

import (
	"github.com/shaiso/floodtwin/internal/domain"
)

// Node — узел дерева пайплайна. Закрытая сумма трёх вариантов:
// Task, Chain, Group. Other реализаций быть не может — метод node()
// неэкспортируемый.
type Node interface {
	node()
}

// Task — лист дерева: один вызов задачи заданного вида.
type Task struct {
	// Kind — вид задачи (см. domain.Kind*).
	Kind string

	// Params — дополнительные параметры, попадающие в payload вызова.
	Params map[string]any
}

// Chain — строгая последовательность: каждый следующий элемент
// отправляется только после SUCCESS предыдущего.
type Chain struct {
	Nodes []Node
}

// Group — члены без взаимного порядка, выполняются параллельно.
// Пустая группа допустима и считается вакуумно успешной.
type Group struct {
	Members []Node
}

func (Task) node()  {}
func (Chain) node() {}
func (Group) node() {}

// NewTask создаёт лист-задачу.
func NewTask(kind string) Task {
	return Task{Kind: kind}
}

// NewTaskWithParams создаёт лист-задачу с параметрами.
func NewTaskWithParams(kind string, params map[string]any) Task {
	return Task{Kind: kind, Params: params}
}

// NewChain создаёт цепочку.
func NewChain(nodes ...Node) Chain {
	return Chain{Nodes: nodes}
}

// NewGroup создаёт группу.
func NewGroup(members ...Node) Group {
	return Group{Members: members}
}

// Validate проверяет дерево: nil-узлы, пустые цепочки, пустые виды.
// Пустые группы валидны.
func Validate(n Node) error {
	switch v := n.(type) {
	case nil:
		return ErrNilNode
	case Task:
		if v.Kind == "" {
			return ErrEmptyKind
		}
		return nil
	case Chain:
		if len(v.Nodes) == 0 {
			return ErrEmptyChain
		}
		for _, child := range v.Nodes {
			if err := Validate(child); err != nil {
				return err
			}
		}
		return nil
	case Group:
		for _, m := range v.Members {
			if err := Validate(m); err != nil {
				return err
			}
		}
		return nil
	default:
		return ErrNilNode
	}
}

// BuildAreaPipeline собирает дерево "построить модель для области":
//
//	Chain(
//	    ensure_region_geometries,
//	    Group(generate_rainfall_inputs, [generate_tide_inputs], prepare_run_environment),
//	    run_flood_model,
//	)
//
// Дополнительные генераторы входных данных добавляются членами
// группы; приливная граница включается опцией Tide.
func BuildAreaPipeline(opts domain.PipelineOptions) Node {
	inputs := []Node{NewTask(domain.KindGenerateRainfall)}
	if opts.Tide {
		inputs = append(inputs, NewTask(domain.KindGenerateTide))
	}
	inputs = append(inputs, NewTask(domain.KindPrepareEnv))

	return NewChain(
		NewTask(domain.KindEnsureGeometries),
		NewGroup(inputs...),
		NewTask(domain.KindRunModel),
	)
}
