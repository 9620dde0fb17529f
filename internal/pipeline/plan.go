package pipeline

import "fmt"

// TaskSpec — член стадии в нормализованном плане.
type TaskSpec struct {
	// Kind — вид задачи.
	Kind string

	// Params — параметры из дерева (Task.Params).
	Params map[string]any
}

// Stage — одна стадия плана: группа членов без взаимного порядка.
// Одиночная задача в цепочке — стадия из одного члена; пустая
// группа — стадия без членов (вакуумный SUCCESS).
type Stage struct {
	Members []TaskSpec
}

// Plan — нормализованная форма дерева: цепочка стадий.
// Стадия i+1 отправляется только после успеха всех членов стадии i.
type Plan struct {
	Stages []Stage
}

// NumStages возвращает количество стадий.
func (p *Plan) NumStages() int {
	return len(p.Stages)
}

// Stage возвращает стадию по индексу.
func (p *Plan) Stage(i int) *Stage {
	return &p.Stages[i]
}

// KindsAt возвращает виды членов стадии (в порядке объявления).
func (p *Plan) KindsAt(i int) []string {
	kinds := make([]string, 0, len(p.Stages[i].Members))
	for _, m := range p.Stages[i].Members {
		kinds = append(kinds, m.Kind)
	}
	return kinds
}

// Compile нормализует дерево в цепочку стадий.
//
// Правила:
//   - Task → стадия из одного члена
//   - Group → одна стадия; вложенные группы раскладываются в плоский
//     список членов; Chain внутри группы — ошибка
//   - Chain → конкатенация стадий элементов (вложенные цепочки
//     раскладываются)
//
// Группа из одного члена компилируется в ту же форму, что одиночная
// задача в цепочке, и ведёт себя идентично ей.
func Compile(n Node) (*Plan, error) {
	if err := Validate(n); err != nil {
		return nil, err
	}

	plan := &Plan{}
	if err := compileInto(plan, n); err != nil {
		return nil, err
	}

	// Виды внутри стадии должны быть уникальны: по виду ключуются
	// результаты в upstream-пространстве следующей стадии.
	for i := range plan.Stages {
		seen := make(map[string]bool)
		for _, m := range plan.Stages[i].Members {
			if seen[m.Kind] {
				return nil, fmt.Errorf("%w: %s (stage %d)", ErrDuplicateKind, m.Kind, i)
			}
			seen[m.Kind] = true
		}
	}

	return plan, nil
}

func compileInto(plan *Plan, n Node) error {
	switch v := n.(type) {
	case Task:
		plan.Stages = append(plan.Stages, Stage{Members: []TaskSpec{{Kind: v.Kind, Params: v.Params}}})
		return nil
	case Group:
		members, err := flattenGroup(v)
		if err != nil {
			return err
		}
		plan.Stages = append(plan.Stages, Stage{Members: members})
		return nil
	case Chain:
		for _, child := range v.Nodes {
			if err := compileInto(plan, child); err != nil {
				return err
			}
		}
		return nil
	default:
		return ErrNilNode
	}
}

func flattenGroup(g Group) ([]TaskSpec, error) {
	members := make([]TaskSpec, 0, len(g.Members))
	for _, m := range g.Members {
		switch v := m.(type) {
		case Task:
			members = append(members, TaskSpec{Kind: v.Kind, Params: v.Params})
		case Group:
			nested, err := flattenGroup(v)
			if err != nil {
				return nil, err
			}
			members = append(members, nested...)
		case Chain:
			return nil, ErrChainInGroup
		default:
			return nil, ErrNilNode
		}
	}
	return members, nil
}
