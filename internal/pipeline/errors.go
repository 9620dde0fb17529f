package pipeline

import "errors"

// Ошибки валидации дерева пайплайна.
var (
	// ErrNilNode — в дереве встретился nil-узел.
	ErrNilNode = errors.New("pipeline contains nil node")

	// ErrEmptyChain — цепочка без элементов.
	ErrEmptyChain = errors.New("chain has no elements")

	// ErrEmptyKind — задача без вида.
	ErrEmptyKind = errors.New("task has empty kind")

	// ErrChainInGroup — цепочка внутри группы не поддерживается:
	// план нормализуется в цепочку групп, вложенные цепочки в неё
	// не раскладываются.
	ErrChainInGroup = errors.New("chain nested inside group is not supported")

	// ErrDuplicateKind — два члена одной стадии с одинаковым видом.
	// Виды внутри стадии должны быть уникальны: по ним ключуются
	// результаты, передаваемые следующей стадии.
	ErrDuplicateKind = errors.New("duplicate task kind within one stage")
)

// Ошибки эволюции состояния.
var (
	// ErrUnknownMember — терминальное событие для вида, которого нет
	// в текущей стадии.
	ErrUnknownMember = errors.New("terminal event for unknown stage member")

	// ErrStageNotComplete — попытка перейти к следующей стадии до
	// терминальности всех членов текущей.
	ErrStageNotComplete = errors.New("current stage is not complete")
)
