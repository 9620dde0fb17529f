// Package pipeline содержит композер и обходчик графа пайплайна.
//
// Включает:
//   - spec.go      — дерево {Task, Chain, Group} и BuildAreaPipeline
//   - plan.go      — нормализация дерева в цепочку стадий (Compile)
//   - evaluator.go — пошаговый обходчик: продвижение по терминальным
//     событиям, агрегация группы, выбор первой ошибки
//   - submit.go    — submit_area_pipeline: валидация области, запись
//     handle и публикация события (не блокируя вызывающего)
//   - status.go    — сборка get_pipeline_status с постадийной детализацией
//
// Дерево — закрытая сумма трёх вариантов, а не динамическая
// композиция: Compile приводит его к цепочке групп, Evaluator
// продвигается по ней событиями о терминальных состояниях вызовов.
// Порядок между стадиями обеспечивается только здесь: очередь
// никакого порядка не гарантирует, следующая стадия отправляется
// после SUCCESS всех членов предыдущей.
package pipeline
