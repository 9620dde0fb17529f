// Package orchestrator управляет выполнением пайплайнов.
//
// Orchestrator отвечает за:
//   - Получение новых пайплайнов из очереди RabbitMQ
//   - Компиляцию дерева пайплайна в цепочку стадий
//   - Создание вызовов задач для членов текущей стадии
//   - Отслеживание завершения вызовов и агрегацию групп
//   - Продвижение на следующую стадию после успеха всех членов
//   - Финализацию пайплайна (SUCCESS/FAILURE) первой ошибкой стадии
//
// Orchestrator — "мозг" системы, который координирует выполнение.
// Истина о состоянии живёт в БД: память процесса — только кэш, после
// рестарта всё восстанавливается из строк invocations, а потерянные
// сообщения брокера компенсирует polling.
package orchestrator
