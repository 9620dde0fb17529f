// Package mq — dispatch queue поверх RabbitMQ.
//
// Структура:
//   - connection.go — управление соединением (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация сообщений в очереди
//   - consumer.go   — потребление сообщений из очередей
//
// Типы сообщений:
//   - pipeline.submitted   — новый пайплайн ожидает оркестрации
//   - invocation.ready     — вызов задачи готов к выполнению
//   - invocation.completed — вызов достиг терминального состояния
//
// Exchanges:
//   - floodtwin.pipelines   — события пайплайнов
//   - floodtwin.invocations — события вызовов
//   - floodtwin.dlq         — dead letter queue
//
// Гарантии доставки: at-least-once. Сообщения публикуются persistent,
// подтверждаются вручную после обработки; неподтверждённые доставки
// при обрыве канала возвращаются в очередь. Никакого порядка между
// вызовами очередь не обещает: порядок стадий обеспечивает
// orchestrator, отправляя следующую стадию только после SUCCESS
// предыдущей. Из этого следует требование идемпотентности задач:
// один и тот же вызов может быть доставлен больше одного раза.
package mq
