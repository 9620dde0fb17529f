// Package telemetry обеспечивает наблюдаемость системы.
//
// Включает:
//   - logging.go — structured logging через slog с привязкой
//     pipeline_id, invocation_id и вида задачи
//   - metrics.go — Prometheus метрики с префиксом floodtwin_
//
// Все сервисы используют единый формат логирования
// и экспортируют метрики на /metrics endpoint.
package telemetry
