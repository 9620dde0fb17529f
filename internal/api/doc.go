// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go          — Handler с DI (хранилища, submitter, logger)
//   - routes.go           — регистрация маршрутов
//   - middleware.go       — middleware (logging, recovery)
//   - response.go         — унифицированные JSON-ответы и обработка ошибок
//   - dto.go              — Data Transfer Objects (request/response)
//   - pipeline_handler.go — обработчики /pipelines
//   - depth_handler.go    — запрос глубин и /healthz
//
// API предоставляет REST endpoints для запуска пайплайнов затопления,
// запроса статуса, отмены и чтения модельных глубин.
package api
