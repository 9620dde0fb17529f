// Package cli реализует инструмент командной строки floodtwin.
//
// # Обзор
//
// CLI — клиентская утилита для взаимодействия с floodtwin API.
// Работает через HTTP, не импортирует внутренние пакеты системы.
// CLI используется для запуска пайплайнов затопления, мониторинга
// и чтения результатов.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для floodtwin API. Инкапсулирует все HTTP-запросы,
// парсинг ответов (DataResponse, ListResponse, ErrorResponse)
// и обработку ошибок.
//
//	client := cli.NewClient("http://localhost:8080")
//	pipelines, err := client.ListPipelines(cli.ListOpts{})
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: floodtwin list --json | jq .
//
// ## Commands
//
// Cobra-команды плоские, по одной на операцию API:
//   - submit — запуск пайплайна (--wkt | --bbox, --tide, --ari,
//     --storm-hours, --wait)
//   - status — постадийный статус
//   - list   — список пайплайнов
//   - cancel — кооперативная отмена
//   - depth  — ряд глубин в точке
//
// Каждая команда создаётся через фабричную функцию (NewSubmitCmd
// и т.д.), принимающую clientFn и outputFn — замыкания для ленивого
// создания Client и Output после парсинга PersistentFlags.
package cli
