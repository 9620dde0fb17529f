// Package tasks содержит исполнителей задач пайплайна.
//
// Каждый исполнитель реализует worker.Executor для одного вида задачи:
//
//   - ensure_region_geometries — справочные геометрии области в каталоге
//   - generate_rainfall_inputs — файл форсинга дождя
//   - generate_tide_inputs     — файл приливной границы с учётом SLR
//   - prepare_run_environment  — рабочий каталог и проверки окружения
//   - run_flood_model          — запуск модели и регистрация выхода
//
// Исполнители идемпотентны: очередь доставляет at-least-once, и тот же
// вызов может исполниться повторно. Файлы перезаписываются на месте,
// записи каталога вставляются с пропуском дубликатов, повторная
// регистрация выхода модели замещает предыдущую запись того же
// пайплайна при чтении (берётся последняя).
//
// Вход задачи лежит в payload вызова: area_wkt, pipeline_id, options
// и результаты предыдущей стадии под ключом upstream. Результаты
// исполнителя попадают в upstream следующей стадии без изменений.
package tasks
