// Package janitor реализует уборку завершённых пайплайнов.
//
// Janitor периодически находит пайплайны, чей finished_at старше
// срока хранения, удаляет их рабочие директории на диске и затем
// строки в БД. Вызовы и модельные выходы уходят каскадом.
//
// Структура:
//   - janitor.go — основная логика (Tick, Run)
//   - cron.go    — парсинг cron-выражений расписания
//
// Использование:
//
//	j := janitor.New(janitor.Config{
//	    Pipelines: pipelineRepo,
//	    DataDir:   dataDir,
//	    Retention: 30 * 24 * time.Hour,
//	    Logger:    logger,
//	})
//
//	// Блокируется до отмены контекста.
//	if err := j.Run(ctx, "0 3 * * *"); err != nil {
//	    logger.Error("janitor failed", "error", err)
//	}
//
// Leader Election:
//
// Janitor не реализует leader election самостоятельно.
// Это делается в main.go через pg_try_advisory_lock.
// Run() вызывается только лидером.
package janitor
