// FloodTwin Janitor — уборка завершённых пайплайнов.
//
// Janitor по cron-расписанию удаляет пайплайны старше срока
// хранения: сначала рабочую директорию модели, затем строки в БД.
// Лидерство между экземплярами разыгрывается через
// pg_try_advisory_lock: уборку выполняет ровно один.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/floodtwin/internal/config"
	"github.com/shaiso/floodtwin/internal/janitor"
	"github.com/shaiso/floodtwin/internal/store"
	"github.com/shaiso/floodtwin/internal/telemetry"
)

const janitorLockKey int64 = 773311

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting floodtwin-janitor")

	cfg := config.Load()

	if err := janitor.ValidateExpr(cfg.JanitorSchedule); err != nil {
		logger.Error("invalid janitor schedule", "expr", cfg.JanitorSchedule, "error", err)
		os.Exit(1)
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := store.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := store.EnsureSchema(ctx, pool); err != nil {
		logger.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}
	logger.Info("database connected")

	j := janitor.New(janitor.Config{
		Pipelines: store.NewPipelineRepo(pool),
		DataDir:   cfg.DataDir,
		Retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		Logger:    logger,
	})

	// Цикл лидерства: ждём advisory lock, лидер крутит расписание.
	go func() {
		tk := time.NewTicker(15 * time.Second)
		defer tk.Stop()

		var hasLock bool
		defer func() {
			if hasLock {
				_, _ = pool.Exec(context.Background(), "select pg_advisory_unlock($1)", janitorLockKey)
			}
		}()

		for !hasLock {
			select {
			case <-tk.C:
				if err := pool.QueryRow(ctx, "select pg_try_advisory_lock($1)", janitorLockKey).Scan(&hasLock); err != nil {
					logger.Error("advisory lock attempt failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}

		logger.Info("became janitor leader", "schedule", cfg.JanitorSchedule)
		if err := j.Run(ctx, cfg.JanitorSchedule); err != nil {
			logger.Error("janitor loop error", "error", err)
			cancel()
		}
	}()

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8084"
	if v := os.Getenv("JANITOR_PORT"); v != "" {
		port = ":" + v
	}

	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()
	logger.Info("floodtwin-janitor stopped")
}
