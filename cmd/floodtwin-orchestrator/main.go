// FloodTwin Orchestrator — управляет выполнением пайплайнов.
//
// Orchestrator:
//   - Получает новые пайплайны из RabbitMQ
//   - Строит цепочку стадий для области
//   - Создаёт вызовы задач и отправляет их workers
//   - Агрегирует исходы стадий и финализирует пайплайны
//
// БД — источник истины: при недоступном брокере всё то же самое
// делает polling.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/floodtwin/internal/config"
	"github.com/shaiso/floodtwin/internal/mq"
	"github.com/shaiso/floodtwin/internal/orchestrator"
	"github.com/shaiso/floodtwin/internal/store"
	"github.com/shaiso/floodtwin/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting floodtwin-orchestrator")

	cfg := config.Load()

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

	// Создаём репозитории
	pipelineRepo := store.NewPipelineRepo(pool)
	invocationRepo := store.NewInvocationRepo(pool)

	// RabbitMQ
	var publisher *mq.Publisher
	mqConn, err := mq.NewConnection(cfg.BrokerURL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		mqConn = nil
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		// Создаём топологию
		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}

		publisher = mq.NewPublisher(mqConn, logger)
	}

	orchCfg := orchestrator.Config{
		Pipelines:   pipelineRepo,
		Invocations: invocationRepo,
		Conn:        mqConn,
		Logger:      logger,
	}
	if publisher != nil {
		orchCfg.Publisher = publisher
	}
	orch := orchestrator.New(orchCfg)

	// Запускаем orchestrator
	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8083"
	if v := os.Getenv("ORCH_PORT"); v != "" {
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

	// Останавливаем orchestrator
	orch.Stop()
	logger.Info("floodtwin-orchestrator stopped")
}
