// FloodTwin API — HTTP-вход системы.
//
// API:
//   - Принимает пайплайны затопления для области (submit)
//   - Отдаёт статус, список и отмену пайплайнов
//   - Отдаёт временной ряд глубины по координатам
//
// Выполнением задач API не занимается: после записи пайплайна
// публикует событие и сразу отвечает клиенту.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/floodtwin/internal/api"
	"github.com/shaiso/floodtwin/internal/config"
	"github.com/shaiso/floodtwin/internal/mq"
	"github.com/shaiso/floodtwin/internal/pipeline"
	"github.com/shaiso/floodtwin/internal/store"
	"github.com/shaiso/floodtwin/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting floodtwin-api")

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
	outputRepo := store.NewOutputRepo(pool)

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

	submitCfg := pipeline.SubmitterConfig{
		Pipelines: pipelineRepo,
		Logger:    logger,
	}
	if publisher != nil {
		submitCfg.Queue = publisher
	}
	submitter := pipeline.NewSubmitter(submitCfg)

	handler := api.NewHandler(api.Config{
		Pipelines:   pipelineRepo,
		Invocations: invocationRepo,
		Outputs:     outputRepo,
		Submitter:   submitter,
		DB:          pool,
		Broker:      mqConn,
		Logger:      logger,
	})

	// HTTP mux: API + /metrics
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	handler.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: mux,
	}

	go func() {
		logger.Info("listening", "addr", cfg.APIAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("floodtwin-api stopped")
}
