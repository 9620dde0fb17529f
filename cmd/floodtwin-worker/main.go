// FloodTwin Worker — выполняет отдельные задачи пайплайна.
//
// Worker:
//   - Получает вызовы из RabbitMQ (и добирает застрявшие polling'ом)
//   - Выполняет задачу по виду: геометрии, дождь, прилив,
//     подготовка окружения, запуск модели
//   - Реализует retry с exponential backoff
//   - Отправляет исход обратно
//
// Workers масштабируются горизонтально; от двойного исполнения
// защищают CAS в БД и Redis-аренда.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/shaiso/floodtwin/internal/catalog"
	"github.com/shaiso/floodtwin/internal/config"
	"github.com/shaiso/floodtwin/internal/hydro"
	"github.com/shaiso/floodtwin/internal/lease"
	"github.com/shaiso/floodtwin/internal/model"
	"github.com/shaiso/floodtwin/internal/mq"
	"github.com/shaiso/floodtwin/internal/store"
	"github.com/shaiso/floodtwin/internal/tasks"
	"github.com/shaiso/floodtwin/internal/telemetry"
	"github.com/shaiso/floodtwin/internal/worker"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting floodtwin-worker")

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

	// Каталог геометрий: PostGIS-хранилище + WFS-источники
	catalogStore := catalog.NewStore(pool)
	if err := catalogStore.EnsureSchema(ctx); err != nil {
		logger.Error("failed to ensure catalog schema", "error", err)
		os.Exit(1)
	}
	catalogSvc := catalog.NewService(catalog.ServiceConfig{
		Store: catalogStore,
		Fetcher: catalog.NewWFSClient(catalog.WFSConfig{
			LINZKey:  cfg.LINZAPIKey,
			StatsKey: cfg.StatsAPIKey,
			Logger:   logger,
		}),
		Logger: logger,
	})

	runner := model.NewRunner(model.RunnerConfig{
		Binary: cfg.ModelBinary,
		Logger: logger,
	})

	executors := []worker.Executor{
		tasks.NewEnsureGeometries(catalogSvc),
		tasks.NewGenerateRainfall(cfg.DataDir),
		tasks.NewPrepareEnv(cfg.DataDir, cfg.ModelBinary, cfg.DEMFile),
		tasks.NewRunModel(runner, outputRepo),
	}

	// Проекции уровня моря. Без них воркер не берёт приливные задачи:
	// их выполнит экземпляр с данными.
	slr, err := hydro.LoadSLRDir(cfg.SLRDataDir)
	if err != nil {
		logger.Warn("sea level projections unavailable, tide tasks disabled", "error", err)
	} else {
		executors = append(executors, tasks.NewGenerateTide(cfg.DataDir, slr, 0))
	}

	registry := worker.NewRegistry(executors...)

	// Redis-аренда вызовов. Без Redis защита остаётся за CAS в БД.
	var leaseMgr *lease.Manager
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis not available, running without invocation leases", "error", err)
		} else {
			defer rdb.Close()
			leaseMgr = lease.New(lease.Config{Client: rdb})
			logger.Info("Redis connected", "addr", cfg.RedisAddr)
		}
	}

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

	workerCfg := worker.Config{
		Invocations: invocationRepo,
		Pipelines:   pipelineRepo,
		Conn:        mqConn,
		Registry:    registry,
		MaxAttempts: cfg.MaxAttempts,
		Logger:      logger,
	}
	if publisher != nil {
		workerCfg.Publisher = publisher
	}
	if leaseMgr != nil {
		workerCfg.Lease = leaseMgr
	}
	w := worker.New(workerCfg)

	// Запускаем worker
	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8082"
	if v := os.Getenv("WORKER_PORT"); v != "" {
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

	// Останавливаем worker
	w.Stop()
	logger.Info("floodtwin-worker stopped")
}
