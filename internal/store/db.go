package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool открывает пул соединений к PostgreSQL и проверяет его ping'ом.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// EnsureSchema создаёт таблицы хранилища, если их ещё нет.
// Вызывается при старте каждого демона; DDL идемпотентен.
// Таблицы каталога геометрий объявляет internal/catalog.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	ddl := []string{
		`CREATE EXTENSION IF NOT EXISTS postgis`,
		`CREATE TABLE IF NOT EXISTS pipelines (
			id UUID PRIMARY KEY,
			area_wkt TEXT NOT NULL,
			options JSONB NOT NULL,
			state TEXT NOT NULL,
			current_stage INT NOT NULL DEFAULT -1,
			result JSONB,
			failed_kind TEXT,
			error TEXT,
			idempotency_key TEXT UNIQUE,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS invocations (
			id UUID PRIMARY KEY,
			pipeline_id UUID NOT NULL REFERENCES pipelines(id) ON DELETE CASCADE,
			stage INT NOT NULL,
			kind TEXT NOT NULL,
			attempt INT NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			payload JSONB,
			result JSONB,
			error TEXT,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_invocations_pipeline_kind
			ON invocations(pipeline_id, kind)`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_pipeline_stage
			ON invocations(pipeline_id, stage)`,
		`CREATE TABLE IF NOT EXISTS model_outputs (
			id UUID PRIMARY KEY,
			pipeline_id UUID NOT NULL REFERENCES pipelines(id) ON DELETE CASCADE,
			run_dir TEXT NOT NULL,
			result_file TEXT NOT NULL,
			extent GEOMETRY(POLYGON, 4326),
			max_depth DOUBLE PRECISION,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_model_outputs_pipeline
			ON model_outputs(pipeline_id)`,
	}
	for _, q := range ddl {
		if _, err := pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
