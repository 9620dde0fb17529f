package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/floodtwin/internal/domain"
)

// OutputRepo — репозиторий метаданных модельных выходов.
// Extent хранится как PostGIS-геометрия; в Go живёт как WKT.
type OutputRepo struct {
	pool *pgxpool.Pool
}

// NewOutputRepo создаёт новый OutputRepo.
func NewOutputRepo(pool *pgxpool.Pool) *OutputRepo {
	return &OutputRepo{pool: pool}
}

// Create сохраняет метаданные выхода модели.
func (r *OutputRepo) Create(ctx context.Context, out *domain.ModelOutput) error {
	query := `
		INSERT INTO model_outputs (id, pipeline_id, run_dir, result_file, extent, max_depth, created_at)
		VALUES ($1, $2, $3, $4, ST_GeomFromText($5, 4326), $6, $7)
	`
	_, err := r.pool.Exec(ctx, query,
		out.ID,
		out.PipelineID,
		out.RunDir,
		out.ResultFile,
		nullString(out.ExtentWKT),
		out.MaxDepth,
		out.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert model output: %w", err)
	}
	return nil
}

// GetByPipeline возвращает выход модели для пайплайна.
func (r *OutputRepo) GetByPipeline(ctx context.Context, pipelineID uuid.UUID) (*domain.ModelOutput, error) {
	query := `
		SELECT id, pipeline_id, run_dir, result_file, ST_AsText(extent), max_depth, created_at
		FROM model_outputs
		WHERE pipeline_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	var out domain.ModelOutput
	var extentWKT *string

	err := r.pool.QueryRow(ctx, query, pipelineID).Scan(
		&out.ID,
		&out.PipelineID,
		&out.RunDir,
		&out.ResultFile,
		&extentWKT,
		&out.MaxDepth,
		&out.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan model output: %w", err)
	}

	if extentWKT != nil {
		out.ExtentWKT = *extentWKT
	}
	return &out, nil
}

// DeleteByPipeline удаляет метаданные выходов пайплайна.
func (r *OutputRepo) DeleteByPipeline(ctx context.Context, pipelineID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM model_outputs WHERE pipeline_id = $1`, pipelineID)
	if err != nil {
		return fmt.Errorf("delete model outputs: %w", err)
	}
	return nil
}
