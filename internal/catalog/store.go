package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store — PostGIS-хранилище фич каталога.
//
// Пара (layer, feature_id) уникальна; вставка повторной фичи молча
// пропускается. На этом держится идемпотентность ensure-задачи.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore создаёт Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema создаёт таблицу каталога, если её ещё нет.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS region_features (
			layer TEXT NOT NULL,
			feature_id TEXT NOT NULL,
			geometry GEOMETRY(GEOMETRY, 4326) NOT NULL,
			properties JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (layer, feature_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_region_features_geometry
			ON region_features USING GIST (geometry)`,
	}
	for _, q := range ddl {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("ensure catalog schema: %w", err)
		}
	}
	return nil
}

// UpsertFeatures вставляет фичи слоя, пропуская уже известные.
// Возвращает число реально вставленных строк.
func (s *Store) UpsertFeatures(ctx context.Context, layer string, feats []Feature) (int64, error) {
	var inserted int64
	for _, f := range feats {
		propsJSON, err := json.Marshal(f.Properties)
		if err != nil {
			return inserted, fmt.Errorf("marshal properties: %w", err)
		}

		result, err := s.pool.Exec(ctx, `
			INSERT INTO region_features (layer, feature_id, geometry, properties)
			VALUES ($1, $2, ST_GeomFromText($3, 4326), $4)
			ON CONFLICT (layer, feature_id) DO NOTHING
		`, layer, f.ID, f.WKT, propsJSON)
		if err != nil {
			return inserted, fmt.Errorf("insert feature %s/%s: %w", layer, f.ID, err)
		}
		inserted += result.RowsAffected()
	}
	return inserted, nil
}

// CountInArea возвращает число фич слоя, пересекающих область.
func (s *Store) CountInArea(ctx context.Context, layer, areaWKT string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM region_features
		WHERE layer = $1
		  AND ST_Intersects(geometry, ST_GeomFromText($2, 4326))
	`, layer, areaWKT).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count features in area: %w", err)
	}
	return count, nil
}
