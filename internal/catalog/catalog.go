// Package catalog — каталог региональных геометрий.
//
// Хранит векторные слои (границы регионов, контуры зданий, русла рек),
// подтягивая недостающие фичи из WFS-сервисов LINZ и Stats NZ.
// Синхронизация идемпотентна: повторный прогон для той же области
// не вставляет ничего нового.
package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Layer — один слой каталога.
type Layer struct {
	// Name — имя слоя в таблице region_features.
	Name string

	// Source — источник WFS: "linz" или "statsnz".
	Source string

	// LayerID — идентификатор слоя в источнике.
	LayerID int
}

// DefaultLayers — слои, которые пайплайн ожидает видеть в каталоге.
func DefaultLayers() []Layer {
	return []Layer{
		{Name: "region_boundaries", Source: "statsnz", LayerID: 111182},
		{Name: "building_outlines", Source: "linz", LayerID: 101290},
		{Name: "river_centrelines", Source: "linz", LayerID: 50327},
	}
}

// Feature — геометрия с атрибутами из источника.
type Feature struct {
	// ID — стабильный идентификатор фичи в источнике.
	ID string

	// WKT — геометрия фичи.
	WKT string

	// Properties — прочие атрибуты, как пришли из WFS.
	Properties map[string]any
}

// Fetcher отдаёт фичи слоя, пересекающие область.
type Fetcher interface {
	Fetch(ctx context.Context, layer Layer, areaWKT string) ([]Feature, error)
}

// FeatureStore — хранилище фич каталога.
type FeatureStore interface {
	UpsertFeatures(ctx context.Context, layer string, feats []Feature) (inserted int64, err error)
	CountInArea(ctx context.Context, layer, areaWKT string) (int, error)
}

// LayerSync — итог синхронизации одного слоя.
type LayerSync struct {
	// Fetched — фич получено из источника.
	Fetched int `json:"fetched"`

	// Inserted — фич вставлено (0 — слой уже был полон).
	Inserted int64 `json:"inserted"`
}

// ServiceConfig — конфигурация Service.
type ServiceConfig struct {
	Store   FeatureStore
	Fetcher Fetcher

	// Layers — слои для синхронизации. По умолчанию DefaultLayers.
	Layers []Layer

	Logger *slog.Logger
}

// Service синхронизирует слои каталога для области.
type Service struct {
	store   FeatureStore
	fetcher Fetcher
	layers  []Layer
	logger  *slog.Logger
}

// NewService создаёт Service с подстановкой значений по умолчанию.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Layers == nil {
		cfg.Layers = DefaultLayers()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:   cfg.Store,
		fetcher: cfg.Fetcher,
		layers:  cfg.Layers,
		logger:  cfg.Logger,
	}
}

// EnsureArea подтягивает фичи всех слоёв, пересекающие область.
// Слои качаются параллельно; ошибка любого слоя валит всю операцию.
func (s *Service) EnsureArea(ctx context.Context, areaWKT string) (map[string]LayerSync, error) {
	results := make([]LayerSync, len(s.layers))

	g, gctx := errgroup.WithContext(ctx)
	for i, layer := range s.layers {
		g.Go(func() error {
			feats, err := s.fetcher.Fetch(gctx, layer, areaWKT)
			if err != nil {
				return fmt.Errorf("fetch layer %s: %w", layer.Name, err)
			}

			inserted, err := s.store.UpsertFeatures(gctx, layer.Name, feats)
			if err != nil {
				return fmt.Errorf("upsert layer %s: %w", layer.Name, err)
			}

			s.logger.Info("layer synced",
				"layer", layer.Name,
				"fetched", len(feats),
				"inserted", inserted,
			)
			results[i] = LayerSync{Fetched: len(feats), Inserted: inserted}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	synced := make(map[string]LayerSync, len(s.layers))
	for i, layer := range s.layers {
		synced[layer.Name] = results[i]
	}
	return synced, nil
}
