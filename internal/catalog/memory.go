package catalog

import (
	"context"
	"sync"

	"github.com/shaiso/floodtwin/internal/geo"
)

// MemoryStore — in-memory реализация FeatureStore для тестов и локальных
// запусков без PostGIS. Пересечение с областью не считается: фича
// считается попавшей в область, если она вообще сохранена для слоя.
type MemoryStore struct {
	mu       sync.Mutex
	features map[string]map[string]Feature
}

// NewMemoryStore создаёт пустой MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{features: make(map[string]map[string]Feature)}
}

// UpsertFeatures сохраняет фичи слоя. Повторная вставка той же фичи
// не считается вставленной, как и ON CONFLICT DO NOTHING в PostGIS.
func (s *MemoryStore) UpsertFeatures(_ context.Context, layer string, feats []Feature) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := s.features[layer]
	if byID == nil {
		byID = make(map[string]Feature)
		s.features[layer] = byID
	}
	var inserted int64
	for _, f := range feats {
		if _, ok := byID[f.ID]; ok {
			continue
		}
		byID[f.ID] = f
		inserted++
	}
	return inserted, nil
}

// CountInArea возвращает число сохранённых фич слоя.
func (s *MemoryStore) CountInArea(_ context.Context, layer, _ string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.features[layer]), nil
}

// StaticFetcher отдаёт заранее заданные фичи по имени слоя. Если для
// слоя ничего не задано, генерирует одну фичу внутри области.
type StaticFetcher struct {
	mu       sync.Mutex
	byLayer  map[string][]Feature
	err      error
	requests int
}

// NewStaticFetcher создаёт StaticFetcher без предзаданных фич.
func NewStaticFetcher() *StaticFetcher {
	return &StaticFetcher{byLayer: make(map[string][]Feature)}
}

// SetFeatures задаёт фичи, возвращаемые для слоя.
func (f *StaticFetcher) SetFeatures(layer string, feats []Feature) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byLayer[layer] = feats
}

// Fail заставляет все последующие Fetch возвращать err.
func (f *StaticFetcher) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Requests возвращает число выполненных Fetch.
func (f *StaticFetcher) Requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

// Fetch возвращает фичи слоя, пересекающие область.
func (f *StaticFetcher) Fetch(ctx context.Context, layer Layer, areaWKT string) ([]Feature, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests++
	if f.err != nil {
		return nil, f.err
	}
	if feats, ok := f.byLayer[layer.Name]; ok {
		return feats, nil
	}
	poly, err := geo.ParsePolygon(areaWKT)
	if err != nil {
		return nil, err
	}
	lng, lat, err := geo.Centroid(poly)
	if err != nil {
		return nil, err
	}
	return []Feature{{
		ID:         layer.Name + "-1",
		WKT:        geo.PointWKT(lng, lat),
		Properties: map[string]any{"source": layer.Source},
	}}, nil
}
