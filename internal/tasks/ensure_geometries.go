package tasks

import (
	"context"

	"github.com/shaiso/floodtwin/internal/catalog"
	"github.com/shaiso/floodtwin/internal/domain"
	"github.com/shaiso/floodtwin/internal/worker"
)

// AreaEnsurer подтягивает справочные слои, пересекающие область.
type AreaEnsurer interface {
	EnsureArea(ctx context.Context, areaWKT string) (map[string]catalog.LayerSync, error)
}

// EnsureGeometries — первая стадия пайплайна: справочные геометрии
// области (границы, здания, реки) лежат в каталоге. Синхронизация
// идемпотентна, повторный вызов для той же области досчитывает только
// недостающие фичи.
type EnsureGeometries struct {
	catalog AreaEnsurer
}

// NewEnsureGeometries создаёт исполнителя над сервисом каталога.
func NewEnsureGeometries(catalog AreaEnsurer) *EnsureGeometries {
	return &EnsureGeometries{catalog: catalog}
}

func (e *EnsureGeometries) Kind() string { return domain.KindEnsureGeometries }

func (e *EnsureGeometries) Execute(ctx context.Context, inv *domain.TaskInvocation) (*worker.Result, error) {
	area, err := areaWKT(inv)
	if err != nil {
		return nil, err
	}

	synced, err := e.catalog.EnsureArea(ctx, area)
	if err != nil {
		return nil, err
	}

	layers := make(map[string]any, len(synced))
	for name, s := range synced {
		layers[name] = map[string]any{
			"fetched":  s.Fetched,
			"inserted": s.Inserted,
		}
	}
	return &worker.Result{Output: map[string]any{"layers": layers}}, nil
}
