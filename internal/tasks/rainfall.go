package tasks

import (
	"context"
	"os"
	"path/filepath"

	"github.com/shaiso/floodtwin/internal/domain"
	"github.com/shaiso/floodtwin/internal/hydro"
	"github.com/shaiso/floodtwin/internal/model"
	"github.com/shaiso/floodtwin/internal/worker"
)

// GenerateRainfall строит гиетограф проектного шторма по опциям
// сценария и пишет файл дождевого форсинга в каталог запуска.
//
// Исполнитель сам создаёт каталог запуска: члены группы входных данных
// идут параллельно, и порядок их завершения не определён. MkdirAll
// идемпотентен, поэтому гонки с соседями по группе безвредны.
type GenerateRainfall struct {
	dataDir string
}

// NewGenerateRainfall создаёт исполнителя, пишущего в dataDir.
func NewGenerateRainfall(dataDir string) *GenerateRainfall {
	return &GenerateRainfall{dataDir: dataDir}
}

func (g *GenerateRainfall) Kind() string { return domain.KindGenerateRainfall }

func (g *GenerateRainfall) Execute(ctx context.Context, inv *domain.TaskInvocation) (*worker.Result, error) {
	id, err := pipelineID(inv)
	if err != nil {
		return nil, err
	}
	opts := scenarioOptions(inv)

	cfg := hydro.DefaultStorm()
	cfg.ARI = float64(opts.ARI)
	cfg.StormHours = float64(opts.StormHours)
	cfg.PeakHours = cfg.StormHours / 2

	points, err := hydro.BuildHyetograph(cfg)
	if err != nil {
		return nil, err
	}

	runDir := model.RunDir(g.dataDir, id)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, domain.Resourcef("rainfall: create run dir: %v", err)
	}
	artifact := filepath.Join(runDir, model.RainForcingFile)
	if err := hydro.WriteRainForcing(points, artifact); err != nil {
		return nil, domain.Resourcef("rainfall: %v", err)
	}

	return &worker.Result{Output: map[string]any{
		"artifact":       artifact,
		"total_depth_mm": hydro.TotalDepth(points),
		"duration_hours": cfg.StormHours,
	}}, nil
}
