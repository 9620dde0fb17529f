package tasks

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/floodtwin/internal/domain"
	"github.com/shaiso/floodtwin/internal/geo"
	"github.com/shaiso/floodtwin/internal/model"
	"github.com/shaiso/floodtwin/internal/worker"
)

// OutputStore хранит метаданные выходов модели.
type OutputStore interface {
	Create(ctx context.Context, out *domain.ModelOutput) error
	GetByPipeline(ctx context.Context, pipelineID uuid.UUID) (*domain.ModelOutput, error)
}

// RunModel — финальная стадия: собрать параметры из артефактов
// предыдущей стадии, запустить BG_Flood и зарегистрировать выход.
//
// Перед запуском исполнитель проверяет хранилище выходов: если выход
// пайплайна уже записан и файл результата цел, повторная доставка
// возвращает прежний результат, не пересчитывая модель.
type RunModel struct {
	runner  *model.Runner
	outputs OutputStore
}

// NewRunModel создаёт исполнителя запуска модели.
func NewRunModel(runner *model.Runner, outputs OutputStore) *RunModel {
	return &RunModel{runner: runner, outputs: outputs}
}

func (r *RunModel) Kind() string { return domain.KindRunModel }

func (r *RunModel) Execute(ctx context.Context, inv *domain.TaskInvocation) (*worker.Result, error) {
	id, err := pipelineID(inv)
	if err != nil {
		return nil, err
	}

	if prior, err := r.outputs.GetByPipeline(ctx, id); err == nil {
		if _, serr := os.Stat(prior.ResultFile); serr == nil {
			return &worker.Result{Output: outputResult(prior)}, nil
		}
	}

	runDir, err := upstreamString(inv, domain.KindPrepareEnv, "run_dir")
	if err != nil {
		return nil, err
	}
	dem, err := upstreamString(inv, domain.KindPrepareEnv, "dem")
	if err != nil {
		return nil, err
	}
	if _, err := upstreamString(inv, domain.KindGenerateRainfall, "artifact"); err != nil {
		return nil, err
	}

	env := &model.Environment{RunDir: runDir}
	opts := scenarioOptions(inv)

	params := model.DefaultParams()
	params.Topo = dem
	params.EndTime = float64(opts.StormHours) * 3600
	if _, err := upstreamString(inv, domain.KindGenerateTide, "artifact"); err == nil {
		params.Tide = model.TideForcingFile
	}
	if err := model.WriteParams(params, env.Path(model.ParamsFile)); err != nil {
		return nil, err
	}

	required := []string{model.ParamsFile, model.RainForcingFile}
	if params.Tide != "" {
		required = append(required, model.TideForcingFile)
	}
	if err := env.RequireFiles(required...); err != nil {
		return nil, err
	}

	if err := r.runner.Run(ctx, env); err != nil {
		return nil, err
	}

	grid, err := model.ParseDepths(env.Path(model.ResultFile))
	if err != nil {
		return nil, err
	}
	extent, err := extentFor(inv, grid)
	if err != nil {
		return nil, err
	}

	out := &domain.ModelOutput{
		ID:         uuid.New(),
		PipelineID: id,
		RunDir:     env.RunDir,
		ResultFile: env.Path(model.ResultFile),
		ExtentWKT:  extent,
		MaxDepth:   grid.MaxDepth(),
		CreatedAt:  time.Now(),
	}
	if err := r.outputs.Create(ctx, out); err != nil {
		return nil, domain.Transientf("run model: save output: %v", err)
	}

	return &worker.Result{Output: outputResult(out)}, nil
}

// extentFor предпочитает охват из сетки результата; если модель не
// выдала координаты, берётся исходный полигон области.
func extentFor(inv *domain.TaskInvocation, grid *model.DepthGrid) (string, error) {
	if wkt, err := grid.ExtentWKT(); err == nil {
		return wkt, nil
	}
	area, err := areaWKT(inv)
	if err != nil {
		return "", err
	}
	if _, err := geo.ParsePolygon(area); err != nil {
		return "", domain.InputErrorf("run model: %v", err)
	}
	return area, nil
}

func outputResult(out *domain.ModelOutput) map[string]any {
	return map[string]any{
		"output_id":   out.ID.String(),
		"artifact":    out.ResultFile,
		"run_dir":     out.RunDir,
		"max_depth_m": out.MaxDepth,
		"extent_wkt":  out.ExtentWKT,
	}
}
