package tasks

import (
	"context"
	"os"
	"path/filepath"

	"github.com/shaiso/floodtwin/internal/domain"
	"github.com/shaiso/floodtwin/internal/geo"
	"github.com/shaiso/floodtwin/internal/hydro"
	"github.com/shaiso/floodtwin/internal/model"
	"github.com/shaiso/floodtwin/internal/worker"
)

// DefaultHorizonYear — год проекции уровня моря по умолчанию.
const DefaultHorizonYear = 2100

// GenerateTide строит ряд уровня моря для морской границы модели:
// к приливной гармонике M2 прибавляется подъём уровня моря из
// проекций NZ SeaRise для ближайшей к центроиду области точки.
type GenerateTide struct {
	dataDir     string
	slr         *hydro.SLRDataset
	horizonYear int
}

// NewGenerateTide создаёт исполнителя над загруженным набором SLR.
func NewGenerateTide(dataDir string, slr *hydro.SLRDataset, horizonYear int) *GenerateTide {
	if horizonYear <= 0 {
		horizonYear = DefaultHorizonYear
	}
	return &GenerateTide{dataDir: dataDir, slr: slr, horizonYear: horizonYear}
}

func (g *GenerateTide) Kind() string { return domain.KindGenerateTide }

func (g *GenerateTide) Execute(ctx context.Context, inv *domain.TaskInvocation) (*worker.Result, error) {
	id, err := pipelineID(inv)
	if err != nil {
		return nil, err
	}
	area, err := areaWKT(inv)
	if err != nil {
		return nil, err
	}
	opts := scenarioOptions(inv)

	poly, err := geo.ParsePolygon(area)
	if err != nil {
		return nil, domain.InputErrorf("tide: %v", err)
	}
	lng, lat, err := geo.Centroid(poly)
	if err != nil {
		return nil, domain.InputErrorf("tide: %v", err)
	}

	site, err := g.slr.ClosestSite(lat, lng)
	if err != nil {
		return nil, err
	}
	rise, err := g.slr.LevelAt(site, g.horizonYear, "", "")
	if err != nil {
		return nil, err
	}

	cfg := hydro.DefaultTide()
	cfg.SeaLevelRise = rise
	cfg.DurationHours = float64(opts.StormHours)

	points, err := hydro.BuildTideSeries(cfg)
	if err != nil {
		return nil, err
	}

	runDir := model.RunDir(g.dataDir, id)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, domain.Resourcef("tide: create run dir: %v", err)
	}
	artifact := filepath.Join(runDir, model.TideForcingFile)
	if err := hydro.WriteTideForcing(points, artifact); err != nil {
		return nil, domain.Resourcef("tide: %v", err)
	}

	return &worker.Result{Output: map[string]any{
		"artifact":         artifact,
		"site":             site,
		"sea_level_rise_m": rise,
	}}, nil
}
