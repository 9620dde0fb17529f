package hydro

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shaiso/floodtwin/internal/domain"
)

func writeSLRFixture(t *testing.T, dir, name, header string, rows ...string) {
	t.Helper()
	content := header + "\n" + strings.Join(rows, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture %s: %v", name, err)
	}
}

func newTestSLRDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	// Заголовки намеренно в смешанном регистре: загрузчик обязан
	// приводить имена колонок к нижнему.
	writeSLRFixture(t, dir, "slr_projections_canterbury_region.csv",
		"siteId,lat,lon,year,scenario,confidence,SLR_m",
		"100,-43.55,172.70,2030,SSP2-4.5,medium,0.10",
		"100,-43.55,172.70,2050,SSP2-4.5,medium,0.25",
		"100,-43.55,172.70,2030,SSP5-8.5,medium,0.14",
	)
	writeSLRFixture(t, dir, "slr_projections_wellington_region.csv",
		"siteId,lat,lon,year,scenario,confidence,SLR_m",
		"200,-41.30,174.80,2030,SSP2-4.5,medium,0.12",
		"200,-41.30,174.80,2050,SSP2-4.5,medium,0.30",
	)
	return dir
}

func TestLoadSLRDir(t *testing.T) {
	ds, err := LoadSLRDir(newTestSLRDir(t))
	if err != nil {
		t.Fatalf("LoadSLRDir: %v", err)
	}
	if ds.Len() != 5 {
		t.Fatalf("loaded %d records, want 5", ds.Len())
	}

	regions := make(map[string]bool)
	for _, rec := range ds.records {
		regions[rec.Region] = true
	}
	if !regions["canterbury"] || !regions["wellington"] {
		t.Errorf("regions = %v, want canterbury and wellington", regions)
	}
}

func TestLoadSLRDirRejectsMissingColumns(t *testing.T) {
	dir := t.TempDir()
	writeSLRFixture(t, dir, "slr_projections_broken_region.csv",
		"siteId,lat,lon,year",
		"100,-43.55,172.70,2030",
	)
	_, err := LoadSLRDir(dir)
	if err == nil {
		t.Fatal("LoadSLRDir accepted file without slr_m column")
	}
	if kind := domain.KindOf(err); kind != domain.ErrKindInput {
		t.Errorf("error kind = %s, want %s", kind, domain.ErrKindInput)
	}
}

func TestLoadSLRDirEmpty(t *testing.T) {
	_, err := LoadSLRDir(t.TempDir())
	if err == nil {
		t.Fatal("LoadSLRDir accepted empty directory")
	}
}

func TestRegionFromFilename(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"slr_projections_canterbury_region.csv", "canterbury"},
		{"projections_hawkes_bay_region.csv", "hawkes_bay"},
		{"projections_otago.csv", "otago"},
		{"custom_sites.csv", "custom_sites"},
	}
	for _, tt := range tests {
		if got := regionFromFilename(tt.path); got != tt.want {
			t.Errorf("regionFromFilename(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestClosestSite(t *testing.T) {
	ds, err := LoadSLRDir(newTestSLRDir(t))
	if err != nil {
		t.Fatalf("LoadSLRDir: %v", err)
	}

	// Окрестности Крайстчёрча и Веллингтона соответственно.
	site, err := ds.ClosestSite(-43.53, 172.63)
	if err != nil {
		t.Fatalf("ClosestSite: %v", err)
	}
	if site != "100" {
		t.Errorf("closest to christchurch = %s, want 100", site)
	}
	site, err = ds.ClosestSite(-41.29, 174.78)
	if err != nil {
		t.Fatalf("ClosestSite: %v", err)
	}
	if site != "200" {
		t.Errorf("closest to wellington = %s, want 200", site)
	}

	if _, err := (&SLRDataset{}).ClosestSite(0, 0); err == nil {
		t.Error("ClosestSite on empty dataset returned nil error")
	}
}

func TestLevelAtInterpolation(t *testing.T) {
	ds, err := LoadSLRDir(newTestSLRDir(t))
	if err != nil {
		t.Fatalf("LoadSLRDir: %v", err)
	}

	tests := []struct {
		name string
		year int
		want float64
	}{
		{"exact first year", 2030, 0.10},
		{"exact last year", 2050, 0.25},
		{"interpolated midpoint", 2040, 0.175},
		{"clamped below", 2020, 0.10},
		{"clamped above", 2080, 0.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ds.LevelAt("100", tt.year, "", "")
			if err != nil {
				t.Fatalf("LevelAt: %v", err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("LevelAt(%d) = %g, want %g", tt.year, got, tt.want)
			}
		})
	}

	got, err := ds.LevelAt("100", 2030, "SSP5-8.5", "medium")
	if err != nil {
		t.Fatalf("LevelAt scenario: %v", err)
	}
	if got != 0.14 {
		t.Errorf("LevelAt ssp5-8.5 = %g, want 0.14", got)
	}

	if _, err := ds.LevelAt("100", 2030, "SSP9-9.9", ""); err == nil {
		t.Error("LevelAt accepted unknown scenario")
	}
}

func TestBuildTideSeries(t *testing.T) {
	cfg := DefaultTide()
	cfg.SeaLevelRise = 0.2
	points, err := BuildTideSeries(cfg)
	if err != nil {
		t.Fatalf("BuildTideSeries: %v", err)
	}

	wantCount := int(cfg.DurationHours*60/float64(cfg.IntervalMins)) + 1
	if len(points) != wantCount {
		t.Fatalf("got %d points, want %d", len(points), wantCount)
	}
	// Ряд начинается с полной воды.
	if got := points[0].LevelM; math.Abs(got-(0.2+1.0)) > 1e-9 {
		t.Errorf("first level %g, want %g", got, 0.2+1.0)
	}
	lo, hi := math.MaxFloat64, -math.MaxFloat64
	for _, p := range points {
		lo = math.Min(lo, p.LevelM)
		hi = math.Max(hi, p.LevelM)
	}
	if hi > 0.2+1.0+1e-9 || lo < 0.2-1.0-1e-9 {
		t.Errorf("levels [%g, %g] escape tidal envelope", lo, hi)
	}
	// За 48 часов проходит почти четыре полных цикла M2: ряд обязан
	// дотянуться до малой воды.
	if lo > 0.2-1.0+0.01 {
		t.Errorf("low water %g never reached", lo)
	}
}

func TestBuildTideSeriesValidation(t *testing.T) {
	bad := []TideConfig{
		{AmplitudeM: -1, DurationHours: 48, IntervalMins: 10},
		{AmplitudeM: 1, DurationHours: 0, IntervalMins: 10},
		{AmplitudeM: 1, DurationHours: 48, IntervalMins: 0},
	}
	for i, cfg := range bad {
		if _, err := BuildTideSeries(cfg); err == nil {
			t.Errorf("config %d accepted", i)
		}
	}
}

func TestWriteTideForcing(t *testing.T) {
	points := []TidePoint{{Seconds: 0, LevelM: 1.2}, {Seconds: 600, LevelM: 1.18}}
	path := filepath.Join(t.TempDir(), "tide_forcing.txt")
	if err := WriteTideForcing(points, path); err != nil {
		t.Fatalf("WriteTideForcing: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read forcing file: %v", err)
	}
	if got, want := string(raw), "0\t1.2\n600\t1.18\n"; got != want {
		t.Errorf("file content %q, want %q", got, want)
	}

	if err := WriteTideForcing(nil, path); err == nil {
		t.Error("WriteTideForcing accepted empty series")
	}
}
