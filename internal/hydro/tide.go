package hydro

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/shaiso/floodtwin/internal/domain"
)

// Сценарий и доверительный интервал проекций по умолчанию.
const (
	DefaultScenario   = "SSP2-4.5"
	DefaultConfidence = "medium"
)

// Период главной лунной гармоники M2 в часах.
const m2PeriodHours = 12.42

// SLRRecord — одна строка проекций подъёма уровня моря NZ SeaRise.
type SLRRecord struct {
	SiteID     string
	Lat        float64
	Lng        float64
	Year       int
	Scenario   string
	Confidence string
	SLRMetres  float64
	Region     string
}

// SLRDataset — загруженные проекции по всем регионам.
type SLRDataset struct {
	records []SLRRecord
}

// Len возвращает число загруженных строк.
func (d *SLRDataset) Len() int { return len(d.records) }

// LoadSLRDir читает все CSV-файлы каталога с проекциями. Имя региона
// извлекается из имени файла: фрагмент между "projections_" и "_region".
func LoadSLRDir(dir string) (*SLRDataset, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, fmt.Errorf("slr: glob %s: %w", dir, err)
	}
	if len(paths) == 0 {
		return nil, domain.InputErrorf("slr: no projection files in %s", dir)
	}
	sort.Strings(paths)

	ds := &SLRDataset{}
	for _, path := range paths {
		recs, err := loadSLRFile(path)
		if err != nil {
			return nil, fmt.Errorf("slr: %s: %w", filepath.Base(path), err)
		}
		ds.records = append(ds.records, recs...)
	}
	return ds, nil
}

// regionFromFilename достаёт имя региона из имени файла проекций.
// Если маркеры отсутствуют, регионом считается весь стем.
func regionFromFilename(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	const marker = "projections_"
	start := strings.Index(stem, marker)
	if start < 0 {
		return stem
	}
	rest := stem[start+len(marker):]
	if end := strings.Index(rest, "_region"); end >= 0 {
		return rest[:end]
	}
	return rest
}

func loadSLRFile(path string) ([]SLRRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range []string{"siteid", "lat", "lon", "year", "slr_m"} {
		if _, ok := idx[col]; !ok {
			return nil, domain.InputErrorf("missing column %q", col)
		}
	}
	field := func(row []string, name string) string {
		i, ok := idx[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	region := regionFromFilename(path)
	var recs []SLRRecord
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		lat, err := strconv.ParseFloat(field(row, "lat"), 64)
		if err != nil {
			return nil, domain.InputErrorf("bad lat %q", field(row, "lat"))
		}
		lng, err := strconv.ParseFloat(field(row, "lon"), 64)
		if err != nil {
			return nil, domain.InputErrorf("bad lon %q", field(row, "lon"))
		}
		year, err := strconv.Atoi(field(row, "year"))
		if err != nil {
			return nil, domain.InputErrorf("bad year %q", field(row, "year"))
		}
		slr, err := strconv.ParseFloat(field(row, "slr_m"), 64)
		if err != nil {
			return nil, domain.InputErrorf("bad slr_m %q", field(row, "slr_m"))
		}
		recs = append(recs, SLRRecord{
			SiteID:     field(row, "siteid"),
			Lat:        lat,
			Lng:        lng,
			Year:       year,
			Scenario:   field(row, "scenario"),
			Confidence: field(row, "confidence"),
			SLRMetres:  slr,
			Region:     region,
		})
	}
	return recs, nil
}

// ClosestSite возвращает сайт проекций, ближайший к точке по дуге
// большого круга.
func (d *SLRDataset) ClosestSite(lat, lng float64) (string, error) {
	if len(d.records) == 0 {
		return "", domain.InputErrorf("slr: dataset is empty")
	}
	seen := make(map[string]bool)
	var best string
	bestDist := math.MaxFloat64
	for _, rec := range d.records {
		if seen[rec.SiteID] {
			continue
		}
		seen[rec.SiteID] = true
		if dist := haversineKm(lat, lng, rec.Lat, rec.Lng); dist < bestDist {
			best, bestDist = rec.SiteID, dist
		}
	}
	return best, nil
}

// LevelAt возвращает проекцию подъёма уровня моря для сайта и года,
// линейно интерполируя между соседними годами. Годы за пределами
// проекций прижимаются к краям ряда. Пустые scenario и confidence
// заменяются значениями по умолчанию.
func (d *SLRDataset) LevelAt(siteID string, year int, scenario, confidence string) (float64, error) {
	if scenario == "" {
		scenario = DefaultScenario
	}
	if confidence == "" {
		confidence = DefaultConfidence
	}
	var rows []SLRRecord
	for _, rec := range d.records {
		if rec.SiteID == siteID &&
			strings.EqualFold(rec.Scenario, scenario) &&
			strings.EqualFold(rec.Confidence, confidence) {
			rows = append(rows, rec)
		}
	}
	if len(rows) == 0 {
		return 0, domain.InputErrorf("slr: no projection for site %s under %s/%s", siteID, scenario, confidence)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Year < rows[j].Year })

	switch {
	case year <= rows[0].Year:
		return rows[0].SLRMetres, nil
	case year >= rows[len(rows)-1].Year:
		return rows[len(rows)-1].SLRMetres, nil
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].Year < year {
			continue
		}
		lo, hi := rows[i-1], rows[i]
		if hi.Year == lo.Year {
			return hi.SLRMetres, nil
		}
		t := float64(year-lo.Year) / float64(hi.Year-lo.Year)
		return lo.SLRMetres + t*(hi.SLRMetres-lo.SLRMetres), nil
	}
	return rows[len(rows)-1].SLRMetres, nil
}

// haversineKm — расстояние между точками по дуге большого круга.
func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadiusKm = 6371.0
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLng := rad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

// TideConfig — параметры ряда уровня моря на морской границе модели.
type TideConfig struct {
	// SeaLevelRise — подъём среднего уровня моря, метры.
	SeaLevelRise float64

	// AmplitudeM — амплитуда приливной гармоники, метры.
	AmplitudeM float64

	// DurationHours — длительность ряда, часы.
	DurationHours float64

	// IntervalMins — шаг ряда в минутах.
	IntervalMins int
}

// DefaultTide — ряд на 48 часов с шагом 10 минут и амплитудой 1 м.
func DefaultTide() TideConfig {
	return TideConfig{AmplitudeM: 1.0, DurationHours: 48, IntervalMins: 10}
}

// TidePoint — точка ряда уровня моря.
type TidePoint struct {
	Seconds float64
	LevelM  float64
}

// BuildTideSeries строит ряд уровня моря: средний уровень с учётом
// подъёма плюс гармоника M2. Ряд начинается с полной воды, так что
// пик прилива совпадает с началом шторма.
func BuildTideSeries(cfg TideConfig) ([]TidePoint, error) {
	switch {
	case cfg.AmplitudeM < 0:
		return nil, domain.InputErrorf("tide: amplitude must be non-negative, got %g", cfg.AmplitudeM)
	case cfg.DurationHours <= 0:
		return nil, domain.InputErrorf("tide: duration must be positive, got %g", cfg.DurationHours)
	case cfg.IntervalMins <= 0:
		return nil, domain.InputErrorf("tide: interval must be positive, got %d", cfg.IntervalMins)
	}

	step := float64(cfg.IntervalMins * 60)
	total := cfg.DurationHours * 3600
	n := int(math.Floor(total/step)) + 1

	points := make([]TidePoint, n)
	for i := range points {
		t := float64(i) * step
		level := cfg.SeaLevelRise + cfg.AmplitudeM*math.Cos(2*math.Pi*t/(m2PeriodHours*3600))
		points[i] = TidePoint{Seconds: t, LevelM: level}
	}
	return points, nil
}

// WriteTideForcing пишет ряд уровня моря в файл форсинга: секунды и
// уровень в метрах через табуляцию, без заголовка.
func WriteTideForcing(points []TidePoint, path string) error {
	if len(points) == 0 {
		return domain.InputErrorf("tide forcing: empty series")
	}
	var b strings.Builder
	for _, p := range points {
		fmt.Fprintf(&b, "%g\t%g\n", p.Seconds, p.LevelM)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write tide forcing: %w", err)
	}
	return nil
}
