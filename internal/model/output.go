package model

import (
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/shaiso/floodtwin/internal/domain"
	"github.com/shaiso/floodtwin/internal/geo"
)

// DepthGrid — глубины затопления по точкам сетки во времени.
type DepthGrid struct {
	// Times — моменты выдачи от начала счёта, секунды.
	Times []float64

	Points []GridPoint
}

// GridPoint — одна точка сетки с рядом глубин по всем моментам.
type GridPoint struct {
	Lng    float64
	Lat    float64
	Depths []float64
}

// ParseDepths читает файл результата модели. Формат: CSV, первые две
// колонки lng и lat, дальше моменты времени в секундах; каждая строка
// описывает одну точку сетки. Битый или пустой файл означает сбой
// модели, а не входа.
func ParseDepths(path string) (*DepthGrid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, domain.Logicf("model: open result: %v", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, domain.Logicf("model: read result header: %v", err)
	}
	if len(header) < 3 ||
		!strings.EqualFold(strings.TrimSpace(header[0]), "lng") ||
		!strings.EqualFold(strings.TrimSpace(header[1]), "lat") {
		return nil, domain.Logicf("model: unexpected result header %v", header)
	}

	times := make([]float64, len(header)-2)
	for i, cell := range header[2:] {
		t, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
		if err != nil {
			return nil, domain.Logicf("model: bad time column %q", cell)
		}
		times[i] = t
	}

	grid := &DepthGrid{Times: times}
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, domain.Logicf("model: read result row: %v", err)
		}
		if len(row) != len(header) {
			return nil, domain.Logicf("model: result row has %d cells, want %d", len(row), len(header))
		}
		point := GridPoint{Depths: make([]float64, len(times))}
		if point.Lng, err = strconv.ParseFloat(strings.TrimSpace(row[0]), 64); err != nil {
			return nil, domain.Logicf("model: bad lng %q", row[0])
		}
		if point.Lat, err = strconv.ParseFloat(strings.TrimSpace(row[1]), 64); err != nil {
			return nil, domain.Logicf("model: bad lat %q", row[1])
		}
		for i, cell := range row[2:] {
			d, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
			if err != nil {
				return nil, domain.Logicf("model: bad depth %q", cell)
			}
			point.Depths[i] = d
		}
		grid.Points = append(grid.Points, point)
	}
	if len(grid.Points) == 0 {
		return nil, domain.Logicf("model: result file has no grid points")
	}
	return grid, nil
}

// NearestSeries возвращает ряды времени и глубины для точки сетки,
// ближайшей к координатам. Расстояние сравнивается в градусах: в
// пределах области одного пайплайна этого достаточно.
func (g *DepthGrid) NearestSeries(lat, lng float64) (times, depths []float64, err error) {
	if len(g.Points) == 0 {
		return nil, nil, domain.InputErrorf("model: depth grid is empty")
	}
	best := 0
	bestDist := sqDist(g.Points[0], lat, lng)
	for i, p := range g.Points[1:] {
		if d := sqDist(p, lat, lng); d < bestDist {
			best, bestDist = i+1, d
		}
	}
	return g.Times, g.Points[best].Depths, nil
}

func sqDist(p GridPoint, lat, lng float64) float64 {
	dx := p.Lng - lng
	dy := p.Lat - lat
	return dx*dx + dy*dy
}

// MaxDepth возвращает максимальную глубину по всем точкам и моментам.
func (g *DepthGrid) MaxDepth() float64 {
	var maxDepth float64
	for _, p := range g.Points {
		for _, d := range p.Depths {
			if d > maxDepth {
				maxDepth = d
			}
		}
	}
	return maxDepth
}

// ExtentWKT возвращает рамку сетки полигоном в WKT.
func (g *DepthGrid) ExtentWKT() (string, error) {
	if len(g.Points) == 0 {
		return "", domain.InputErrorf("model: depth grid is empty")
	}
	minLat, minLng := g.Points[0].Lat, g.Points[0].Lng
	maxLat, maxLng := minLat, minLng
	for _, p := range g.Points[1:] {
		minLat = min(minLat, p.Lat)
		maxLat = max(maxLat, p.Lat)
		minLng = min(minLng, p.Lng)
		maxLng = max(maxLng, p.Lng)
	}
	return geo.WKTFromBounds(minLat, minLng, maxLat, maxLng)
}
