// Package geo — разбор и сборка геометрий области.
//
// Вся система оперирует областью как полигоном в well-known text.
// Здесь живёт единственная точка входа текста в геометрию: API и
// композер пайплайна валидируют вход через ParsePolygon до того, как
// что-либо попадёт в очередь.
package geo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkt"
	"github.com/twpayne/go-geom/xy"
)

// ErrParse — текст не разбирается как полигон (PARSE_ERROR).
var ErrParse = errors.New("malformed polygon text")

// ErrCoordinates — координаты рамки вне допустимых диапазонов.
var ErrCoordinates = errors.New("coordinates out of range")

// ParsePolygon разбирает WKT и требует невырожденный POLYGON.
// Любой другой тип геометрии, пустой или нулевой по площади полигон
// отклоняются с ErrParse.
func ParsePolygon(text string) (*geom.Polygon, error) {
	g, err := wkt.Unmarshal(strings.TrimSpace(text))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	poly, ok := g.(*geom.Polygon)
	if !ok {
		return nil, fmt.Errorf("%w: expected POLYGON, got %T", ErrParse, g)
	}
	if poly.NumLinearRings() == 0 {
		return nil, fmt.Errorf("%w: empty polygon", ErrParse)
	}
	if poly.Area() == 0 {
		return nil, fmt.Errorf("%w: polygon has zero area", ErrParse)
	}
	return poly, nil
}

// ValidCoordinates проверяет одну точку: -90 < lat <= 90, -180 < lng <= 180.
func ValidCoordinates(lat, lng float64) bool {
	return lat > -90 && lat <= 90 && lng > -180 && lng <= 180
}

// WKTFromBounds строит прямоугольный полигон по двум углам рамки.
// Координаты валидируются, рамка нулевой площади отклоняется.
func WKTFromBounds(lat1, lng1, lat2, lng2 float64) (string, error) {
	if !ValidCoordinates(lat1, lng1) || !ValidCoordinates(lat2, lng2) {
		return "", ErrCoordinates
	}
	if lat1 == lat2 || lng1 == lng2 {
		return "", fmt.Errorf("%w: bounding box must have non-zero area", ErrCoordinates)
	}
	xmin, xmax := minMax(lng1, lng2)
	ymin, ymax := minMax(lat1, lat2)

	poly := geom.NewPolygon(geom.XY)
	_, err := poly.SetCoords([][]geom.Coord{{
		{xmin, ymin},
		{xmax, ymin},
		{xmax, ymax},
		{xmin, ymax},
		{xmin, ymin},
	}})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrParse, err)
	}
	return wkt.Marshal(poly)
}

// Centroid возвращает центр полигона как (lng, lat).
func Centroid(poly *geom.Polygon) (lng, lat float64, err error) {
	c, err := xy.Centroid(poly)
	if err != nil {
		return 0, 0, fmt.Errorf("centroid: %w", err)
	}
	return c[0], c[1], nil
}

// PointWKT собирает WKT точки из (lng, lat).
func PointWKT(lng, lat float64) string {
	return fmt.Sprintf("POINT (%g %g)", lng, lat)
}

// Extent возвращает рамку полигона: xmin, ymin, xmax, ymax.
func Extent(poly *geom.Polygon) (xmin, ymin, xmax, ymax float64) {
	b := poly.Bounds()
	return b.Min(0), b.Min(1), b.Max(0), b.Max(1)
}

func minMax(a, b float64) (float64, float64) {
	if a < b {
		return a, b
	}
	return b, a
}
