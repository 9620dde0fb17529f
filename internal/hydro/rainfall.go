// Package hydro строит гидрологические форсинги для гидродинамической
// модели: гиетограф дождя по DDF-приближению HIRDS и ряд уровня моря
// из проекций NZ SeaRise с приливной составляющей.
//
// Оба форсинга пишутся в текстовые файлы одного формата: две колонки
// через табуляцию, время в секундах и значение, без заголовка. Именно
// такие файлы ждёт BG_Flood на входе.
package hydro

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/shaiso/floodtwin/internal/domain"
)

// Приближение кривых depth-duration-frequency HIRDS для восточного
// побережья: глубина в мм по длительности в часах и ARI в годах.
const (
	ddfCoefficient  = 13.9
	ddfDurationExp  = 0.55
	ddfFrequencyExp = 0.21
)

// StormConfig — параметры проектного шторма.
type StormConfig struct {
	// ARI — средний интервал повторяемости, годы.
	ARI float64

	// StormHours — длительность шторма в часах.
	StormHours float64

	// PeakHours — положение пика дождя от начала шторма, часы.
	PeakHours float64

	// IncrementMins — шаг гиетографа в минутах.
	IncrementMins int
}

// DefaultStorm — проектный шторм по умолчанию: 48 часов с пиком на
// середине, шаг 10 минут, повторяемость раз в 50 лет.
func DefaultStorm() StormConfig {
	return StormConfig{ARI: 50, StormHours: 48, PeakHours: 24, IncrementMins: 10}
}

// HyetographPoint — один шаг гиетографа.
type HyetographPoint struct {
	// Seconds — начало шага от начала шторма.
	Seconds float64

	// DepthMM — глубина дождя за шаг, мм.
	DepthMM float64

	// IntensityMMHr — интенсивность на шаге, мм/час.
	IntensityMMHr float64
}

// depthForDuration возвращает накопленную глубину дождя в мм
// за duration часов при повторяемости ari лет.
func depthForDuration(durationHours, ari float64) float64 {
	return ddfCoefficient * math.Pow(durationHours, ddfDurationExp) * math.Pow(ari, ddfFrequencyExp)
}

// BuildHyetograph строит гиетограф методом чередующихся блоков:
// приращения DDF-кривой сортируются по убыванию, самый большой блок
// ставится на пик, остальные раскладываются поочерёдно справа и слева
// от него. Сумма блоков равна полной глубине шторма.
func BuildHyetograph(cfg StormConfig) ([]HyetographPoint, error) {
	switch {
	case cfg.ARI <= 0:
		return nil, domain.InputErrorf("hyetograph: ari must be positive, got %g", cfg.ARI)
	case cfg.StormHours <= 0:
		return nil, domain.InputErrorf("hyetograph: storm length must be positive, got %g", cfg.StormHours)
	case cfg.IncrementMins <= 0:
		return nil, domain.InputErrorf("hyetograph: increment must be positive, got %d", cfg.IncrementMins)
	case cfg.PeakHours <= 0 || cfg.PeakHours > cfg.StormHours:
		return nil, domain.InputErrorf("hyetograph: peak %gh outside storm of %gh", cfg.PeakHours, cfg.StormHours)
	}

	incrementHours := float64(cfg.IncrementMins) / 60
	n := int(math.Round(cfg.StormHours / incrementHours))
	if n < 1 {
		return nil, domain.InputErrorf("hyetograph: increment %dm longer than storm of %gh", cfg.IncrementMins, cfg.StormHours)
	}

	// Приращения кумулятивной кривой убывают по построению: кривая
	// растёт степенно с показателем меньше единицы.
	blocks := make([]float64, n)
	prev := 0.0
	for i := range blocks {
		cum := depthForDuration(float64(i+1)*incrementHours, cfg.ARI)
		blocks[i] = cum - prev
		prev = cum
	}

	peak := int(math.Round(cfg.PeakHours/incrementHours)) - 1
	if peak < 0 {
		peak = 0
	}
	if peak >= n {
		peak = n - 1
	}

	depths := make([]float64, n)
	depths[peak] = blocks[0]
	right, left := peak+1, peak-1
	for i, b := range blocks[1:] {
		preferRight := i%2 == 0
		if (preferRight && right < n) || left < 0 {
			depths[right] = b
			right++
		} else {
			depths[left] = b
			left--
		}
	}

	points := make([]HyetographPoint, n)
	for i, d := range depths {
		points[i] = HyetographPoint{
			Seconds:       float64(i * cfg.IncrementMins * 60),
			DepthMM:       d,
			IntensityMMHr: d / float64(cfg.IncrementMins) * 60,
		}
	}
	return points, nil
}

// TotalDepth возвращает суммарную глубину гиетографа в мм.
func TotalDepth(points []HyetographPoint) float64 {
	var sum float64
	for _, p := range points {
		sum += p.DepthMM
	}
	return sum
}

// PeakIntensity возвращает максимальную интенсивность и её время.
func PeakIntensity(points []HyetographPoint) (seconds, intensity float64) {
	for _, p := range points {
		if p.IntensityMMHr > intensity {
			seconds, intensity = p.Seconds, p.IntensityMMHr
		}
	}
	return seconds, intensity
}

// WriteRainForcing пишет гиетограф в файл форсинга: секунды и
// интенсивность в мм/час через табуляцию, без заголовка.
func WriteRainForcing(points []HyetographPoint, path string) error {
	if len(points) == 0 {
		return domain.InputErrorf("rain forcing: empty hyetograph")
	}
	var b strings.Builder
	for _, p := range points {
		fmt.Fprintf(&b, "%g\t%g\n", p.Seconds, p.IntensityMMHr)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write rain forcing: %w", err)
	}
	return nil
}
