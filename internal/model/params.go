package model

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/shaiso/floodtwin/internal/domain"
)

// Params — параметры запуска BG_Flood. Записываются в BG_param.txt
// строками вида "key = value;". Пустые строковые значения опускаются.
type Params struct {
	// Topo — файл рельефа местности.
	Topo string

	// Rain и Tide — файлы форсингов относительно каталога запуска.
	Rain string
	Tide string

	// Outfile — файл результата с глубинами.
	Outfile string

	// EndTime — длительность счёта, секунды.
	EndTime float64

	// OutputStep — шаг выдачи результата, секунды.
	OutputStep float64

	// Resolution — шаг сетки, метры.
	Resolution float64

	// GPUDevice — номер GPU, -1 означает счёт на CPU.
	GPUDevice int

	// Extra — дополнительные параметры, пишутся после основных в
	// алфавитном порядке.
	Extra map[string]string
}

// DefaultParams — запуск на 48 часов с выдачей раз в 10 минут,
// сетка 10 метров, счёт на CPU.
func DefaultParams() Params {
	return Params{
		Rain:       RainForcingFile,
		Outfile:    ResultFile,
		EndTime:    48 * 3600,
		OutputStep: 600,
		Resolution: 10,
		GPUDevice:  -1,
	}
}

// WriteParams пишет файл параметров модели.
func WriteParams(p Params, path string) error {
	if p.EndTime <= 0 {
		return domain.InputErrorf("model params: endtime must be positive, got %g", p.EndTime)
	}
	if p.OutputStep <= 0 {
		return domain.InputErrorf("model params: outputtimestep must be positive, got %g", p.OutputStep)
	}

	var b strings.Builder
	line := func(key, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(&b, "%s = %s;\n", key, value)
	}
	line("topo", p.Topo)
	line("dx", formatFloat(p.Resolution))
	line("gpudevice", strconv.Itoa(p.GPUDevice))
	line("endtime", formatFloat(p.EndTime))
	line("outputtimestep", formatFloat(p.OutputStep))
	line("rain", p.Rain)
	line("bnd", p.Tide)
	line("outfile", p.Outfile)

	keys := make([]string, 0, len(p.Extra))
	for k := range p.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line(k, p.Extra[k])
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write model params: %w", err)
	}
	return nil
}

func formatFloat(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
