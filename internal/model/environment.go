// Package model управляет запусками внешней гидродинамической модели
// BG_Flood: готовит каталог запуска, пишет файл параметров, запускает
// бинарь и разбирает файл результата с глубинами затопления.
package model

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/shaiso/floodtwin/internal/domain"
)

// Имена файлов внутри каталога запуска.
const (
	ParamsFile      = "BG_param.txt"
	ResultFile      = "depths.csv"
	LogFile         = "model.log"
	RainForcingFile = "rain_forcing.txt"
	TideForcingFile = "tide_forcing.txt"
)

// Environment — подготовленный каталог одного запуска модели.
type Environment struct {
	// RunDir — каталог запуска, внутри него лежат все форсинги,
	// параметры и результат.
	RunDir string
}

// RunDir возвращает путь каталога запуска пайплайна, не создавая его.
func RunDir(dataDir string, pipelineID uuid.UUID) string {
	return filepath.Join(dataDir, "runs", pipelineID.String())
}

// Prepare создаёт каталог запуска пайплайна и проверяет, что бинарь
// модели доступен. Повторный вызов для того же пайплайна безвреден.
func Prepare(dataDir string, pipelineID uuid.UUID, binary string) (*Environment, error) {
	if binary == "" {
		return nil, domain.Logicf("model: binary is not configured")
	}
	if _, err := exec.LookPath(binary); err != nil {
		return nil, domain.Logicf("model: binary %q not found: %v", binary, err)
	}

	runDir := RunDir(dataDir, pipelineID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, domain.Resourcef("model: create run dir: %v", err)
	}
	return &Environment{RunDir: runDir}, nil
}

// Path возвращает путь файла внутри каталога запуска.
func (e *Environment) Path(name string) string {
	return filepath.Join(e.RunDir, name)
}

// RequireFiles проверяет, что все перечисленные файлы уже лежат в
// каталоге запуска. Отсутствие файла — ошибка входа: форсинг не был
// подготовлен предыдущей стадией.
func (e *Environment) RequireFiles(names ...string) error {
	for _, name := range names {
		if _, err := os.Stat(e.Path(name)); err != nil {
			return domain.InputErrorf("model: required file %s missing in %s", name, e.RunDir)
		}
	}
	return nil
}

// Cleanup удаляет каталог запуска со всем содержимым.
func (e *Environment) Cleanup() error {
	if err := os.RemoveAll(e.RunDir); err != nil {
		return fmt.Errorf("model: cleanup %s: %w", e.RunDir, err)
	}
	return nil
}
