package tasks

import (
	"context"
	"os"

	"github.com/shaiso/floodtwin/internal/domain"
	"github.com/shaiso/floodtwin/internal/model"
	"github.com/shaiso/floodtwin/internal/worker"
)

// PrepareEnv готовит окружение запуска модели: каталог запуска,
// доступный бинарь BG_Flood и файл рельефа. Идёт параллельным членом
// группы входных данных, поэтому не трогает файлы соседей.
type PrepareEnv struct {
	dataDir string
	binary  string
	demFile string
}

// NewPrepareEnv создаёт исполнителя подготовки окружения.
func NewPrepareEnv(dataDir, binary, demFile string) *PrepareEnv {
	return &PrepareEnv{dataDir: dataDir, binary: binary, demFile: demFile}
}

func (p *PrepareEnv) Kind() string { return domain.KindPrepareEnv }

func (p *PrepareEnv) Execute(ctx context.Context, inv *domain.TaskInvocation) (*worker.Result, error) {
	id, err := pipelineID(inv)
	if err != nil {
		return nil, err
	}

	env, err := model.Prepare(p.dataDir, id, p.binary)
	if err != nil {
		return nil, err
	}

	if p.demFile == "" {
		return nil, domain.Logicf("prepare: DEM file is not configured")
	}
	if _, err := os.Stat(p.demFile); err != nil {
		return nil, domain.Logicf("prepare: DEM file %q: %v", p.demFile, err)
	}

	return &worker.Result{Output: map[string]any{
		"run_dir": env.RunDir,
		"dem":     p.demFile,
	}}, nil
}
