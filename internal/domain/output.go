package domain

import (
	"time"

	"github.com/google/uuid"
)

// ModelOutput — метаданные выходных артефактов одного запуска модели.
// Сами артефакты лежат на диске в рабочей директории пайплайна,
// запись хранит пути и охват.
type ModelOutput struct {
	// ID — уникальный идентификатор записи.
	ID uuid.UUID `json:"id"`

	// PipelineID — пайплайн, породивший этот выход.
	PipelineID uuid.UUID `json:"pipeline_id"`

	// RunDir — рабочая директория запуска модели.
	RunDir string `json:"run_dir"`

	// ResultFile — файл временного ряда глубин в контрольной точке.
	ResultFile string `json:"result_file"`

	// ExtentWKT — охват расчёта (полигон области).
	ExtentWKT string `json:"extent_wkt"`

	// MaxDepth — максимальная глубина за расчёт, метры.
	MaxDepth float64 `json:"max_depth"`

	// CreatedAt — время регистрации выхода.
	CreatedAt time.Time `json:"created_at"`
}
