package domain

// Виды задач, известные реестру воркера. Значения попадают в
// invocations.kind и в сводки ошибок, поэтому стабильны.
const (
	// KindEnsureGeometries — стадия 1: справочные геометрии области
	// загружены в каталог (идемпотентно).
	KindEnsureGeometries = "ensure_region_geometries"

	// KindGenerateRainfall — стадия 2: построить входной файл дождя
	// (гиетограмма по постам, покрывающим область).
	KindGenerateRainfall = "generate_rainfall_inputs"

	// KindGenerateTide — стадия 2 (опционально): приливная граница
	// с учётом повышения уровня моря.
	KindGenerateTide = "generate_tide_inputs"

	// KindPrepareEnv — стадия 2: рабочая директория модели, DEM,
	// проверка бинаря.
	KindPrepareEnv = "prepare_run_environment"

	// KindRunModel — стадия 3: запуск численной модели затопления.
	KindRunModel = "run_flood_model"
)

// Ключи payload вызова. Оркестратор собирает payload из этих ключей,
// задачи читают их же.
const (
	// PayloadAreaWKT — полигон области (well-known text).
	PayloadAreaWKT = "area_wkt"

	// PayloadPipelineID — идентификатор родительского пайплайна.
	PayloadPipelineID = "pipeline_id"

	// PayloadOptions — параметры сценария (domain.PipelineOptions).
	PayloadOptions = "options"

	// PayloadParams — параметры конкретного узла дерева.
	PayloadParams = "params"

	// PayloadUpstream — результаты предыдущей стадии: map вид → result.
	PayloadUpstream = "upstream"
)
