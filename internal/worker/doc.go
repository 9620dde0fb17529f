// Package worker выполняет вызовы задач пайплайна.
//
// # Обзор
//
// Worker — stateless компонент системы, который выполняет вызовы
// (invocations), созданные оркестратором. Worker отвечает за:
//
//   - Получение вызовов из очереди RabbitMQ (event-driven)
//   - Периодический подбор залежавшихся PENDING/RETRY вызовов из БД
//     (polling fallback)
//   - Выполнение вызова исполнителем его вида через state-tracking
//     обёртку
//   - Retry с exponential backoff для TRANSIENT-ошибок
//   - Публикацию исхода в очередь invocations.completed
//
// Воркеры масштабируются горизонтально: несколько экземпляров
// потребляют из одной очереди invocations.ready. Захват вызова
// защищён CAS PENDING→STARTED в БД, опциональная аренда в Redis
// срезает лишние попытки захвата до первого запроса к БД.
//
// # Ключевые компоненты
//
// ## Worker
//
// Основная структура, управляющая жизненным циклом.
// Создаётся через New(cfg Config) и запускается методом Start(ctx).
//
//	w := worker.New(worker.Config{
//	    Invocations: invocationRepo,
//	    Pipelines:   pipelineRepo,
//	    Publisher:   publisher,
//	    Conn:        mqConn,
//	    Registry:    registry,
//	    Logger:      logger,
//	})
//
//	if err := w.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer w.Stop()
//
// ## Executor
//
// Интерфейс исполнителя одного вида задач:
//
//	type Executor interface {
//	    Kind() string
//	    Execute(ctx context.Context, inv *domain.TaskInvocation) (*Result, error)
//	}
//
// Исполнители предметной области живут в пакете tasks и собираются в
// Registry при старте процесса воркера.
//
// ## Tracked
//
// State-tracking обёртка вокруг Registry: записывает SUCCESS, RETRY
// или FAILURE в хранилище ДО того, как исход уйдёт вызывающему.
// Паника исполнителя превращается в TASK_LOGIC_ERROR и проходит тот
// же путь. CAS гарантирует, что финал записывается ровно один раз.
//
// # Обработка вызова
//
//  1. Получение события (из очереди или polling)
//  2. Загрузка вызова из БД; терминальный — повторная доставка, ack
//  3. Аренда (если настроена), проверка отмены пайплайна
//  4. CAS PENDING→STARTED (или RETRY→STARTED), инкремент Attempt
//  5. Выполнение через Tracked.Run под контекстом, который отменяется
//     при отмене пайплайна
//  6. Успех → SUCCESS записан, publish invocation.completed
//  7. TRANSIENT при оставшихся попытках → RETRY записан, backoff,
//     новая попытка в том же процессе
//  8. Иначе → FAILURE записан, publish invocation.completed
//
// # Retry
//
// Retry выполняется в процессе (in-process), а не через requeue в
// RabbitMQ: это даёт точный контроль над backoff и подсчётом попыток.
// Если процесс умер между попытками, вызов остаётся в RETRY и его
// подберёт polling любого живого воркера.
//
// Backoff: delay = InitialDelay * 2^(attempt-1), с потолком MaxDelay.
//
// # Идемпотентность
//
// Доставка at-least-once: одно событие может прийти дважды, в том
// числе в разные воркеры. Наблюдаемый эффект однократный:
//   - терминальный вызов при повторной доставке не выполняется;
//   - CAS-захват пропускает ровно одного писателя;
//   - сами исполнители обязаны быть идемпотентными (повторная запись
//     того же файла, upsert в каталог).
package worker
