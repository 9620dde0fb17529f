package worker

import "errors"

// Ошибки воркера.
var (
	// ErrUnknownKind — нет исполнителя для данного вида задачи.
	ErrUnknownKind = errors.New("unknown task kind")

	// ErrRetryScheduled — вызов записан как RETRY, будет новая попытка.
	ErrRetryScheduled = errors.New("retry scheduled")
)
