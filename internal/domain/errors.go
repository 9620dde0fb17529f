package domain

import (
	"errors"
	"fmt"
)

// ErrorKind — классификация ошибок задач. От класса зависит политика
// повторов: повторяется только TRANSIENT_ERROR.
type ErrorKind string

const (
	// ErrKindInput — некорректный вход (битая геометрия, пустой payload).
	// Отклоняется сразу, без повторов.
	ErrKindInput ErrorKind = "INPUT_ERROR"

	// ErrKindTransient — временный сбой: брокер, БД, сетевой fetch.
	// Повторяется ограниченное число раз с backoff.
	ErrKindTransient ErrorKind = "TRANSIENT_ERROR"

	// ErrKindLogic — ошибка в коде самой задачи (включая панику).
	// Ловится state-tracking обёрткой, повторов нет.
	ErrKindLogic ErrorKind = "TASK_LOGIC_ERROR"

	// ErrKindResource — исчерпание ресурсов при счёте модели
	// (память, диск). Фатально, повторов нет.
	ErrKindResource ErrorKind = "RESOURCE_EXHAUSTION"
)

// TaskError — ошибка задачи с классом. Оборачивает исходную ошибку,
// так что errors.Is/As продолжают работать сквозь классификацию.
type TaskError struct {
	Kind ErrorKind
	Err  error
}

func (e *TaskError) Error() string {
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// InputErrorf создаёт ошибку класса INPUT_ERROR.
func InputErrorf(format string, args ...any) *TaskError {
	return &TaskError{Kind: ErrKindInput, Err: fmt.Errorf(format, args...)}
}

// Transientf создаёт ошибку класса TRANSIENT_ERROR.
func Transientf(format string, args ...any) *TaskError {
	return &TaskError{Kind: ErrKindTransient, Err: fmt.Errorf(format, args...)}
}

// Logicf создаёт ошибку класса TASK_LOGIC_ERROR.
func Logicf(format string, args ...any) *TaskError {
	return &TaskError{Kind: ErrKindLogic, Err: fmt.Errorf(format, args...)}
}

// Resourcef создаёт ошибку класса RESOURCE_EXHAUSTION.
func Resourcef(format string, args ...any) *TaskError {
	return &TaskError{Kind: ErrKindResource, Err: fmt.Errorf(format, args...)}
}

// KindOf возвращает класс ошибки. Неклассифицированные ошибки считаются
// логическими: это падение кода задачи, а не инфраструктуры.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ErrKindLogic
}

// Retryable возвращает true, если ошибку имеет смысл повторять.
func Retryable(err error) bool {
	return KindOf(err) == ErrKindTransient
}

// Summary возвращает каноничную сводку ошибки вида "КЛАСС: текст".
// В таком виде ошибки хранятся в БД и отдаются наружу.
func Summary(err error) string {
	if err == nil {
		return ""
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te.Error()
	}
	return string(ErrKindLogic) + ": " + err.Error()
}
