package store

import "errors"

// Общие ошибки хранилища.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — запись уже существует (конфликт уникальности).
	ErrAlreadyExists = errors.New("already exists")

	// ErrStateConflict — compare-and-set не прошёл: состояние записи
	// не совпало с ожидаемым. Ровно один из конкурирующих писателей
	// получает успех, остальные — эту ошибку.
	ErrStateConflict = errors.New("state conflict")

	// ErrAwaitTimeout — ожидание терминального состояния истекло.
	ErrAwaitTimeout = errors.New("await timeout")
)
