package repo

import "errors"

// Общие ошибки хранилищ.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("not found")

	// ErrClosed — хранилище уже закрыто.
	ErrClosed = errors.New("store is closed")

	// ErrUnknownDriver — в конфигурации указан неизвестный драйвер.
	ErrUnknownDriver = errors.New("unknown store driver")
)
