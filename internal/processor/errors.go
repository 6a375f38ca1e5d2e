package processor

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation — сообщение не прошло проверку. Не повторяется.
	ErrValidation = errors.New("invalid message")

	// ErrDrainTimeout — Stop не дождался завершения задач в работе.
	ErrDrainTimeout = errors.New("drain timeout")
)

// ExecutionError — сбой при выполнении задачи (детектор, OCR, хранилище).
// Такие задачи повторяются по retryCount/maxRetries.
type ExecutionError struct {
	Op  string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func execError(op string, err error) error {
	return &ExecutionError{Op: op, Err: err}
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
