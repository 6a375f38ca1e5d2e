package correlation

import "errors"

var (
	// ErrTimeout — партнёр не ответил за отведённое время.
	ErrTimeout = errors.New("correlation request timed out")

	// ErrDuplicateRequest — requestId уже зарегистрирован.
	ErrDuplicateRequest = errors.New("duplicate request id")

	// ErrNoCrops — не удалось подготовить ни одного региона для отправки.
	ErrNoCrops = errors.New("no crops prepared")

	// ErrRemoteFailed — партнёр вернул success=false.
	ErrRemoteFailed = errors.New("remote recognition failed")

	// ErrUnsafeID — id изображения или региона нельзя использовать как имя файла.
	ErrUnsafeID = errors.New("id is not a safe file name")

	// ErrExpired — запрос удалён из таблицы до получения ответа (Sweep).
	ErrExpired = errors.New("correlation request expired")
)
