package domain

// TaskStatus — статус выполнения задачи.
//
// Жизненный цикл:
//
//	queued → processing → completed
//	                    ↘ failed (retry → обратно в processing)
type TaskStatus string

const (
	// TaskStatusQueued — задача принята и ждёт обработчика.
	TaskStatusQueued TaskStatus = "queued"

	// TaskStatusProcessing — задача выполняется обработчиком.
	TaskStatusProcessing TaskStatus = "processing"

	// TaskStatusCompleted — задача успешно завершена.
	TaskStatusCompleted TaskStatus = "completed"

	// TaskStatusFailed — последняя попытка завершилась ошибкой.
	TaskStatusFailed TaskStatus = "failed"
)

// IsTerminal возвращает true, если статус финальный.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// Valid проверяет, что статус известен.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// TaskKind — тип задачи, определяет очередь и обработчик.
type TaskKind string

const (
	// TaskKindAnalysis — полный разбор документа из base64 (document.analysis).
	TaskKindAnalysis TaskKind = "analysis"

	// TaskKindDetection — детекция разметки по уже загруженному изображению.
	TaskKindDetection TaskKind = "detection"

	// TaskKindOCR — распознавание текста в регионах.
	TaskKindOCR TaskKind = "ocr"
)

// Valid проверяет, что тип задачи известен.
func (k TaskKind) Valid() bool {
	switch k {
	case TaskKindAnalysis, TaskKindDetection, TaskKindOCR:
		return true
	default:
		return false
	}
}
