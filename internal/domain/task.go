package domain

import (
	"encoding/json"
	"time"
)

// TaskRecord — сохраняемое состояние задачи.
//
// Меняется только обработчиком, владеющим задачей (по TaskID).
// Progress не убывает, пока задача в processing; после failed
// повторная попытка начинает отсчёт заново.
type TaskRecord struct {
	// TaskID — глобально уникальный идентификатор единицы работы.
	TaskID string `json:"task_id"`

	UserID  string   `json:"user_id"`
	ImageID string   `json:"image_id,omitempty"`
	Kind    TaskKind `json:"kind,omitempty"`

	Status TaskStatus `json:"status"`

	// Progress — 0..100.
	Progress int `json:"progress"`

	// Message — человекочитаемое описание текущего шага.
	Message string `json:"message,omitempty"`

	// Result — результат обработчика (JSON как есть).
	Result json.RawMessage `json:"result,omitempty"`

	// Error — текст ошибки последней попытки.
	Error string `json:"error,omitempty"`

	// Attempt — номер попытки, начиная с 1 (retryCount + 1).
	Attempt int `json:"attempt"`

	// ProcessingTime — длительность успешной попытки в секундах.
	ProcessingTime float64 `json:"processing_time,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewTaskRecord создаёт запись в статусе queued.
func NewTaskRecord(taskID, userID, imageID string, kind TaskKind) *TaskRecord {
	now := time.Now().UTC()
	return &TaskRecord{
		TaskID:    taskID,
		UserID:    userID,
		ImageID:   imageID,
		Kind:      kind,
		Status:    TaskStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MarkProcessing переводит задачу в processing для попытки attempt.
func (t *TaskRecord) MarkProcessing(attempt, progress int, message string) {
	now := time.Now().UTC()

	if t.Status != TaskStatusProcessing || attempt != t.Attempt {
		// Новая попытка — прогресс считается заново
		t.Progress = 0
	}

	t.Status = TaskStatusProcessing
	t.Attempt = attempt
	t.StartedAt = &now
	t.FailedAt = nil
	t.Error = ""
	t.UpdatedAt = now
	t.Advance(progress, message)
}

// Advance поднимает прогресс. Уменьшение игнорируется.
// Возвращает true, если прогресс изменился.
func (t *TaskRecord) Advance(progress int, message string) bool {
	if t.Status != TaskStatusProcessing {
		return false
	}

	progress = clampProgress(progress)
	if message != "" {
		t.Message = message
	}
	if progress <= t.Progress {
		return false
	}

	t.Progress = progress
	t.UpdatedAt = time.Now().UTC()
	return true
}

// MarkCompleted завершает задачу с результатом.
func (t *TaskRecord) MarkCompleted(result json.RawMessage, duration time.Duration, message string) {
	now := time.Now().UTC()
	t.Status = TaskStatusCompleted
	t.Progress = 100
	t.Result = result
	t.Error = ""
	t.CompletedAt = &now
	t.UpdatedAt = now
	t.ProcessingTime = duration.Seconds()
	if message != "" {
		t.Message = message
	}
}

// MarkFailed помечает попытку как неудачную.
func (t *TaskRecord) MarkFailed(errMsg string) {
	now := time.Now().UTC()
	t.Status = TaskStatusFailed
	t.Error = errMsg
	t.FailedAt = &now
	t.UpdatedAt = now
}

// IsFinished возвращает true, если задача в финальном статусе.
func (t *TaskRecord) IsFinished() bool {
	return t.Status.IsTerminal()
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
