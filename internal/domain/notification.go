package domain

import (
	"encoding/json"
	"time"
)

// Типы уведомлений.
const (
	NotificationDocumentAnalysisCompleted  = "document_analysis_completed"
	NotificationDocumentAnalysisFailed     = "document_analysis_failed"
	NotificationDocumentDetectionCompleted = "document_detection_completed"
	NotificationOCRCompleted               = "ocr_completed"
	NotificationOCRFailed                  = "ocr_failed"
	NotificationTaskFailed                 = "task_failed"
	NotificationUserMessage                = "user_message"
)

// Notification — сохранённое уведомление пользователя.
type Notification struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	TaskID    string          `json:"task_id,omitempty"`
	Type      string          `json:"type"`
	Title     string          `json:"title,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// TaskResult — результат обработчика, сохраняемый отдельно от статуса.
type TaskResult struct {
	TaskID    string          `json:"task_id"`
	UserID    string          `json:"user_id"`
	ImageID   string          `json:"image_id"`
	Kind      TaskKind        `json:"kind"`
	Filename  string          `json:"original_filename,omitempty"`
	Result    json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
