package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/shaiso/docflow/internal/domain"
	"github.com/shaiso/docflow/internal/tasks"
	"github.com/shaiso/docflow/internal/telemetry"
)

const (
	defaultNotificationsLimit = 50
	maxNotificationsLimit     = 500

	// maxSubmitBody — base64 изображения в теле задачи.
	maxSubmitBody = 32 << 20
)

// SubmitTaskResponse — ответ на постановку задачи.
type SubmitTaskResponse struct {
	TaskID string          `json:"task_id"`
	Kind   domain.TaskKind `json:"kind"`
	Status string          `json:"status"`
}

// TaskResponse — ответ со статусом задачи.
type TaskResponse struct {
	TaskID         string            `json:"task_id"`
	UserID         string            `json:"user_id"`
	ImageID        string            `json:"image_id,omitempty"`
	Kind           domain.TaskKind   `json:"kind,omitempty"`
	Status         domain.TaskStatus `json:"status"`
	Progress       int               `json:"progress"`
	Message        string            `json:"message,omitempty"`
	Error          string            `json:"error,omitempty"`
	Attempt        int               `json:"attempt"`
	ProcessingTime float64           `json:"processing_time,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// TaskFromDomain конвертирует domain.TaskRecord в TaskResponse.
// Результат отдаётся отдельно (/result), он бывает большим.
func TaskFromDomain(t *domain.TaskRecord) TaskResponse {
	return TaskResponse{
		TaskID:         t.TaskID,
		UserID:         t.UserID,
		ImageID:        t.ImageID,
		Kind:           t.Kind,
		Status:         t.Status,
		Progress:       t.Progress,
		Message:        t.Message,
		Error:          t.Error,
		Attempt:        t.Attempt,
		ProcessingTime: t.ProcessingTime,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		CompletedAt:    t.CompletedAt,
	}
}

// SubmitTask ставит задачу в очередь.
// POST /api/v1/tasks
func (h *Handler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req tasks.SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody)).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	taskID, err := h.tasks.SubmitTask(r.Context(), req)
	if HandleError(w, telemetry.FromContext(r.Context()), err, "") {
		return
	}

	JSON(w, http.StatusAccepted, DataResponse{Data: SubmitTaskResponse{
		TaskID: taskID,
		Kind:   req.Kind,
		Status: string(domain.TaskStatusQueued),
	}})
}

// GetTask возвращает статус задачи.
// GET /api/v1/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	rec, err := h.tasks.GetTaskStatus(r.Context(), r.PathValue("id"))
	if HandleError(w, telemetry.FromContext(r.Context()), err, "task not found") {
		return
	}

	Success(w, TaskFromDomain(rec))
}

// GetTaskResult возвращает сохранённый результат задачи.
// GET /api/v1/tasks/{id}/result
func (h *Handler) GetTaskResult(w http.ResponseWriter, r *http.Request) {
	result, err := h.results.GetResult(r.Context(), r.PathValue("id"))
	if HandleError(w, telemetry.FromContext(r.Context()), err, "result not found") {
		return
	}

	Success(w, result)
}

// ListNotifications возвращает последние уведомления пользователя.
// GET /api/v1/users/{id}/notifications?limit=...
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	limit := defaultNotificationsLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			BadRequest(w, "invalid limit")
			return
		}
		limit = min(n, maxNotificationsLimit)
	}

	list, err := h.results.ListNotifications(r.Context(), r.PathValue("id"), limit)
	if HandleError(w, telemetry.FromContext(r.Context()), err, "") {
		return
	}
	if list == nil {
		list = []domain.Notification{}
	}

	List(w, list, len(list))
}
