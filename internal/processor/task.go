package processor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/shaiso/docflow/internal/domain"
	"github.com/shaiso/docflow/internal/events"
	"github.com/shaiso/docflow/internal/mq"
	"github.com/shaiso/docflow/internal/repo"
)

// TaskStore — то, что обработчикам нужно от хранилища.
type TaskStore interface {
	SaveTask(ctx context.Context, task *domain.TaskRecord) error
	GetTask(ctx context.Context, taskID string) (*domain.TaskRecord, error)
	SaveResult(ctx context.Context, result *domain.TaskResult) error
	SaveNotification(ctx context.Context, n *domain.Notification) error
}

// Events — отправка статусов и уведомлений.
type Events interface {
	SendTaskStatus(ctx context.Context, u events.StatusUpdate)
	SendNotification(ctx context.Context, n events.Notification)
	SendInternalNotification(ctx context.Context, n events.Notification)
}

// tracker ведёт запись задачи и рассылает её статусы.
//
// Ошибки записи прогресса только логируются: статус вторичен.
// Ошибки записи начала и результата возвращаются и ведут к повтору.
type tracker struct {
	store  TaskStore
	events Events
}

// begin загружает (или создаёт) запись и переводит её в processing.
// skip == true — задача уже выполнена, сообщение нужно просто подтвердить.
func (t *tracker) begin(ctx context.Context, msg *mq.TaskMessage, kind domain.TaskKind, progress int, message string) (rec *domain.TaskRecord, skip bool, err error) {
	rec, err = t.store.GetTask(ctx, msg.TaskID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		rec = domain.NewTaskRecord(msg.TaskID, msg.UserID, msg.ImageID, kind)
	case err != nil:
		return nil, false, execError("load task", err)
	case rec.Status == domain.TaskStatusCompleted:
		return rec, true, nil
	}

	rec.MarkProcessing(msg.RetryCount+1, progress, message)
	if err := t.store.SaveTask(ctx, rec); err != nil {
		return nil, false, execError("save task", err)
	}

	t.events.SendTaskStatus(ctx, events.StatusUpdate{
		TaskID:   rec.TaskID,
		UserID:   rec.UserID,
		Status:   rec.Status,
		Progress: rec.Progress,
		Message:  rec.Message,
	})
	return rec, false, nil
}

// advance поднимает прогресс. Уменьшение прогресса не публикуется.
func (t *tracker) advance(ctx context.Context, logger *slog.Logger, rec *domain.TaskRecord, progress int, message string) {
	if !rec.Advance(progress, message) {
		return
	}

	if err := t.store.SaveTask(ctx, rec); err != nil {
		logger.Warn("failed to save task progress", "progress", progress, "error", err)
	}

	t.events.SendTaskStatus(ctx, events.StatusUpdate{
		TaskID:   rec.TaskID,
		UserID:   rec.UserID,
		Status:   rec.Status,
		Progress: rec.Progress,
		Message:  rec.Message,
	})
}

// complete сохраняет результат и завершает задачу.
func (t *tracker) complete(ctx context.Context, rec *domain.TaskRecord, filename string, result any, started time.Time, message string) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return execError("encode result", err)
	}

	now := time.Now().UTC()
	err = t.store.SaveResult(ctx, &domain.TaskResult{
		TaskID:    rec.TaskID,
		UserID:    rec.UserID,
		ImageID:   rec.ImageID,
		Kind:      rec.Kind,
		Filename:  filename,
		Result:    raw,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return execError("save result", err)
	}

	rec.MarkCompleted(raw, time.Since(started), message)
	if err := t.store.SaveTask(ctx, rec); err != nil {
		return execError("save task", err)
	}

	t.events.SendTaskStatus(ctx, events.StatusUpdate{
		TaskID:   rec.TaskID,
		UserID:   rec.UserID,
		Status:   rec.Status,
		Progress: rec.Progress,
		Message:  rec.Message,
		Result:   result,
	})
	return nil
}

// fail помечает попытку неудачной и сообщает об этом.
// Возвращает cause как ExecutionError для политики повторов.
func (t *tracker) fail(ctx context.Context, logger *slog.Logger, rec *domain.TaskRecord, op string, cause error) error {
	rec.MarkFailed(cause.Error())
	if err := t.store.SaveTask(ctx, rec); err != nil {
		logger.Warn("failed to save task failure", "error", err)
	}

	code := events.ErrorCodeProcessing
	if errors.Is(cause, context.DeadlineExceeded) {
		code = events.ErrorCodeTimeout
	}

	t.events.SendTaskStatus(ctx, events.StatusUpdate{
		TaskID:    rec.TaskID,
		UserID:    rec.UserID,
		Status:    rec.Status,
		Progress:  rec.Progress,
		Message:   rec.Message,
		ErrorCode: code,
		Error:     cause.Error(),
	})

	var execErr *ExecutionError
	if errors.As(cause, &execErr) {
		return cause
	}
	return execError(op, cause)
}

// requireFields проверяет, что поля есть в сообщении и не пустые.
func requireFields(body []byte, fields ...string) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil || m == nil {
		return validationError("message is not a JSON object")
	}

	var missing []string
	for _, f := range fields {
		raw, ok := m[f]
		if !ok || isEmptyJSON(raw) {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return validationError("missing required fields %v", missing)
	}
	return nil
}

// checkFileIDs отклоняет imageId и id регионов, непригодные для имён файлов.
func checkFileIDs(imageID string, rects []domain.Rectangle) error {
	if !domain.IsSafeName(imageID) {
		return validationError("imageId %q is not a valid file name", imageID)
	}
	if id, ok := domain.CheckRectIDs(rects); !ok {
		return validationError("rectangle id %q is not a valid file name", id)
	}
	return nil
}

func isEmptyJSON(raw json.RawMessage) bool {
	switch string(raw) {
	case "null", `""`:
		return true
	default:
		return false
	}
}
