// Package events отправляет статусы задач и уведомления пользователям.
//
// Отправка best-effort: ошибка публикации логируется и считается в метриках,
// но не возвращается вызывающему. Статус — побочный канал, задача не должна
// падать из-за него.
package events

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shaiso/docflow/internal/domain"
	"github.com/shaiso/docflow/internal/mq"
	"github.com/shaiso/docflow/internal/telemetry"
)

// Коды ошибок в статусах.
const (
	ErrorCodeProcessing = "PROCESSING_ERROR"
	ErrorCodeValidation = "VALIDATION_ERROR"
	ErrorCodeTimeout    = "TIMEOUT"
)

// StatusUpdate — обновление статуса задачи.
type StatusUpdate struct {
	TaskID   string
	UserID   string
	Status   domain.TaskStatus
	Progress int
	Message  string
	Result   any

	// ErrorCode и Error заполняются для failed.
	ErrorCode string
	Error     string
}

// Notification — уведомление пользователя.
type Notification struct {
	UserID   string
	TaskID   string
	Type     string
	Title    string
	Message  string
	Data     any
	Priority string
}

// Emitter публикует статусы и уведомления.
type Emitter struct {
	sender mq.Sender
	logger *slog.Logger
}

// NewEmitter создаёт Emitter.
func NewEmitter(sender mq.Sender, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		sender: sender,
		logger: telemetry.WithComponent(logger, "events"),
	}
}

// SendTaskStatus публикует статус в ocr.direct с ключом task.status.update.
func (e *Emitter) SendTaskStatus(ctx context.Context, u StatusUpdate) {
	msg := &mq.StatusMessage{
		MessageID: uuid.NewString(),
		Timestamp: mq.Now(),
		Version:   mq.MessageVersion,
		TaskID:    u.TaskID,
		UserID:    u.UserID,
		Status:    string(u.Status),
		Progress:  u.Progress,
		Message:   u.Message,
		Result:    u.Result,
	}
	if u.Error != "" {
		code := u.ErrorCode
		if code == "" {
			code = ErrorCodeProcessing
		}
		msg.Error = &mq.StatusError{
			Code:      code,
			Message:   u.Error,
			Timestamp: msg.Timestamp,
		}
	}

	err := e.sender.Publish(ctx, mq.ExchangeDirect, mq.RoutingKeyTaskStatus, msg)
	if err != nil {
		telemetry.EventsDropped.WithLabelValues("status").Inc()
		e.logger.Error("failed to send task status",
			"task_id", u.TaskID,
			"status", u.Status,
			"progress", u.Progress,
			"error", err,
		)
		return
	}

	e.logger.Debug("task status sent",
		"task_id", u.TaskID,
		"status", u.Status,
		"progress", u.Progress,
	)
}

// SendNotification публикует уведомление пользователю в ocr.direct с ключом user.notification.
func (e *Emitter) SendNotification(ctx context.Context, n Notification) {
	e.send(ctx, "notification", mq.ExchangeDirect, mq.RoutingKeyUserNotification, n)
}

// SendInternalNotification кладёт уведомление в очередь notifications
// (её разбирает NotificationProcessor).
func (e *Emitter) SendInternalNotification(ctx context.Context, n Notification) {
	e.send(ctx, "internal_notification", mq.ExchangeDefault, mq.RoutingKey(mq.QueueNotifications), n)
}

func (e *Emitter) send(ctx context.Context, kind string, exchange mq.Exchange, key mq.RoutingKey, n Notification) {
	msg := &mq.NotificationMessage{
		MessageID: uuid.NewString(),
		Timestamp: mq.Now(),
		Version:   mq.MessageVersion,
		UserID:    n.UserID,
		TaskID:    n.TaskID,
		Type:      n.Type,
		Title:     n.Title,
		Message:   n.Message,
		Data:      n.Data,
		Priority:  n.Priority,
	}

	if err := e.sender.Publish(ctx, exchange, key, msg); err != nil {
		telemetry.EventsDropped.WithLabelValues(kind).Inc()
		e.logger.Error("failed to send notification",
			"user_id", n.UserID,
			"task_id", n.TaskID,
			"type", n.Type,
			"error", err,
		)
		return
	}

	e.logger.Debug("notification sent", "user_id", n.UserID, "type", n.Type, "routing_key", key)
}
