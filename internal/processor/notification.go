package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/docflow/internal/domain"
	"github.com/shaiso/docflow/internal/mq"
)

// NotificationConfig — конфигурация NotificationProcessor.
type NotificationConfig struct {
	Base  BaseConfig
	Store TaskStore
}

// NotificationProcessor разбирает очередь notifications и сохраняет уведомления.
type NotificationProcessor struct {
	*Base

	store    TaskStore
	handlers map[string]notificationHandler
}

type notificationHandler func(logger *slog.Logger, n *inboundNotification)

// NewNotificationProcessor создаёт обработчик уведомлений.
func NewNotificationProcessor(cfg NotificationConfig) *NotificationProcessor {
	p := &NotificationProcessor{store: cfg.Store}
	p.handlers = map[string]notificationHandler{
		domain.NotificationOCRCompleted:               p.onOCRCompleted,
		domain.NotificationDocumentDetectionCompleted: p.onDetectionCompleted,
		domain.NotificationTaskFailed:                 p.onTaskFailed,
		domain.NotificationUserMessage:                p.onUserMessage,
	}
	p.Base = NewBase("notification", cfg.Base,
		Route{Queue: mq.QueueNotifications, Job: p.process},
	)
	return p
}

// inboundNotification — уведомление из очереди.
// Отправители пишут идентификаторы и в camelCase, и в snake_case.
type inboundNotification struct {
	MessageID string       `json:"messageId"`
	Timestamp mq.Timestamp `json:"timestamp"`

	Type       string          `json:"type"`
	UserID     string          `json:"userId"`
	UserIDAlt  string          `json:"user_id"`
	TaskID     string          `json:"taskId"`
	TaskIDAlt  string          `json:"task_id"`
	Title      string          `json:"title"`
	Message    string          `json:"message"`
	Error      string          `json:"error"`
	Data       json.RawMessage `json:"data"`
	RetryCount int             `json:"retryCount"`
}

func (n *inboundNotification) userID() string {
	if n.UserID != "" {
		return n.UserID
	}
	return n.UserIDAlt
}

func (n *inboundNotification) taskID() string {
	if n.TaskID != "" {
		return n.TaskID
	}
	return n.TaskIDAlt
}

func (p *NotificationProcessor) process(ctx context.Context, d *mq.Delivery) error {
	if err := requireFields(d.Body, "type"); err != nil {
		return err
	}

	var n inboundNotification
	if err := d.Decode(&n); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	logger := p.logger.With("type", n.Type, "user_id", n.userID(), "task_id", n.taskID())
	logger.Info("processing notification")

	handle, ok := p.handlers[n.Type]
	if !ok {
		handle = p.onGeneric
	}
	handle(logger, &n)

	stored := &domain.Notification{
		ID:        n.MessageID,
		UserID:    n.userID(),
		TaskID:    n.taskID(),
		Type:      n.Type,
		Title:     n.Title,
		Message:   n.Message,
		CreatedAt: n.Timestamp.Time,
	}
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	if len(n.Data) > 0 && string(n.Data) != "null" {
		stored.Data = n.Data
	}
	if stored.Message == "" {
		stored.Message = n.Error
	}

	if err := p.store.SaveNotification(ctx, stored); err != nil {
		return execError("save notification", err)
	}

	logger.Info("notification processed", "id", stored.ID)
	return nil
}

func (p *NotificationProcessor) onOCRCompleted(logger *slog.Logger, n *inboundNotification) {
	logger.Info("OCR completed notification")
}

func (p *NotificationProcessor) onDetectionCompleted(logger *slog.Logger, n *inboundNotification) {
	logger.Info("document detection completed notification")
}

func (p *NotificationProcessor) onTaskFailed(logger *slog.Logger, n *inboundNotification) {
	errMsg := n.Error
	if errMsg == "" {
		errMsg = n.Message
	}
	logger.Warn("task failed notification", "error", errMsg, "retry_count", n.RetryCount)
}

func (p *NotificationProcessor) onUserMessage(logger *slog.Logger, n *inboundNotification) {
	logger.Info("user message notification", "message", n.Message)
}

func (p *NotificationProcessor) onGeneric(logger *slog.Logger, n *inboundNotification) {
	logger.Warn("unknown notification type, storing as is")
}
