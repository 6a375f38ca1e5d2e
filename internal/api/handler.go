package api

import (
	"context"
	"log/slog"

	"github.com/shaiso/docflow/internal/domain"
	"github.com/shaiso/docflow/internal/tasks"
)

// TaskService — постановка задач и их состояние.
type TaskService interface {
	SubmitTask(ctx context.Context, req tasks.SubmitRequest) (string, error)
	GetTaskStatus(ctx context.Context, taskID string) (*domain.TaskRecord, error)
	GetQueueStatus(ctx context.Context) tasks.QueueStatus
}

// ResultStore — чтение результатов и уведомлений.
type ResultStore interface {
	GetResult(ctx context.Context, taskID string) (*domain.TaskResult, error)
	ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error)
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	tasks   TaskService
	results ResultStore
	logger  *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Tasks   TaskService
	Results ResultStore
	Logger  *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		tasks:   cfg.Tasks,
		results: cfg.Results,
		logger:  logger,
	}
}
