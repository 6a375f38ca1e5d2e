// Package tasks — входная точка для постановки задач и просмотра их состояния.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shaiso/docflow/internal/correlation"
	"github.com/shaiso/docflow/internal/domain"
	"github.com/shaiso/docflow/internal/mq"
	"github.com/shaiso/docflow/internal/processor"
	"github.com/shaiso/docflow/internal/repo"
	"github.com/shaiso/docflow/internal/telemetry"
)

var (
	// ErrInvalidRequest — запрос не прошёл проверку.
	ErrInvalidRequest = errors.New("invalid task request")

	// ErrDuplicateTask — задача с таким id уже есть.
	ErrDuplicateTask = errors.New("task already exists")
)

// Store — хранилище статусов задач.
type Store interface {
	SaveTask(ctx context.Context, task *domain.TaskRecord) error
	GetTask(ctx context.Context, taskID string) (*domain.TaskRecord, error)
}

// StatsSource — обработчик, отдающий статистику.
type StatsSource interface {
	Stats() processor.Stats
	Healthy() bool
}

// HealthSource — соединение с брокером.
type HealthSource interface {
	Health() mq.Health
}

// SubmitRequest — новая задача.
type SubmitRequest struct {
	Kind domain.TaskKind `json:"kind"`

	// TaskID — необязателен, по умолчанию генерируется.
	TaskID string `json:"taskId,omitempty"`

	UserID           string             `json:"userId"`
	ImageID          string             `json:"imageId"`
	ImageData        string             `json:"imageData,omitempty"`
	OriginalFilename string             `json:"originalFilename,omitempty"`
	Rectangles       []domain.Rectangle `json:"rectangles,omitempty"`
	Options          map[string]any     `json:"options,omitempty"`
	Priority         int                `json:"priority,omitempty"`
	MaxRetries       *int               `json:"maxRetries,omitempty"`
}

// CorrelationStatus — состояние обмена с партнёрским OCR.
type CorrelationStatus struct {
	Pending  int                 `json:"pending"`
	Listener mq.SupervisorStatus `json:"listener"`
	Healthy  bool                `json:"healthy"`
}

// QueueStatus — общий снимок состояния.
type QueueStatus struct {
	Healthy     bool               `json:"healthy"`
	Processors  []processor.Stats  `json:"processors"`
	Broker      mq.Health          `json:"broker"`
	Correlation *CorrelationStatus `json:"correlation,omitempty"`
}

// Config — зависимости Service.
type Config struct {
	Store      Store
	Sender     mq.Sender
	Broker     HealthSource
	Processors []StatsSource

	// Correlation и Listener — только при удалённом OCR.
	Correlation *correlation.Service
	Listener    *correlation.Listener

	// MaxRetries — maxRetries в новых сообщениях (default: 3).
	MaxRetries int

	Logger *slog.Logger
}

// Service ставит задачи в очереди и отвечает на вопросы об их состоянии.
type Service struct {
	store       Store
	sender      mq.Sender
	broker      HealthSource
	processors  []StatsSource
	correlation *correlation.Service
	listener    *correlation.Listener
	maxRetries  int
	logger      *slog.Logger
}

// NewService создаёт Service.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	return &Service{
		store:       cfg.Store,
		sender:      cfg.Sender,
		broker:      cfg.Broker,
		processors:  cfg.Processors,
		correlation: cfg.Correlation,
		listener:    cfg.Listener,
		maxRetries:  maxRetries,
		logger:      telemetry.WithComponent(logger, "tasks"),
	}
}

// QueueFor возвращает очередь для типа задачи.
func QueueFor(kind domain.TaskKind) (mq.Queue, bool) {
	switch kind {
	case domain.TaskKindAnalysis:
		return mq.QueueDocumentAnalysis, true
	case domain.TaskKindDetection:
		return mq.QueueDocumentDetection, true
	case domain.TaskKindOCR:
		return mq.QueueOCRProcess, true
	default:
		return "", false
	}
}

// SubmitTask записывает задачу в статусе queued и публикует её.
//
// Если публикация не удалась, запись помечается failed и возвращается ошибка.
func (s *Service) SubmitTask(ctx context.Context, req SubmitRequest) (string, error) {
	queue, err := validate(req)
	if err != nil {
		return "", err
	}

	taskID := req.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	} else {
		_, err := s.store.GetTask(ctx, taskID)
		switch {
		case err == nil:
			return "", fmt.Errorf("%w: %s", ErrDuplicateTask, taskID)
		case !errors.Is(err, repo.ErrNotFound):
			return "", fmt.Errorf("check task: %w", err)
		}
	}

	logger := telemetry.WithTaskID(s.logger, taskID).With("kind", req.Kind, "queue", queue)

	rec := domain.NewTaskRecord(taskID, req.UserID, req.ImageID, req.Kind)
	rec.Message = "Task queued"
	if err := s.store.SaveTask(ctx, rec); err != nil {
		return "", fmt.Errorf("save task: %w", err)
	}

	msg := mq.NewTaskMessage(taskID, req.UserID, req.ImageID)
	msg.ImageData = req.ImageData
	msg.OriginalFilename = req.OriginalFilename
	msg.Rectangles = req.Rectangles
	msg.Options = req.Options
	msg.Priority = req.Priority

	maxRetries := s.maxRetries
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		maxRetries = *req.MaxRetries
	}
	msg.MaxRetries = &maxRetries

	if err := s.sender.Publish(ctx, mq.ExchangeDefault, mq.RoutingKey(queue), msg); err != nil {
		rec.MarkFailed(err.Error())
		if saveErr := s.store.SaveTask(ctx, rec); saveErr != nil {
			logger.Error("failed to mark task failed", "error", saveErr)
		}
		logger.Error("failed to submit task", "error", err)
		return taskID, fmt.Errorf("publish task: %w", err)
	}

	logger.Info("task submitted")
	return taskID, nil
}

func validate(req SubmitRequest) (mq.Queue, error) {
	queue, ok := QueueFor(req.Kind)
	if !ok {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, req.Kind)
	}

	var missing []string
	if req.UserID == "" {
		missing = append(missing, "userId")
	}
	if req.ImageID == "" {
		missing = append(missing, "imageId")
	}

	switch req.Kind {
	case domain.TaskKindAnalysis:
		if req.ImageData == "" {
			missing = append(missing, "imageData")
		}
	case domain.TaskKindDetection:
		if req.OriginalFilename == "" {
			missing = append(missing, "originalFilename")
		}
	case domain.TaskKindOCR:
		if len(req.Rectangles) == 0 {
			missing = append(missing, "rectangles")
		}
	}

	if len(missing) > 0 {
		return "", fmt.Errorf("%w: missing %v", ErrInvalidRequest, missing)
	}

	// imageId и id регионов становятся именами файлов
	if !domain.IsSafeName(req.ImageID) {
		return "", fmt.Errorf("%w: imageId %q is not a valid file name", ErrInvalidRequest, req.ImageID)
	}
	if id, ok := domain.CheckRectIDs(req.Rectangles); !ok {
		return "", fmt.Errorf("%w: rectangle id %q is not a valid file name", ErrInvalidRequest, id)
	}
	return queue, nil
}

// GetTaskStatus возвращает запись задачи (repo.ErrNotFound, если её нет).
func (s *Service) GetTaskStatus(ctx context.Context, taskID string) (*domain.TaskRecord, error) {
	return s.store.GetTask(ctx, taskID)
}

// GetQueueStatus собирает состояние обработчиков, брокера и корреляции.
func (s *Service) GetQueueStatus(ctx context.Context) QueueStatus {
	st := QueueStatus{Healthy: true, Processors: make([]processor.Stats, 0, len(s.processors))}

	for _, p := range s.processors {
		st.Processors = append(st.Processors, p.Stats())
		if !p.Healthy() {
			st.Healthy = false
		}
	}

	if s.broker != nil {
		st.Broker = s.broker.Health()
		if !st.Broker.Healthy() {
			st.Healthy = false
		}
	}

	if s.correlation != nil {
		cs := &CorrelationStatus{Pending: s.correlation.Table().Len(), Healthy: true}
		if s.listener != nil {
			cs.Listener = s.listener.Status()
			cs.Healthy = s.listener.Healthy()
		}
		if !cs.Healthy {
			st.Healthy = false
		}
		st.Correlation = cs
	}

	return st
}
