package correlation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/docflow/internal/domain"
	"github.com/shaiso/docflow/internal/mq"
	"github.com/shaiso/docflow/internal/telemetry"
)

const defaultTimeout = 300 * time.Second

// ServiceConfig — настройки Service.
type ServiceConfig struct {
	// CropsDir — каталог с нарезанными регионами.
	CropsDir string

	// Timeout — сколько ждём ответ партнёра (default: 300s).
	Timeout time.Duration

	// Cropper — нарезка, если регионы ещё не нарезаны. Может быть nil.
	Cropper Cropper

	Logger *slog.Logger
}

// Service — request/response поверх двух очередей.
//
// Запрос уходит в python.to.node.ocr с новым requestId, ответ приходит
// в node.to.python.ocr.result (его разбирает Listener) и доставляется
// ожидающему через PendingTable.
type Service struct {
	sender   mq.Sender
	table    *PendingTable
	cropsDir string
	cropper  Cropper
	timeout  time.Duration
	logger   *slog.Logger

	newID func() string
}

// NewService создаёт Service.
func NewService(sender mq.Sender, table *PendingTable, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Service{
		sender:   sender,
		table:    table,
		cropsDir: cfg.CropsDir,
		cropper:  cfg.Cropper,
		timeout:  timeout,
		logger:   telemetry.WithComponent(logger, "correlation"),
		newID:    uuid.NewString,
	}
}

// Table возвращает таблицу ожидающих запросов.
func (s *Service) Table() *PendingTable {
	return s.table
}

// Recognize отправляет регионы партнёру и ждёт результат.
//
// Ошибки:
//   - ErrNoCrops — нечего отправлять, брокер не трогается
//   - mq.ErrPublishFailed — запрос не ушёл, запись удалена
//   - ErrTimeout — ответа нет за Timeout, запись удалена
//   - ErrRemoteFailed — партнёр вернул success=false
func (s *Service) Recognize(ctx context.Context, imageID string, rects []domain.Rectangle) (*domain.OCRResult, error) {
	crops, err := PrepareCrops(ctx, s.cropsDir, imageID, rects, s.cropper, s.logger)
	if err != nil {
		return nil, err
	}

	req := &mq.OCRRequest{
		RequestID: s.newID(),
		ImageID:   imageID,
		Timestamp: mq.Now(),
		CropsData: crops,
		Options:   mq.DefaultOCROptions(),
	}
	return s.Send(ctx, req)
}

// Send регистрирует готовый запрос, публикует его и ждёт ответ.
func (s *Service) Send(ctx context.Context, req *mq.OCRRequest) (*domain.OCRResult, error) {
	logger := telemetry.WithRequestID(s.logger, req.RequestID)

	done, err := s.table.Register(req.RequestID)
	if err != nil {
		return nil, err
	}
	// Запись принадлежит отправителю, удаляем при любом исходе
	defer s.table.Remove(req.RequestID)

	if err := s.sender.Publish(ctx, mq.ExchangeDefault, mq.RoutingKey(mq.QueueOCRRequest), req); err != nil {
		telemetry.CorrelationRequests.WithLabelValues("publish_failed").Inc()
		return nil, fmt.Errorf("send ocr request: %w", err)
	}

	logger.Info("ocr request sent", "image_id", req.ImageID, "crops", len(req.CropsData))
	start := time.Now()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		telemetry.CorrelationLatency.Observe(time.Since(start).Seconds())
		if out.Err != nil {
			outcome := "failed"
			if errors.Is(out.Err, ErrExpired) {
				outcome = "expired"
			}
			telemetry.CorrelationRequests.WithLabelValues(outcome).Inc()
			logger.Error("ocr request failed", "error", out.Err)
			return nil, out.Err
		}
		telemetry.CorrelationRequests.WithLabelValues("completed").Inc()
		logger.Info("ocr result received",
			"duration", time.Since(start),
			"successful", out.Result.SuccessfulRectangles,
			"total", out.Result.TotalRectangles,
		)
		return out.Result, nil

	case <-timer.C:
		telemetry.CorrelationRequests.WithLabelValues("timeout").Inc()
		logger.Error("ocr request timed out", "timeout", s.timeout)
		return nil, fmt.Errorf("%w: request %s after %s", ErrTimeout, req.RequestID, s.timeout)

	case <-ctx.Done():
		telemetry.CorrelationRequests.WithLabelValues("cancelled").Inc()
		return nil, ctx.Err()
	}
}

// Deliver передаёт ответ партнёра ожидающему запросу.
// Возвращает false, если запрос неизвестен или уже завершён.
func (s *Service) Deliver(msg *mq.OCRResultMessage) bool {
	if msg.Success {
		return s.table.Complete(msg.RequestID, ConvertResult(msg))
	}

	errMsg := msg.Error
	if errMsg == "" {
		errMsg = "unknown error"
	}
	return s.table.Fail(msg.RequestID, errMsg)
}
