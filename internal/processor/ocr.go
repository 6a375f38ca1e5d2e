package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/shaiso/docflow/internal/domain"
	"github.com/shaiso/docflow/internal/events"
	"github.com/shaiso/docflow/internal/mq"
	"github.com/shaiso/docflow/internal/telemetry"
)

// Recognizer распознаёт текст в регионах изображения.
// Реализации: inference.Recognizer (HTTP) и correlation.Service (партнёр через RabbitMQ).
type Recognizer interface {
	Recognize(ctx context.Context, imageID string, rects []domain.Rectangle) (*domain.OCRResult, error)
}

// OCRConfig — конфигурация OCRProcessor.
type OCRConfig struct {
	Base BaseConfig

	Store      TaskStore
	Events     Events
	Recognizer Recognizer
}

// OCRProcessor обрабатывает ocr.process и python.ocr.
type OCRProcessor struct {
	*Base

	tracker    tracker
	recognizer Recognizer
}

// NewOCRProcessor создаёт обработчик OCR.
func NewOCRProcessor(cfg OCRConfig) *OCRProcessor {
	p := &OCRProcessor{
		tracker:    tracker{store: cfg.Store, events: cfg.Events},
		recognizer: cfg.Recognizer,
	}
	p.Base = NewBase("ocr", cfg.Base,
		Route{Queue: mq.QueueOCRProcess, Job: p.process},
		Route{Queue: mq.QueuePythonOCR, Job: p.process},
	)
	return p
}

func (p *OCRProcessor) process(ctx context.Context, d *mq.Delivery) error {
	if err := requireFields(d.Body, "taskId", "userId", "imageId", "rectangles"); err != nil {
		return err
	}

	var msg mq.TaskMessage
	if err := d.Decode(&msg); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := checkFileIDs(msg.ImageID, msg.Rectangles); err != nil {
		return err
	}

	logger := telemetry.WithTaskID(p.logger, msg.TaskID).With(
		"image_id", msg.ImageID,
		"rectangles", len(msg.Rectangles),
		"retry_count", msg.RetryCount,
	)
	ctx = telemetry.WithLogger(ctx, logger)

	rec, skip, err := p.tracker.begin(ctx, &msg, domain.TaskKindOCR, 10, "Starting OCR")
	if err != nil {
		return err
	}
	if skip {
		logger.Info("task already completed, skipping")
		return nil
	}

	logger.Info("OCR started")
	started := time.Now()

	result, err := p.recognize(ctx, &msg)
	if err == nil {
		p.tracker.advance(ctx, logger, rec, 90, "Text recognized")
		err = p.tracker.complete(ctx, rec, msg.OriginalFilename, result, started, "OCR completed")
	}
	if err != nil {
		logger.Error("OCR failed", "error", err)
		failErr := p.tracker.fail(ctx, logger, rec, "ocr", err)
		if !p.finalAttempt(&msg) {
			return failErr
		}

		n := events.Notification{
			UserID:   msg.UserID,
			TaskID:   msg.TaskID,
			Type:     domain.NotificationOCRFailed,
			Title:    "OCR failed",
			Message:  err.Error(),
			Data:     map[string]any{"imageId": msg.ImageID, "retryCount": msg.RetryCount},
			Priority: "high",
		}
		p.tracker.events.SendNotification(ctx, n)
		p.tracker.events.SendInternalNotification(ctx, n)
		return failErr
	}

	n := events.Notification{
		UserID:   msg.UserID,
		TaskID:   msg.TaskID,
		Type:     domain.NotificationOCRCompleted,
		Title:    "OCR completed",
		Message:  fmt.Sprintf("Recognized %d of %d regions", result.SuccessfulRectangles, result.TotalRectangles),
		Data:     result,
		Priority: "normal",
	}
	p.tracker.events.SendNotification(ctx, n)
	p.tracker.events.SendInternalNotification(ctx, n)

	logger.Info("OCR completed",
		"successful", result.SuccessfulRectangles,
		"total", result.TotalRectangles,
		"duration", time.Since(started),
	)
	return nil
}

func (p *OCRProcessor) recognize(ctx context.Context, msg *mq.TaskMessage) (*domain.OCRResult, error) {
	result, err := p.recognizer.Recognize(ctx, msg.ImageID, msg.Rectangles)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("recognition failed: %s", result.Error)
	}
	if result.ImageID == "" {
		result.ImageID = msg.ImageID
	}
	return result, nil
}
