package processor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shaiso/docflow/internal/domain"
	"github.com/shaiso/docflow/internal/events"
	"github.com/shaiso/docflow/internal/mq"
	"github.com/shaiso/docflow/internal/telemetry"
)

// ErrImageNotFound — изображение задачи не найдено в UploadDir.
var ErrImageNotFound = errors.New("image not found")

// Detector находит регионы разметки на изображении.
type Detector interface {
	Detect(ctx context.Context, imagePath string, size int, confidence float64) (*domain.DetectionResult, error)
}

// Cropper нарезает регионы изображения в каталог кропов.
type Cropper interface {
	Crop(ctx context.Context, imageID string, rects []domain.Rectangle) error
}

// DetectionConfig — конфигурация DetectionProcessor.
type DetectionConfig struct {
	Base BaseConfig

	Store    TaskStore
	Events   Events
	Detector Detector

	// Cropper — необязателен. Если задан, найденные регионы нарезаются
	// сразу, и OCR не придётся делать это позже.
	Cropper Cropper

	UploadDir  string
	ImageSize  int
	Confidence float64
}

// DetectionProcessor обрабатывает document.analysis и python.document.detection.
type DetectionProcessor struct {
	*Base

	tracker    tracker
	detector   Detector
	cropper    Cropper
	uploadDir  string
	imageSize  int
	confidence float64
}

// NewDetectionProcessor создаёт обработчик детекции.
func NewDetectionProcessor(cfg DetectionConfig) *DetectionProcessor {
	p := &DetectionProcessor{
		tracker:    tracker{store: cfg.Store, events: cfg.Events},
		detector:   cfg.Detector,
		cropper:    cfg.Cropper,
		uploadDir:  cfg.UploadDir,
		imageSize:  cfg.ImageSize,
		confidence: cfg.Confidence,
	}
	p.Base = NewBase("detection", cfg.Base,
		Route{Queue: mq.QueueDocumentAnalysis, Job: p.processAnalysis},
		Route{Queue: mq.QueueDocumentDetection, Job: p.processDetection},
	)
	return p
}

// AnalysisResult — результат разбора документа.
type AnalysisResult struct {
	TaskID           string                  `json:"task_id"`
	ImageID          string                  `json:"image_id"`
	OriginalFilename string                  `json:"original_filename,omitempty"`
	LayoutDetection  *domain.DetectionResult `json:"layout_detection"`
	Regions          []domain.Rectangle      `json:"regions"`
	CroppedRegions   int                     `json:"cropped_regions"`
	CropError        string                  `json:"crop_error,omitempty"`
	ProcessingTime   float64                 `json:"processing_time"`
	CompletedAt      time.Time               `json:"completed_at"`
}

// processAnalysis — document.analysis: изображение приходит в сообщении (base64).
func (p *DetectionProcessor) processAnalysis(ctx context.Context, d *mq.Delivery) error {
	if err := requireFields(d.Body, "taskId", "userId", "imageId", "imageData"); err != nil {
		return err
	}

	var msg mq.TaskMessage
	if err := d.Decode(&msg); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := checkFileIDs(msg.ImageID, nil); err != nil {
		return err
	}

	logger := telemetry.WithTaskID(p.logger, msg.TaskID).With("image_id", msg.ImageID, "retry_count", msg.RetryCount)
	ctx = telemetry.WithLogger(ctx, logger)

	rec, skip, err := p.tracker.begin(ctx, &msg, domain.TaskKindAnalysis, 0, "Starting document analysis")
	if err != nil {
		return err
	}
	if skip {
		logger.Info("task already completed, skipping")
		return nil
	}

	logger.Info("document analysis started")
	started := time.Now()

	imagePath, err := saveImage(p.uploadDir, msg.ImageID, msg.ImageData)
	if err != nil {
		return p.failAnalysis(ctx, logger, &msg, rec, "save image", err)
	}
	p.tracker.advance(ctx, logger, rec, 20, "Image saved")

	result, err := p.detect(ctx, logger, rec, &msg, imagePath, started)
	if err != nil {
		return p.failAnalysis(ctx, logger, &msg, rec, "detect layout", err)
	}

	if err := p.tracker.complete(ctx, rec, msg.OriginalFilename, result, started, "Document analysis completed"); err != nil {
		return p.failAnalysis(ctx, logger, &msg, rec, "save result", err)
	}

	p.tracker.events.SendNotification(ctx, events.Notification{
		UserID:   msg.UserID,
		TaskID:   msg.TaskID,
		Type:     domain.NotificationDocumentAnalysisCompleted,
		Title:    "Document analysis completed",
		Message:  fmt.Sprintf("Found %d regions", len(result.Regions)),
		Data:     result,
		Priority: "normal",
	})
	p.notifyDetected(ctx, &msg, result)

	logger.Info("document analysis completed",
		"regions", len(result.Regions),
		"duration", time.Since(started),
	)
	return nil
}

func (p *DetectionProcessor) failAnalysis(ctx context.Context, logger *slog.Logger, msg *mq.TaskMessage, rec *domain.TaskRecord, op string, cause error) error {
	logger.Error("document analysis failed", "op", op, "error", cause)
	err := p.tracker.fail(ctx, logger, rec, op, cause)
	if !p.finalAttempt(msg) {
		return err
	}

	p.tracker.events.SendNotification(ctx, events.Notification{
		UserID:   rec.UserID,
		TaskID:   rec.TaskID,
		Type:     domain.NotificationDocumentAnalysisFailed,
		Title:    "Document analysis failed",
		Message:  cause.Error(),
		Priority: "high",
	})
	return err
}

// processDetection — python.document.detection: изображение уже загружено.
func (p *DetectionProcessor) processDetection(ctx context.Context, d *mq.Delivery) error {
	if err := requireFields(d.Body, "taskId", "userId", "imageId", "originalFilename"); err != nil {
		return err
	}

	var msg mq.TaskMessage
	if err := d.Decode(&msg); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := checkFileIDs(msg.ImageID, nil); err != nil {
		return err
	}

	logger := telemetry.WithTaskID(p.logger, msg.TaskID).With("image_id", msg.ImageID, "retry_count", msg.RetryCount)
	ctx = telemetry.WithLogger(ctx, logger)

	rec, skip, err := p.tracker.begin(ctx, &msg, domain.TaskKindDetection, 10, "Starting document detection")
	if err != nil {
		return err
	}
	if skip {
		logger.Info("task already completed, skipping")
		return nil
	}

	logger.Info("document detection started", "filename", msg.OriginalFilename)
	started := time.Now()

	result, err := p.runDetection(ctx, logger, rec, &msg, started)
	if err == nil {
		err = p.tracker.complete(ctx, rec, msg.OriginalFilename, result, started, "Document detection completed")
	}
	if err != nil {
		logger.Error("document detection failed", "error", err)
		failErr := p.tracker.fail(ctx, logger, rec, "document detection", err)
		if !p.finalAttempt(&msg) {
			return failErr
		}

		p.tracker.events.SendInternalNotification(ctx, events.Notification{
			UserID:  msg.UserID,
			TaskID:  msg.TaskID,
			Type:    domain.NotificationTaskFailed,
			Title:   "Document detection failed",
			Message: err.Error(),
			Data:    map[string]any{"retryCount": msg.RetryCount},
		})
		return failErr
	}

	p.notifyDetected(ctx, &msg, result)

	logger.Info("document detection completed",
		"regions", len(result.Regions),
		"duration", time.Since(started),
	)
	return nil
}

func (p *DetectionProcessor) runDetection(ctx context.Context, logger *slog.Logger, rec *domain.TaskRecord, msg *mq.TaskMessage, started time.Time) (*AnalysisResult, error) {
	imagePath, err := findImage(p.uploadDir, msg.ImageID, msg.OriginalFilename)
	if err != nil {
		return nil, err
	}
	p.tracker.advance(ctx, logger, rec, 20, "Image located")
	return p.detect(ctx, logger, rec, msg, imagePath, started)
}

// detect — детекция и нарезка регионов (прогресс 60 и 80).
func (p *DetectionProcessor) detect(ctx context.Context, logger *slog.Logger, rec *domain.TaskRecord, msg *mq.TaskMessage, imagePath string, started time.Time) (*AnalysisResult, error) {
	det, err := p.detector.Detect(ctx, imagePath, p.imageSize, p.confidence)
	if err != nil {
		return nil, err
	}
	if !det.Success {
		return nil, fmt.Errorf("detection failed: %s", det.Error)
	}

	regions := Regions(det)
	p.tracker.advance(ctx, logger, rec, 60, "Layout detected")

	result := &AnalysisResult{
		TaskID:           msg.TaskID,
		ImageID:          msg.ImageID,
		OriginalFilename: msg.OriginalFilename,
		LayoutDetection:  det,
		Regions:          regions,
	}

	if p.cropper != nil && len(regions) > 0 {
		// Кропы — оптимизация для OCR, задачу из-за них не валим
		if err := p.cropper.Crop(ctx, msg.ImageID, regions); err != nil {
			logger.Warn("failed to crop regions", "error", err)
			result.CropError = err.Error()
		} else {
			result.CroppedRegions = len(regions)
		}
	}
	p.tracker.advance(ctx, logger, rec, 80, "Regions cropped")

	result.ProcessingTime = time.Since(started).Seconds()
	result.CompletedAt = time.Now().UTC()
	return result, nil
}

// notifyDetected кладёт document_detection_completed во внутреннюю очередь.
func (p *DetectionProcessor) notifyDetected(ctx context.Context, msg *mq.TaskMessage, result *AnalysisResult) {
	p.tracker.events.SendInternalNotification(ctx, events.Notification{
		UserID:  msg.UserID,
		TaskID:  msg.TaskID,
		Type:    domain.NotificationDocumentDetectionCompleted,
		Title:   "Document detection completed",
		Message: fmt.Sprintf("Found %d regions", len(result.Regions)),
		Data: map[string]any{
			"imageId":     msg.ImageID,
			"regions":     len(result.Regions),
			"detectionMs": int64(result.ProcessingTime * 1000),
		},
	})
}

// Regions превращает объекты детектора в прямоугольники.
// bbox — [x_min, y_min, x_max, y_max]; id — порядковый номер.
func Regions(det *domain.DetectionResult) []domain.Rectangle {
	rects := make([]domain.Rectangle, 0, len(det.Objects))
	for i, obj := range det.Objects {
		if len(obj.BBox) < 4 {
			continue
		}
		rects = append(rects, domain.Rectangle{
			ID:         domain.RectID(strconv.Itoa(i)),
			Class:      obj.Class,
			X:          obj.BBox[0],
			Y:          obj.BBox[1],
			Width:      obj.BBox[2] - obj.BBox[0],
			Height:     obj.BBox[3] - obj.BBox[1],
			Confidence: obj.Confidence,
		})
	}
	return rects
}

// saveImage декодирует base64 (допускается data-URL префикс)
// и пишет его в <dir>/<imageId>.jpg.
func saveImage(dir, imageID, data string) (string, error) {
	if i := strings.Index(data, ","); i >= 0 && strings.HasPrefix(data, "data:") {
		data = data[i+1:]
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data))
	if err != nil {
		return "", fmt.Errorf("decode image data: %w", err)
	}
	if len(raw) == 0 {
		return "", errors.New("empty image data")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	path := filepath.Join(dir, filepath.Base(imageID)+".jpg")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return path, nil
}

// findImage ищет загруженное изображение: <imageId>.<ext>,
// затем <imageId>_<originalFilename>.
func findImage(dir, imageID, filename string) (string, error) {
	base := filepath.Base(imageID)
	candidates := []string{
		base + ".jpg",
		base + ".png",
		base + ".jpeg",
		base + ".webp",
	}
	if filename != "" {
		candidates = append(candidates, base+"_"+filepath.Base(filename))
	}

	for _, name := range candidates {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s in %s", ErrImageNotFound, imageID, dir)
}
