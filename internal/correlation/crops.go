package correlation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/shaiso/docflow/internal/domain"
	"github.com/shaiso/docflow/internal/mq"
)

// cropExtensions — порядок поиска файла региона.
var cropExtensions = []string{".jpg", ".png", ".jpeg"}

// Cropper нарезает регионы изображения в <dir>/<imageId>/<rectId>.jpg.
type Cropper interface {
	Crop(ctx context.Context, imageID string, rects []domain.Rectangle) error
}

// PrepareCrops читает нарезанные регионы и кодирует их в base64.
//
// Регионы класса figure пропускаются. Если каталога изображения нет,
// вызывается cropper (если задан). Регион без файла пропускается с
// ошибкой в логе. Пустой итог — ErrNoCrops.
func PrepareCrops(ctx context.Context, dir, imageID string, rects []domain.Rectangle, cropper Cropper, logger *slog.Logger) ([]mq.CropData, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if !domain.IsSafeName(imageID) {
		return nil, fmt.Errorf("%w: image id %q", ErrUnsafeID, imageID)
	}

	imageDir := filepath.Join(dir, imageID)
	if _, err := os.Stat(imageDir); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat crops dir: %w", err)
		}
		if cropper == nil {
			return nil, fmt.Errorf("%w: crops dir %s does not exist", ErrNoCrops, imageDir)
		}

		logger.Info("crops dir missing, cropping image", "image_id", imageID, "rectangles", len(rects))
		if err := cropper.Crop(ctx, imageID, rects); err != nil {
			return nil, fmt.Errorf("%w: auto-crop: %v", ErrNoCrops, err)
		}
	}

	crops := make([]mq.CropData, 0, len(rects))
	for _, rect := range rects {
		if rect.IsFigure() {
			logger.Debug("skipping figure region", "rectangle_id", rect.ID)
			continue
		}
		if !domain.IsSafeName(string(rect.ID)) {
			logger.Error("unsafe rectangle id, skipping", "image_id", imageID, "rectangle_id", rect.ID)
			continue
		}

		path, ok := findCrop(imageDir, string(rect.ID))
		if !ok {
			logger.Error("crop file not found", "image_id", imageID, "rectangle_id", rect.ID)
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			logger.Error("failed to read crop", "path", path, "error", err)
			continue
		}

		class := rect.Class
		if class == "" {
			class = "unknown"
		}

		crops = append(crops, mq.CropData{
			RectangleID:    rect.ID,
			RectangleClass: class,
			ImageData:      base64.StdEncoding.EncodeToString(data),
			RectangleInfo:  rect,
		})
	}

	if len(crops) == 0 {
		return nil, fmt.Errorf("%w: image %s", ErrNoCrops, imageID)
	}

	logger.Debug("crops prepared", "image_id", imageID, "count", len(crops))
	return crops, nil
}

func findCrop(dir, rectID string) (string, bool) {
	for _, ext := range cropExtensions {
		path := filepath.Join(dir, rectID+ext)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}
