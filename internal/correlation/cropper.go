package correlation

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/shaiso/docflow/internal/domain"
)

// ImageCropper режет исходное изображение на регионы.
//
// Исходник ищется в SourceDir как <imageId>.jpg|.png|.jpeg|.webp или
// <imageId>_*.*; регионы пишутся в <CropsDir>/<imageId>/<rectId>.jpg.
type ImageCropper struct {
	SourceDir string
	CropsDir  string

	// Quality — качество JPEG (default: 95).
	Quality int
}

var sourceExtensions = []string{".jpg", ".png", ".jpeg", ".webp"}

// Crop реализует Cropper.
func (c *ImageCropper) Crop(ctx context.Context, imageID string, rects []domain.Rectangle) error {
	if !domain.IsSafeName(imageID) {
		return fmt.Errorf("%w: image id %q", ErrUnsafeID, imageID)
	}
	if id, ok := domain.CheckRectIDs(rects); !ok {
		return fmt.Errorf("%w: rectangle id %q", ErrUnsafeID, id)
	}

	src, err := c.findSource(imageID)
	if err != nil {
		return err
	}

	img, err := decodeImage(src)
	if err != nil {
		return err
	}

	outDir := filepath.Join(c.CropsDir, imageID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create crops dir: %w", err)
	}

	quality := c.Quality
	if quality <= 0 {
		quality = 95
	}

	for _, rect := range rects {
		if err := ctx.Err(); err != nil {
			return err
		}

		bounds := clampRect(rect, img.Bounds())
		if bounds.Empty() {
			continue
		}

		dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
		draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)

		if err := writeJPEG(filepath.Join(outDir, string(rect.ID)+".jpg"), dst, quality); err != nil {
			return err
		}
	}

	return nil
}

func (c *ImageCropper) findSource(imageID string) (string, error) {
	for _, ext := range sourceExtensions {
		path := filepath.Join(c.SourceDir, imageID+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	// Загрузки старого формата: <imageId>_<original name>
	entries, err := os.ReadDir(c.SourceDir)
	if err != nil {
		return "", fmt.Errorf("read source dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, imageID+"_") || strings.HasSuffix(name, "_detect.jpg") {
			continue
		}
		return filepath.Join(c.SourceDir, name), nil
	}

	return "", fmt.Errorf("source image for %s not found", imageID)
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

func writeJPEG(path string, img image.Image, quality int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create crop: %w", err)
	}

	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: quality}); err != nil {
		f.Close()
		return fmt.Errorf("encode crop: %w", err)
	}
	return f.Close()
}

// clampRect переводит регион в пиксели изображения и обрезает по границам.
func clampRect(r domain.Rectangle, b image.Rectangle) image.Rectangle {
	x0 := int(math.Floor(r.X))
	y0 := int(math.Floor(r.Y))
	x1 := int(math.Ceil(r.X + r.Width))
	y1 := int(math.Ceil(r.Y + r.Height))

	return image.Rect(b.Min.X+x0, b.Min.Y+y0, b.Min.X+x1, b.Min.Y+y1).Intersect(b)
}
