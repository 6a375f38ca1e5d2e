// Package inference — HTTP-клиент сервиса детекции разметки и OCR.
//
// Сам сервис (модели) внешний. Клиент только передаёт пути к файлам
// в общем каталоге загрузок и разбирает ответы.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shaiso/docflow/internal/domain"
	"github.com/shaiso/docflow/internal/telemetry"
)

const defaultTimeout = 120 * time.Second

var (
	// ErrRequest — запрос к сервису не выполнен (сеть, HTTP >= 400).
	ErrRequest = errors.New("inference request failed")

	// ErrFailed — сервис ответил success=false.
	ErrFailed = errors.New("inference failed")
)

// Client — клиент сервиса инференса.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент. timeout <= 0 — 120s.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// detectRequest — тело POST /detect.
type detectRequest struct {
	ImagePath  string  `json:"image_path"`
	ImageSize  int     `json:"image_size"`
	Confidence float64 `json:"confidence"`
}

// detectResponse допускает оба имени списка объектов.
type detectResponse struct {
	domain.DetectionResult
	DetectedObjects []domain.DetectedObject `json:"detected_objects"`
}

// Detect находит регионы разметки на изображении.
func (c *Client) Detect(ctx context.Context, imagePath string, size int, confidence float64) (*domain.DetectionResult, error) {
	var resp detectResponse
	err := c.post(ctx, "/detect", detectRequest{
		ImagePath:  imagePath,
		ImageSize:  size,
		Confidence: confidence,
	}, &resp)
	if err != nil {
		return nil, err
	}

	if !resp.Success {
		return nil, fmt.Errorf("%w: detect: %s", ErrFailed, orUnknown(resp.Error))
	}

	result := resp.DetectionResult
	if len(result.Objects) == 0 && len(resp.DetectedObjects) > 0 {
		result.Objects = resp.DetectedObjects
	}
	if result.Objects == nil {
		result.Objects = []domain.DetectedObject{}
	}
	return &result, nil
}

// recognizeRequest — тело POST /ocr.
type recognizeRequest struct {
	ImageID    string             `json:"image_id"`
	CropsDir   string             `json:"crops_dir"`
	Rectangles []domain.Rectangle `json:"rectangles"`
}

// Recognizer распознаёт текст в нарезанных регионах <cropsDir>/<imageId>.
type Recognizer struct {
	client   *Client
	cropsDir string
}

// NewRecognizer создаёт локальный распознаватель.
func NewRecognizer(client *Client, cropsDir string) *Recognizer {
	return &Recognizer{client: client, cropsDir: cropsDir}
}

// Recognize реализует processor.Recognizer.
func (r *Recognizer) Recognize(ctx context.Context, imageID string, rects []domain.Rectangle) (*domain.OCRResult, error) {
	return r.client.Recognize(ctx, imageID, r.cropsDir, rects)
}

// Recognize распознаёт текст в регионах.
func (c *Client) Recognize(ctx context.Context, imageID, cropsDir string, rects []domain.Rectangle) (*domain.OCRResult, error) {
	var result domain.OCRResult
	err := c.post(ctx, "/ocr", recognizeRequest{
		ImageID:    imageID,
		CropsDir:   cropsDir,
		Rectangles: rects,
	}, &result)
	if err != nil {
		return nil, err
	}

	if !result.Success {
		return nil, fmt.Errorf("%w: ocr: %s", ErrFailed, orUnknown(result.Error))
	}
	if result.ImageID == "" {
		result.ImageID = imageID
	}
	return &result, nil
}

// post отправляет JSON и разбирает JSON-ответ в out.
func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: marshal body: %v", ErrRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: create request: %v", ErrRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRequest, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrRequest, err)
	}

	telemetry.FromContext(ctx).Debug("inference call",
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: %s: HTTP %d: %s", ErrRequest, path, resp.StatusCode, truncate(string(respBody), 200))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrRequest, err)
	}
	return nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown error"
	}
	return s
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
