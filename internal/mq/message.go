package mq

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/docflow/internal/domain"
)

// MessageVersion — версия конверта сообщений.
const MessageVersion = "1.0"

// Timestamp — время в сообщениях.
//
// Канонический формат на проводе — строка RFC3339Nano в UTC.
// При разборе принимаются также ISO-8601 без зоны (считается UTC)
// и Unix epoch числом: секунды (float) или миллисекунды.
type Timestamp struct {
	time.Time
}

// Now возвращает текущее время в UTC.
func Now() Timestamp {
	return Timestamp{Time: time.Now().UTC()}
}

// epochMillisThreshold — числа больше считаются миллисекундами (после 2001-09-09 в мс).
const epochMillisThreshold = 1e12

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// MarshalJSON пишет RFC3339Nano UTC, нулевое время — null.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON принимает строку или число.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		for _, layout := range isoLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				t.Time = parsed.UTC()
				return nil
			}
		}
		return fmt.Errorf("%w: bad timestamp %q", ErrSerialization, s)
	}

	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("%w: bad timestamp %s", ErrSerialization, b)
	}
	if f > epochMillisThreshold {
		f /= 1000
	}
	sec, frac := math.Modf(f)
	t.Time = time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
	return nil
}

// TaskMessage — сообщение задачи в очередях обработчиков.
//
// RetryCount начинается с 0 и увеличивается только обработчиком
// при повторной постановке в очередь.
type TaskMessage struct {
	MessageID string    `json:"messageId"`
	Timestamp Timestamp `json:"timestamp"`
	Version   string    `json:"version"`

	TaskID  string `json:"taskId"`
	UserID  string `json:"userId"`
	ImageID string `json:"imageId"`

	// ImageData — base64 изображения (document.analysis), допускается data-URL префикс.
	ImageData        string             `json:"imageData,omitempty"`
	OriginalFilename string             `json:"originalFilename,omitempty"`
	Rectangles       []domain.Rectangle `json:"rectangles,omitempty"`

	Payload  json.RawMessage `json:"payload,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
	Priority int             `json:"priority"`

	RetryCount int `json:"retryCount"`

	// MaxRetries — nil, если отправитель не указал (берётся значение обработчика).
	MaxRetries *int `json:"maxRetries,omitempty"`

	CreatedAt Timestamp `json:"createdAt"`
}

// NewTaskMessage создаёт сообщение с новым messageId и текущим временем.
func NewTaskMessage(taskID, userID, imageID string) *TaskMessage {
	now := Now()
	return &TaskMessage{
		MessageID: uuid.NewString(),
		Timestamp: now,
		Version:   MessageVersion,
		TaskID:    taskID,
		UserID:    userID,
		ImageID:   imageID,
		CreatedAt: now,
	}
}

// MaxRetriesOr возвращает maxRetries сообщения или def.
func (m *TaskMessage) MaxRetriesOr(def int) int {
	if m.MaxRetries == nil || *m.MaxRetries < 0 {
		return def
	}
	return *m.MaxRetries
}

// WithRetryCount возвращает то же сообщение с новым retryCount.
//
// Работает с сырым JSON, поэтому поля, которых нет в TaskMessage,
// переживают повторную постановку в очередь.
func WithRetryCount(body []byte, retryCount int) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: message is not an object", ErrSerialization)
	}

	raw, err := json.Marshal(retryCount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	fields["retryCount"] = raw

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return out, nil
}

// StatusMessage — обновление статуса задачи (task.status.update).
type StatusMessage struct {
	MessageID string    `json:"messageId"`
	Timestamp Timestamp `json:"timestamp"`
	Version   string    `json:"version"`

	TaskID   string       `json:"taskId"`
	UserID   string       `json:"userId"`
	Status   string       `json:"status"`
	Progress int          `json:"progress"`
	Message  string       `json:"message,omitempty"`
	Result   any          `json:"result,omitempty"`
	Error    *StatusError `json:"error,omitempty"`
}

// StatusError — описание ошибки в статусе задачи.
type StatusError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp Timestamp `json:"timestamp"`
}

// NotificationMessage — уведомление пользователя (user.notification, notifications).
type NotificationMessage struct {
	MessageID string    `json:"messageId"`
	Timestamp Timestamp `json:"timestamp"`
	Version   string    `json:"version"`

	UserID   string   `json:"userId"`
	TaskID   string   `json:"taskId,omitempty"`
	Type     string   `json:"type"`
	Title    string   `json:"title,omitempty"`
	Message  string   `json:"message,omitempty"`
	Data     any      `json:"data,omitempty"`
	Priority string   `json:"priority,omitempty"`
	Channels []string `json:"channels,omitempty"`

	RetryCount int  `json:"retryCount,omitempty"`
	MaxRetries *int `json:"maxRetries,omitempty"`
}

// OCRRequest — запрос к партнёрскому OCR-сервису (python.to.node.ocr).
type OCRRequest struct {
	RequestID string     `json:"requestId"`
	ImageID   string     `json:"imageId"`
	Timestamp Timestamp  `json:"timestamp"`
	CropsData []CropData `json:"cropsData"`
	Options   OCROptions `json:"options"`
}

// OCROptions — параметры распознавания.
type OCROptions struct {
	LanguageHints        []string `json:"languageHints"`
	RecognitionDirection string   `json:"recognitionDirection"`
	RecognitionMode      string   `json:"recognitionMode"`
}

// DefaultOCROptions — китайский и английский, горизонтальный текст.
func DefaultOCROptions() OCROptions {
	return OCROptions{
		LanguageHints:        []string{"zh-CN", "en"},
		RecognitionDirection: "horizontal",
		RecognitionMode:      "text",
	}
}

// CropData — вырезанный регион в запросе.
type CropData struct {
	RectangleID    domain.RectID    `json:"rectangleId"`
	RectangleClass string           `json:"rectangleClass"`
	ImageData      string           `json:"imageData"`
	RectangleInfo  domain.Rectangle `json:"rectangleInfo"`
}

// OCRResultMessage — ответ партнёра (node.to.python.ocr.result).
type OCRResultMessage struct {
	RequestID            string          `json:"requestId"`
	ImageID              string          `json:"imageId"`
	Success              bool            `json:"success"`
	Results              []PartnerResult `json:"results"`
	Error                string          `json:"error,omitempty"`
	ProcessingTime       float64         `json:"processingTime"`
	TotalRectangles      int             `json:"totalRectangles"`
	SuccessfulRectangles int             `json:"successfulRectangles"`
}

// PartnerResult — результат одного региона в схеме партнёра.
type PartnerResult struct {
	RectangleID domain.RectID `json:"rectangleId"`
	Text        string        `json:"text"`
	Success     bool          `json:"success"`
	Confidence  float64       `json:"confidence"`
	Error       string        `json:"error,omitempty"`
}
