package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// IsSafeName — id можно использовать как имя файла: непустой, без
// разделителей пути, не "." и не "..".
func IsSafeName(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, "/\\\x00")
}

// CheckRectIDs возвращает первый id региона, непригодный для имени файла.
func CheckRectIDs(rects []Rectangle) (RectID, bool) {
	for _, r := range rects {
		if !IsSafeName(string(r.ID)) {
			return r.ID, false
		}
	}
	return "", true
}

// RectID — идентификатор региона.
//
// На проводе всегда строка; числовые id из старых клиентов
// принимаются и приводятся к строке.
type RectID string

// UnmarshalJSON принимает строку или число.
func (id *RectID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = RectID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("rectangle id: %w", err)
	}
	*id = RectID(n.String())
	return nil
}

// Rectangle — регион документа, найденный детектором или размеченный пользователем.
type Rectangle struct {
	ID         RectID  `json:"id"`
	Class      string  `json:"class,omitempty"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Confidence float64 `json:"confidence,omitempty"`
}

// IsFigure — регионы-иллюстрации не распознаются.
func (r Rectangle) IsFigure() bool {
	return equalFold(r.Class, "figure")
}

// DetectedObject — объект, найденный детектором разметки.
type DetectedObject struct {
	Class      string    `json:"class"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"`
}

// DetectionResult — результат детекции разметки.
type DetectionResult struct {
	Success bool             `json:"success"`
	Width   int              `json:"width"`
	Height  int              `json:"height"`
	Objects []DetectedObject `json:"objects"`
	Error   string           `json:"error,omitempty"`
}

// RegionText — распознанный текст одного региона.
// Стабильная форма для потребителей, независимая от схемы партнёра.
type RegionText struct {
	ID         RectID  `json:"id"`
	Text       string  `json:"text"`
	Success    bool    `json:"success"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}

// OCRResult — результат распознавания набора регионов.
type OCRResult struct {
	Success              bool         `json:"success"`
	Results              []RegionText `json:"results"`
	ImageID              string       `json:"image_id,omitempty"`
	ProcessingTime       float64      `json:"processing_time"`
	TotalRectangles      int          `json:"total_rectangles"`
	SuccessfulRectangles int          `json:"successful_rectangles"`
	Error                string       `json:"error,omitempty"`
}

func equalFold(a, b string) bool {
	return bytes.EqualFold([]byte(a), []byte(b))
}
