package correlation

import (
	"github.com/shaiso/docflow/internal/domain"
	"github.com/shaiso/docflow/internal/mq"
)

// ConvertResult переводит ответ партнёра в стабильную форму:
// rectangleId → id, imageId → image_id и т.д.
func ConvertResult(msg *mq.OCRResultMessage) *domain.OCRResult {
	results := make([]domain.RegionText, 0, len(msg.Results))
	for _, r := range msg.Results {
		results = append(results, domain.RegionText{
			ID:         r.RectangleID,
			Text:       r.Text,
			Success:    r.Success,
			Confidence: r.Confidence,
			Error:      r.Error,
		})
	}

	return &domain.OCRResult{
		Success:              msg.Success,
		Results:              results,
		ImageID:              msg.ImageID,
		ProcessingTime:       msg.ProcessingTime,
		TotalRectangles:      msg.TotalRectangles,
		SuccessfulRectangles: msg.SuccessfulRectangles,
		Error:                msg.Error,
	}
}
