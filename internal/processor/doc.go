// Package processor содержит обработчики очередей задач.
//
// Обработчики:
//   - DetectionProcessor    — document.analysis, python.document.detection
//   - OCRProcessor          — ocr.process, python.ocr
//   - NotificationProcessor — notifications
//
// Общая часть (Base) отвечает за consumer'ы, счётчики, остановку
// с ожиданием задач в работе и политику повторов:
//
//	retryCount < maxRetries  → retryCount+1, публикация в ту же очередь, ack
//	иначе                    → nack без requeue (dead.letter.queue)
//
// Всего задача выполняется не более maxRetries+1 раз.
package processor
