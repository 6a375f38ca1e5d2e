// Package correlation реализует синхронный request/response поверх двух
// очередей RabbitMQ для партнёрского OCR-сервиса.
//
// Поток:
//
//	Service.Recognize → PendingTable.Register → python.to.node.ocr
//	node.to.python.ocr.result → Listener.Handle → PendingTable.Complete/Fail
//	                                           → ожидающий Recognize
//
// Каждому запросу соответствует одноразовый канал, опроса нет.
// Ответ, пришедший после таймаута, подтверждается и отбрасывается.
package correlation
