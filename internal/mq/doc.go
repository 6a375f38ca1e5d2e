// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — соединение, канал, переподключение по политике
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация сообщений с повторами
//   - consumer.go   — потребление сообщений с ручным ack
//   - supervise.go  — перезапуск циклов потребления с backoff
//   - message.go    — форматы сообщений на проводе
//
// Очереди обработчиков:
//   - document.analysis, python.document.detection — детекция регионов
//   - ocr.process, python.ocr                      — распознавание текста
//   - notifications                                — внутренние уведомления
//
// Обмен с партнёрским OCR-сервисом:
//   - python.to.node.ocr         — запросы (requestId)
//   - node.to.python.ocr.result  — ответы с тем же requestId
//
// Exchanges:
//   - ocr.direct  — статусы задач и уведомления пользователей
//   - dead.letter — отклонённые сообщения (dead.letter.queue)
package mq
