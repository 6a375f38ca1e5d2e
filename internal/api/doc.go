// Package api содержит служебный HTTP сервер воркера.
//
// Структура:
//   - handler.go      — Handler с зависимостями (tasks, хранилище результатов, logger)
//   - routes.go       — регистрация маршрутов
//   - middleware.go   — middleware (request id, recovery, logging + метрики)
//   - response.go     — унифицированные JSON-ответы и обработка ошибок
//   - task_handler.go — постановка задач, статусы, результаты, уведомления
//   - health.go       — /healthz, /readyz, /api/v1/queue/status
//
// Загрузка файлов (multipart) сюда не входит: изображения приходят base64
// в теле задачи или уже лежат в каталоге загрузок.
package api
