// Package telemetry обеспечивает наблюдаемость docflow.
//
// Включает:
//   - logging.go — structured logging через slog
//   - metrics.go — Prometheus метрики очередей, задач, корреляции, обслуживания и HTTP
//
// Все компоненты пишут логи в едином формате,
// метрики экспортируются на /metrics endpoint воркера.
package telemetry
