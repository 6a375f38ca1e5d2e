package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		RequestID(h.logger),
		Recovery(h.logger),
		Logging(),
	)

	// Probes и метрики — без логирования каждого запроса
	mux.Handle("GET /healthz", Recovery(h.logger)(http.HandlerFunc(h.Healthz)))
	mux.Handle("GET /readyz", Recovery(h.logger)(http.HandlerFunc(h.Readyz)))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("GET /api/v1/queue/status", chain(http.HandlerFunc(h.QueueStatus)))

	// Tasks
	mux.Handle("POST /api/v1/tasks", chain(http.HandlerFunc(h.SubmitTask)))
	mux.Handle("GET /api/v1/tasks/{id}", chain(http.HandlerFunc(h.GetTask)))
	mux.Handle("GET /api/v1/tasks/{id}/result", chain(http.HandlerFunc(h.GetTaskResult)))

	// Notifications
	mux.Handle("GET /api/v1/users/{id}/notifications", chain(http.HandlerFunc(h.ListNotifications)))
}
