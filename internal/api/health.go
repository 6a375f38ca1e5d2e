package api

import (
	"net/http"
)

// Healthz — процесс жив.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz — брокер подключён, обработчики и слушатель результатов живы.
// GET /readyz
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	st := h.tasks.GetQueueStatus(r.Context())
	if !st.Healthy {
		JSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"broker": st.Broker,
		})
		return
	}

	JSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// QueueStatus возвращает состояние очередей и обработчиков.
// GET /api/v1/queue/status
func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	Success(w, h.tasks.GetQueueStatus(r.Context()))
}
