package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/lodgeworks/dispatchq/internal/dispatch"
)

// DispatchHandler exposes a cron-friendly trigger for one dispatch cycle,
// for deployments that prefer an external scheduler over the built-in loop.
type DispatchHandler struct {
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger
}

func NewDispatchHandler(d *dispatch.Dispatcher, logger *zap.Logger) *DispatchHandler {
	return &DispatchHandler{dispatcher: d, logger: logger}
}

// Run handles POST /api/v1/queue/dispatch
func (h *DispatchHandler) Run(w http.ResponseWriter, r *http.Request) {
	result, err := h.dispatcher.RunCycle(r.Context())
	if err != nil {
		h.logger.Error("triggered dispatch cycle failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "dispatch cycle failed")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// HealthHandler serves the liveness probe endpoint.
type HealthHandler struct{}

func NewHealthHandler() *HealthHandler { return &HealthHandler{} }

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
