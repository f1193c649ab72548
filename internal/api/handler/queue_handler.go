package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apimw "github.com/lodgeworks/dispatchq/internal/api/middleware"
	"github.com/lodgeworks/dispatchq/internal/domain"
	"github.com/lodgeworks/dispatchq/internal/queue"
)

// QueueHandler handles the queue item CRUD endpoints.
type QueueHandler struct {
	svc    *queue.Service
	logger *zap.Logger
}

func NewQueueHandler(svc *queue.Service, logger *zap.Logger) *QueueHandler {
	return &QueueHandler{svc: svc, logger: logger}
}

// Enqueue handles POST /api/v1/queue
//
// Returns 201 for a newly created item, 200 with the existing item when the
// enqueue was suppressed as a duplicate.
func (h *QueueHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req domain.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	item, isDuplicate, err := h.svc.Enqueue(r.Context(), req)
	if err != nil {
		h.logger.Warn("enqueue failed",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}

	status := http.StatusCreated
	if isDuplicate {
		status = http.StatusOK
	}
	respondJSON(w, status, item)
}

// GetByID handles GET /api/v1/queue/{id}
func (h *QueueHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, item)
}

// Search handles GET /api/v1/queue
//
// Free-text lookup over target, metadata, payload, and error message, with
// optional status and kind filters.
func (h *QueueHandler) Search(w http.ResponseWriter, r *http.Request) {
	filter := parseSearchFilter(r)
	items, err := h.svc.Search(r.Context(), filter)
	if err != nil {
		h.logger.Error("search failed",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		respondError(w, http.StatusInternalServerError, "failed to search queue items")
		return
	}
	if items == nil {
		items = []*domain.QueueItem{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"data":  items,
		"count": len(items),
	})
}

// Cancel handles DELETE /api/v1/queue/{id}
func (h *QueueHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Cancel(r.Context(), id); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stats handles GET /api/v1/queue/stats
func (h *QueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load queue stats")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func parseSearchFilter(r *http.Request) domain.SearchFilter {
	q := r.URL.Query()
	filter := domain.SearchFilter{Term: q.Get("q")}

	if s := q.Get("status"); s != "" {
		st := domain.Status(s)
		filter.Status = &st
	}
	if k := q.Get("kind"); k != "" {
		kd := domain.Kind(k)
		filter.Kind = &kd
	}
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 && l <= 200 {
		filter.Limit = l
	}
	return filter
}
