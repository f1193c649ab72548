package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lodgeworks/dispatchq/internal/api/handler"
	apimw "github.com/lodgeworks/dispatchq/internal/api/middleware"
	"github.com/lodgeworks/dispatchq/internal/dispatch"
	"github.com/lodgeworks/dispatchq/internal/queue"
)

// NewRouter wires the chi router, attaches all middleware, and registers
// every route. It is the single source of truth for the HTTP surface area.
func NewRouter(
	svc *queue.Service,
	dispatcher *dispatch.Dispatcher,
	reg prometheus.Gatherer,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	// --- global middleware (applied to every route) ---
	r.Use(chimw.Recoverer)          // recover panics, return 500
	r.Use(chimw.RealIP)             // trust X-Forwarded-For / X-Real-IP
	r.Use(chimw.RequestSize(1 << 20)) // 1 MB max request body
	r.Use(apimw.CorrelationID)      // X-Correlation-ID inject / echo
	r.Use(apimw.RequestLogger(logger))

	// --- handler instances ---
	qh := handler.NewQueueHandler(svc, logger)
	dh := handler.NewDispatchHandler(dispatcher, logger)
	hh := handler.NewHealthHandler()

	// --- routes ---
	r.Get("/health", hh.Health)

	// Raw Prometheus scrape endpoint
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		// Note: /queue/stats and /queue/dispatch must be registered before
		// /queue/{id} so chi does not treat the literal segments as an ID.
		r.Get("/queue/stats", qh.Stats)
		r.Post("/queue/dispatch", dh.Run)
		r.Post("/queue", qh.Enqueue)
		r.Get("/queue", qh.Search)
		r.Get("/queue/{id}", qh.GetByID)
		r.Delete("/queue/{id}", qh.Cancel)
	})

	return r
}
