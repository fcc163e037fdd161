package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/viewmill/outbox-queue/internal/api/handler"
	apimw "github.com/viewmill/outbox-queue/internal/api/middleware"
	"github.com/viewmill/outbox-queue/internal/service"
)

// NewRouter wires the chi router, attaches all middleware, and registers
// every route. It is the single source of truth for the HTTP surface area.
func NewRouter(
	svc *service.QueueService,
	reg prometheus.Gatherer,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	// --- global middleware (applied to every route) ---
	r.Use(chimw.Recoverer)          // recover panics, return 500
	r.Use(chimw.RealIP)             // trust X-Forwarded-For / X-Real-IP
	r.Use(chimw.RequestSize(1<<20)) // 1 MB max request body
	r.Use(apimw.RequestID)          // X-Request-ID inject / echo
	r.Use(apimw.RequestLogger(logger))

	// --- handler instances ---
	eh := handler.NewEntryHandler(svc, logger)
	qh := handler.NewQueueHandler(svc)
	dh := handler.NewDLQHandler(svc, logger)
	hh := handler.NewHealthHandler()

	// --- routes ---
	r.Get("/health", hh.Health)

	// Raw Prometheus scrape endpoint (for Prometheus server / Grafana)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		// Entries. /batch must be registered before /{id} so chi
		// does not treat the literal string "batch" as an ID.
		r.Post("/entries/batch", eh.CreateBatch)
		r.Post("/entries", eh.Create)
		r.Get("/entries", eh.ListPending)
		r.Get("/entries/{id}", eh.GetByID)
		r.Post("/entries/{id}/reset", eh.Reset)

		// Queue observability
		r.Get("/queue/stats", qh.Stats)
		r.Get("/queue/stale", qh.Stale)

		// Dead-letter queue
		r.Get("/dlq", dh.List)
		r.Post("/dlq/{id}/replay", dh.Replay)
	})

	return r
}
