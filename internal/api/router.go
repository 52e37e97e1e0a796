package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/notifyhub/send-throttle/internal/api/handler"
	apimw "github.com/notifyhub/send-throttle/internal/api/middleware"
	"github.com/notifyhub/send-throttle/internal/service"
)

const hotPathPrefix = "/api/v1/throttle/"

// Deps are the collaborators the HTTP surface needs besides the engine.
type Deps struct {
	Gatherer     prometheus.Gatherer
	Events       handler.EventBuffer
	StorageState func() string
}

// NewRouter wires the chi router, attaches all middleware, and registers
// every route. It is the single source of truth for the HTTP surface area.
func NewRouter(engine *service.Engine, deps Deps, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- global middleware (applied to every route) ---
	r.Use(chimw.Recoverer)            // recover panics, return 500
	r.Use(chimw.RealIP)               // trust X-Forwarded-For / X-Real-IP
	r.Use(chimw.RequestSize(1 << 20)) // 1 MB max request body
	r.Use(apimw.CorrelationID)        // X-Correlation-ID inject / echo
	r.Use(apimw.RequestLogger(logger, hotPathPrefix))

	// --- handler instances ---
	th := handler.NewThrottleHandler(engine, logger)
	tnh := handler.NewTenantHandler(engine, logger)
	mh := handler.NewMetricsHandler(deps.Events, deps.StorageState)
	hh := handler.NewHealthHandler(deps.StorageState)

	// --- routes ---
	r.Get("/health", hh.Health)
	r.Get("/ready", hh.Ready)

	// Raw Prometheus scrape endpoint (for Prometheus server / Grafana)
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Per-message calls from dispatch workers
		r.Post("/throttle/check", th.Check)
		r.Post("/throttle/results", th.RecordResult)

		r.Post("/campaigns/admission", th.CampaignAdmission)

		r.Route("/tenants/{tenantID}", func(r chi.Router) {
			r.Get("/tier", tnh.GetTier)
			r.Post("/tier/invalidate", tnh.InvalidateTier)
			r.Get("/stats", tnh.GetStats)
			r.Post("/senders/{phone}/resume", tnh.ResumeSender)
			r.Post("/senders/{phone}/suspend", tnh.SuspendSender)
		})

		// JSON runtime snapshot
		r.Get("/metrics", mh.GetMetrics)
	})

	return r
}
