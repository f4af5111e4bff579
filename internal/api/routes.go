package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes builds the router. metricsHandler, when non-nil, is served at /metrics.
func (h *Handler) Routes(m *Middleware, corsOrigins []string, rateLimitRPM int, metricsHandler http.Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(m.RequestID)
	r.Use(m.RequestLogger)
	r.Use(m.Recoverer)
	r.Use(m.SecurityHeaders)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(m.CORS(corsOrigins))

	// Health endpoints
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	// The event stream is long lived and must skip the timeout and compression wrappers.
	r.Get("/v1/events", h.HandleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(m.Compress)
		r.Use(m.Timeout(15 * time.Second))
		r.Use(m.RateLimit(rateLimitRPM))

		r.Route("/v1", func(r chi.Router) {
			r.Route("/bridge", func(r chi.Router) {
				r.Get("/node", h.NodeInfo)

				r.Route("/chains", func(r chi.Router) {
					r.Get("/", h.ListChains)
					r.Post("/", h.RegisterChain)
					r.Post("/{chain}/headers", h.TrackHeader)
				})

				r.Route("/locks", func(r chi.Router) {
					r.Post("/", h.InitiateLock)
					r.Get("/{id}", h.GetLock)
					r.Post("/{id}/claim", h.ClaimLock)
					r.Post("/{id}/refund", h.RefundLock)
				})

				r.Post("/inbound", h.DetectInbound)
				r.Get("/pending/{destination}", h.PendingFor)
			})

			r.Get("/relayer/metrics", h.RelayerMetrics)
		})
	})

	return r
}
