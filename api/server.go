/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for admin tooling

ROUTE GROUPS:
  /api/types                                   Configured credit types
  /api/subjects/{subjectType}/{subjectID}/*    Balances and wallet operations
  /api/entries/*                               Entry creation, expiry, proration
  /metrics                                     Prometheus scrape endpoint
  /healthz                                     Liveness

SECURITY NOTE:
  No authentication middleware. Deploy behind the billing network boundary.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured. With no
// origins given, any origin is allowed.
func NewRouter(h *Handler, allowedOrigins ...string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/types", h.ListTypes)

		// Wallet routes
		r.Route("/subjects/{subjectType}/{subjectID}", func(r chi.Router) {
			r.Get("/balances", h.GetBalances)
			r.Get("/balances/{creditType}", h.GetBalance)
			r.Get("/entries", h.ListEntries)
			r.Get("/spent", h.GetSpentOnDate)
			r.Get("/usage/current", h.GetCurrentUsage)

			r.Route("/credits/{creditType}", func(r chi.Router) {
				r.Post("/add", h.AddCredits)
				r.Post("/remove", h.RemoveCredits)
				r.Post("/spend", h.SpendCredits)
				r.Post("/usage/expire", h.ExpireUsage)
			})
		})

		// Entry routes
		r.Route("/entries", func(r chi.Router) {
			r.Post("/", h.CreateEntry)
			r.Get("/{id}", h.GetEntry)
			r.Post("/{id}/expire", h.ExpireEntry)
			r.Post("/{id}/prorate", h.ProrateEntry)
		})
	})

	return r
}
