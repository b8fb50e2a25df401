/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for internal tooling

ROUTE GROUPS:
  /api/awards, /api/transfers, /api/reversals    Ledger operations
  /api/publishes, /api/attributions              Reward settlement
  /api/accounts/{id}/*                           Read-only queries
  /healthz                                       Liveness probe

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
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Ledger operations
		r.Post("/awards", h.CreateAward)
		r.Post("/transfers", h.CreateTransfer)
		r.Post("/reversals", h.CreateReversal)

		// Reward settlement
		r.Post("/publishes", h.SettlePublish)
		r.Post("/attributions", h.SettleAttribution)

		// Account queries
		r.Route("/accounts/{id}", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/history", h.GetHistory)
		})
	})

	// Liveness probe
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}
