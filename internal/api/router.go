// Package api wires the HTTP surface: routing, middleware chain, and the
// handler collection over the intent pipeline, fleet supervisor, audit
// trail, and GitHub webhook.
package api

import (
	"os"
	"strings"

	"github.com/lattice-run/lattice/internal/api/handlers"
	"github.com/lattice-run/lattice/internal/api/middleware"
	"github.com/lattice-run/lattice/internal/config"
	"github.com/lattice-run/lattice/internal/webhook"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Handlers bundles every handler collection the router needs.
type Handlers struct {
	Intents *handlers.Intents
	Fleet   *handlers.Fleet
	Audit   *handlers.Audit
	Webhook *webhook.Handler
}

// NewRouter builds the HTTP router with the full middleware chain and every
// route named in the control plane's external interface.
func NewRouter(cfg *config.Config, h *Handlers, apiKeyAuth *middleware.APIKeyAuth) chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Actor)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)

	if apiKeyAuth != nil {
		r.Use(apiKeyAuth.Middleware)
	}

	corsOrigins := parseCORSOrigins()
	isWildcard := len(corsOrigins) == 1 && corsOrigins[0] == "*"
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", "X-API-Key"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: !isWildcard,
		MaxAge:           300,
	}))

	r.Get("/health", handlers.Health)
	r.Get("/version", handlers.Version(cfg.Version))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/intents", func(r chi.Router) {
			r.Get("/", h.Intents.List)
			r.Post("/", h.Intents.Propose)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.Intents.Get)
				r.Post("/approve", h.Intents.Approve)
				r.Post("/reject", h.Intents.Reject)
				r.Post("/cancel", h.Intents.Cancel)
			})
		})

		r.Route("/fleet", func(r chi.Router) {
			r.Get("/", h.Fleet.List)
			r.Get("/{id}", h.Fleet.Get)
			r.Post("/wake", h.Fleet.Wake)
			r.Post("/sleep", h.Fleet.Sleep)
			r.Post("/audit", h.Fleet.Audit)
			r.Post("/{id}/runs", h.Fleet.ExecuteRun)
			r.Get("/{id}/runs/{runID}", h.Fleet.GetRun)
		})

		r.Route("/audit", func(r chi.Router) {
			r.Get("/", h.Audit.List)
		})
	})

	r.Route("/api/webhooks", func(r chi.Router) {
		r.Post("/github", h.Webhook.ServeHTTP)
	})

	return r
}

// parseCORSOrigins reads allowed CORS origins from the environment.
// Default: wildcard (open access, no credentials).
func parseCORSOrigins() []string {
	originsEnv := os.Getenv("LATTICE_CORS_ORIGINS")
	if originsEnv == "" {
		return []string{"*"}
	}
	var origins []string
	for _, o := range strings.Split(originsEnv, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
