// Package api exposes the operator HTTP surface of the tracker.
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

const healthPath = "/api/v1/health"

type RouterConfig struct {
	Handler        *Handler
	APIKeys        []string
	AllowedOrigins []string
}

// NewRouter builds the chi router with the global middleware stack.
func NewRouter(cfg RouterConfig) *chi.Mux {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(Recovery)
	r.Use(RequestID)
	r.Use(Logging)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-API-Key"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	h := cfg.Handler
	r.Group(func(r chi.Router) {
		r.Use(APIKeyAuth(cfg.APIKeys))

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/health", h.Health)
			r.Get("/status", h.Status)
			r.Post("/kill-switch/{state}", h.SetKillSwitch)
			r.Post("/safe-mode/{state}", h.SetSafeMode)

			r.Route("/products", func(r chi.Router) {
				r.Get("/", h.ListProducts)
				r.Post("/", h.AddProduct)
				r.Route("/{id}", func(r chi.Router) {
					r.Delete("/", h.RemoveProduct)
					r.Post("/check", h.CheckProduct)
					r.Post("/enable", h.EnableProduct)
					r.Get("/history", h.ProductHistory)
				})
			})
		})
	})

	return r
}

