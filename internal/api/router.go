package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouteRegistrar mounts a handler group on a sub-router. Handlers are wired
// in main and injected here so the router package never depends on them.
type RouteRegistrar func(r chi.Router)

// NewRouter builds the admin API router. Each registrar is mounted under
// its path prefix relative to /api.
func NewRouter(registrars map[string]RouteRegistrar) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		for prefix, register := range registrars {
			r.Route(prefix, func(r chi.Router) {
				register(r)
			})
		}
	})

	return r
}
