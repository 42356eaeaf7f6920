// Package api serves the dashboard REST and SSE endpoints.
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/annalhq/annal/internal/config"
	"github.com/annalhq/annal/internal/events"
	"github.com/annalhq/annal/internal/pool"
)

func NewRouter(cfg *config.Config, p *pool.Pool, bus *events.Bus) *chi.Mux {
	h := NewHandlers(cfg, p, bus)

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware)

	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/projects", h.ListProjects)
		r.Post("/search", h.CrossProjectSearch)

		r.Route("/projects/{project}", func(r chi.Router) {
			r.Get("/stats", h.ProjectStats)
			r.Get("/topics", h.ProjectTopics)
			r.Get("/stale", h.ProjectStale)
			r.Get("/memories", h.BrowseMemories)
			r.Post("/search", h.SearchMemories)
			r.Delete("/memories/{id}", h.DeleteMemory)
			r.Post("/memories/bulk-delete", h.BulkDelete)
			r.Post("/reconcile", h.Reconcile)
			r.Get("/index-status", h.IndexStatus)
		})

		r.Get("/events", h.RecentEvents)
		r.Get("/events/stream", h.StreamEvents)
	})

	return r
}
