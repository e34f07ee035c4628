package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/ternarybob/polymer/internal/common"
	"github.com/ternarybob/polymer/internal/handlers"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes(h Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(chimw.CleanPath)

	r.Get("/health", s.health)

	r.Route("/api", func(api chi.Router) {
		api.Route("/tasks", func(tasks chi.Router) {
			tasks.Get("/", h.Tasks.List)
			tasks.Get("/{name}", h.Tasks.Get)
			tasks.Post("/{name}/run", h.Tasks.Run)
		})

		api.Route("/assets", func(assets chi.Router) {
			assets.Get("/", h.Assets.List)
			assets.Get("/{id}", h.Assets.Get)
			assets.Get("/{id}/file", h.Assets.File)
		})
		api.Get("/tags", h.Assets.Tags)
		api.Get("/users", h.Assets.Users)

		api.Route("/categories", func(categories chi.Router) {
			categories.Get("/", h.Categories.List)
			categories.Post("/", h.Categories.Create)
			categories.Get("/{id}", h.Categories.Get)
			categories.Put("/{id}", h.Categories.Update)
			categories.Delete("/{id}", h.Categories.Delete)
		})
	})

	return r
}

// health handles GET /health
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	_ = handlers.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": common.GetVersion(),
	})
}
