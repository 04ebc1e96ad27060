package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nerrad567/gray-logic-agent/internal/auth"
)

// Handler returns the HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(requestID)
	r.Use(s.logRequests)
	r.Use(s.recoverPanics)
	r.Use(s.cors)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, msgNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, msgMethodNotAllowed)
	})

	// Health check (no auth required)
	r.Get("/health", s.handleHealth)

	// Entity store
	r.Group(func(r chi.Router) {
		r.Use(s.requireRole(auth.PermEntityRead, auth.PermEntityWrite))
		r.Use(s.limitBody)

		r.Post("/v1/entities", s.handleRegisterEntity)
		r.Get("/v1/entities", s.handleListEntities)
		r.Get("/v1/entities/*", s.handleGetResource)
		r.Put("/v1/entities/*", s.handlePutResource)
		r.Patch("/v1/entities/*", s.handlePatchResource)
		r.Delete("/v1/entities/*", s.handleDeleteResource)
	})

	// Command state events
	r.With(s.requireRole(auth.PermEventsRead, auth.PermEventsRead)).
		Get(s.wsPath(), s.handleWebSocket)

	// File transfer service
	r.Route("/te/v1/files", func(r chi.Router) {
		r.Use(s.requireRole(auth.PermFileRead, auth.PermFileWrite))
		r.Use(liftDeadlines)

		r.Get("/*", s.handleGetFile)
		r.Put("/*", s.handlePutFile)
		r.Delete("/*", s.handleDeleteFile)
	})

	return r
}

// defaultWSPath is the WebSocket endpoint.
const defaultWSPath = "/v1/ws"

func (s *Server) wsPath() string {
	if s.wsCfg.Path == "" {
		return defaultWSPath
	}
	return s.wsCfg.Path
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"clients": s.hub.ClientCount(),
	})
}
