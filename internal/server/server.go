// Package server is the HTTP surface over the gateway facade: thin
// JSON handlers plus an SSE renderer for chat streams. All domain
// behavior lives below the facade; handlers only translate.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/modelgate/modelgate/internal/gateway"
	"github.com/modelgate/modelgate/internal/logging"
	"github.com/modelgate/modelgate/internal/registry"
	"github.com/modelgate/modelgate/internal/version"
)

// Server holds the HTTP dependencies.
type Server struct {
	gw    *gateway.Gateway
	reg   *registry.Registry
	flows *flowTracker
}

// New creates the HTTP server surface.
func New(gw *gateway.Gateway, reg *registry.Registry) *Server {
	return &Server{
		gw:    gw,
		reg:   reg,
		flows: newFlowTracker(),
	}
}

// Router builds the route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/providers", s.handleProviders)

		r.Post("/sessions", s.handleCreateSession)
		r.Post("/sessions/flows/{flowID}", s.handleCompleteFlow)
		r.Post("/sessions/{provider}/{name}/refresh", s.handleRefresh)
		r.Delete("/sessions/{provider}/{authType}/{name}", s.handleDelete)

		r.Get("/models/{provider}/{authType}/{name}", s.handleListModels)
		r.Post("/chat", s.handleChat)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
		"commit":  version.Commit,
	})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"providers": s.reg.Providers(),
	})
}

// requestIDMiddleware tags every request context with an ID the lower
// layers can log.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.WithRequestID(r.Context(), logging.GenerateRequestID())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
