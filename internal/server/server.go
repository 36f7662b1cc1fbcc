// Package server exposes the memory engine over HTTP.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/strataworks/strata/internal/engine"
)

// Server is the strata HTTP API server.
type Server struct {
	eng     *engine.Engine
	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server around the given engine and version string.
func New(eng *engine.Engine, version string) *Server {
	s := &Server{
		eng:     eng,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)

		r.Route("/concepts/{key}", func(r chi.Router) {
			r.Post("/touch", s.handleTouch)
			r.Post("/reinforce", s.handleReinforce)
			r.Post("/deposit", s.handleDeposit)
			r.Post("/hypervector", s.handleHypervector)
			r.Get("/valence", s.handleValence)
			r.Get("/context", s.handleContext)
			r.Get("/similar", s.handleSimilar)
		})

		r.Get("/nearest", s.handleNearest)
		r.Post("/drift", s.handleDrift)
		r.Post("/snapshot", s.handleSnapshot)
		r.Post("/restore", s.handleRestore)
		r.Get("/fossils/{key}", s.handleFossil)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.eng.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"records": st.Records,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.eng.Stats())
}
