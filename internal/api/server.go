// Package api defines the HTTP surface: report job management, the
// progress WebSocket channel, session auth, and operational endpoints.
// Routes are set up with chi and linked to the handler functions.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rivalscope/rivalscope/internal/core"
	"github.com/rivalscope/rivalscope/internal/store"
	"github.com/rivalscope/rivalscope/internal/websocket"
)

// Server holds the dependencies for our API.
type Server struct {
	app   *core.App
	store *store.Store
	hub   *websocket.Hub
}

// NewServer creates a new Server instance.
func NewServer(app *core.App) *Server {
	return &Server{
		app:   app,
		store: app.Store(),
		hub:   websocket.NewHub(app.ProgressStore(), app.Logger()),
	}
}

// Store returns the store instance.
func (s *Server) Store() *store.Store {
	return s.store
}

// Router sets up and returns the main router for the application.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Post("/api/users/login", s.handleLogin)
	r.Get("/api/version", s.handleGetVersion)
	r.Get("/api/health", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(s.AuthMiddleware)

		r.Post("/api/users/logout", s.handleLogout)
		r.Get("/api/users/me", s.handleGetMe)

		r.Route("/api/reports", func(r chi.Router) {
			r.Post("/", s.handleCreateReport)
			r.Get("/", s.handleListReports)
			r.Get("/{jobID}", s.handleGetReport)
			r.Post("/{jobID}/cancel", s.handleCancelReport)
		})

		r.Get("/ws/reports/{jobID}/progress", s.handleProgressChannel)
	})

	return r
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	RespondWithJSON(w, http.StatusOK, map[string]string{"version": s.app.Version()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.app.DB().Ping(); err != nil {
		RespondWithError(w, http.StatusServiceUnavailable, "Database unreachable")
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
