// Package server exposes the dispatcher and the configuration store over HTTP
// and WebSocket.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/m4xw311/fuzz/agent"
	"github.com/m4xw311/fuzz/aiconfig"
	"github.com/m4xw311/fuzz/config"
)

// Store is the part of aiconfig.Store the API manages.
type Store interface {
	ListConfigs(ctx context.Context, userID string) ([]aiconfig.Configuration, error)
	Config(ctx context.Context, userID string, id int64) (*aiconfig.Configuration, error)
	AddConfig(ctx context.Context, c aiconfig.Configuration) (int64, error)
	DeleteConfig(ctx context.Context, userID string, id int64) error
	SetActive(ctx context.Context, userID string, id int64) error
	Parameters(ctx context.Context, configID int64) (*aiconfig.Parameters, error)
	SaveParameters(ctx context.Context, configID int64, p aiconfig.Parameters) error
	ListModels(ctx context.Context, f aiconfig.ModelFilter) ([]aiconfig.Model, error)
	SyncLocalModels(ctx context.Context, lister aiconfig.ModelLister, apiBase string) (int, error)
	CleanupMissingLocalModels(ctx context.Context, userID string, lister aiconfig.ModelLister, apiBase string) (int, error)
	ListSQLLogs(ctx context.Context, userID string, limit int) ([]aiconfig.SQLLog, error)
}

// Server holds the handler dependencies.
type Server struct {
	dispatcher *agent.Dispatcher
	store      Store
	lister     aiconfig.ModelLister
	origins    []string
	sqlLogs    int
}

func New(d *agent.Dispatcher, store Store, lister aiconfig.ModelLister, cfg config.ServerConfig) *Server {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Server{
		dispatcher: d,
		store:      store,
		lister:     lister,
		origins:    origins,
		sqlLogs:    50,
	}
}

// Router creates the HTTP router with all API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(Logger)
	r.Use(Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", UserHeader, "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", healthHandler)

	r.Group(func(r chi.Router) {
		r.Use(RequireUser)
		r.Get("/ws", s.handleWS)

		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/chat", s.handleChat)
			r.Post("/vision", s.handleVision)
			r.Post("/sound", s.handleSound)
			r.Delete("/history", s.handleClearHistory)
			r.Get("/sql", s.handleSQL)

			r.Route("/configs", func(r chi.Router) {
				r.Get("/", s.handleListConfigs)
				r.Post("/", s.handleAddConfig)
				r.Route("/{id}", func(r chi.Router) {
					r.Delete("/", s.handleDeleteConfig)
					r.Post("/activate", s.handleActivateConfig)
					r.Get("/parameters", s.handleGetParameters)
					r.Put("/parameters", s.handlePutParameters)
				})
			})

			r.Route("/models", func(r chi.Router) {
				r.Get("/", s.handleListModels)
				r.Post("/local/sync", s.handleSyncLocal)
				r.Post("/local/cleanup", s.handleCleanupLocal)
			})
		})
	})

	return r
}

// ListenAndServe serves the API on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
