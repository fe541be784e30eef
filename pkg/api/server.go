// Package api exposes a small HTTP surface for cache inspection and
// invalidation: health, session statistics, tag and namespace purges,
// and the Prometheus scrape endpoint.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"query-cache/pkg/logging"
	"query-cache/pkg/session"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type Server struct {
	session *session.Session
	router  *mux.Router
	server  *http.Server
	logger  *logging.Logger
	config  Config
}

type Config struct {
	// Address to listen on (e.g. ":8080")
	Address string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MetricsHandler, when set, is mounted at /metrics. Pass
	// promhttp.Handler() or a handler for a custom registry.
	MetricsHandler http.Handler

	Logger *logging.Logger
}

func DefaultConfig() Config {
	return Config{
		Address:      ":8080",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// NewServer builds the HTTP surface around a session.
func NewServer(s *session.Session, config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = logging.Global().Named("api")
	}

	srv := &Server{
		session: s,
		logger:  logger,
		config:  config,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", srv.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", srv.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/invalidate/tags/{tag}", srv.handleInvalidateTag).Methods(http.MethodPost)
	r.HandleFunc("/invalidate/namespace/{namespace}", srv.handleClearNamespace).Methods(http.MethodPost)
	if config.MetricsHandler != nil {
		r.Handle("/metrics", config.MetricsHandler).Methods(http.MethodGet)
	}

	srv.router = r
	srv.server = &http.Server{
		Addr:         config.Address,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return srv
}

// Handler returns the routing handler, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"session":   s.session.ID(),
		"namespace": s.session.Namespace(),
		"stats":     s.session.Stats(),
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleInvalidateTag(w http.ResponseWriter, r *http.Request) {
	tag := mux.Vars(r)["tag"]

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.session.InvalidateTags(ctx, tag); err != nil {
		s.logger.Error("tag invalidation failed", zap.String("tag", tag), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": err.Error(),
			"tag":   tag,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"invalidated": tag,
		"namespace":   s.session.Namespace(),
	})
}

func (s *Server) handleClearNamespace(w http.ResponseWriter, r *http.Request) {
	namespace := mux.Vars(r)["namespace"]

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.session.ClearNamespace(ctx, namespace); err != nil {
		s.logger.Error("namespace clear failed", zap.String("namespace", namespace), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":     err.Error(),
			"namespace": namespace,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"cleared": namespace,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
