// Package api implements the gateway's OpenAI-compatible HTTP API.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mcpgate/mcpgate/internal/agent"
	"github.com/mcpgate/mcpgate/internal/buildinfo"
	"github.com/mcpgate/mcpgate/internal/events"
	"github.com/mcpgate/mcpgate/internal/session"
	"github.com/mcpgate/mcpgate/internal/store"
	"github.com/mcpgate/mcpgate/internal/stream"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Config carries the server's listen address and auth settings.
type Config struct {
	Listen string
	// Token is the static bearer token. Empty disables auth.
	Token string
}

// Server is the HTTP API server.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	loop     *agent.Loop
	sessions *session.Manager
	streams  *stream.Registry
	store    store.ConfigStore
	bus      *events.Bus
	server   *http.Server
}

// NewServer creates the API server. The bus may be nil.
func NewServer(cfg Config, loop *agent.Loop, sessions *session.Manager, streams *stream.Registry, st store.ConfigStore, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		loop:     loop,
		sessions: sessions,
		streams:  streams,
		store:    st,
		bus:      bus,
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat/completions", s.requireAuth(s.handleChatCompletions))
	mux.HandleFunc("POST /v1/stop/stream/{id}", s.requireAuth(s.handleStopStream))
	mux.HandleFunc("POST /v1/remove/history", s.requireAuth(s.handleRemoveHistory))

	mux.HandleFunc("GET /v1/list/models", s.requireAuth(s.handleListModels))
	mux.HandleFunc("GET /v1/list/mcp_server", s.requireAuth(s.handleListServers))
	mux.HandleFunc("POST /v1/add/mcp_server", s.requireAuth(s.handleAddServer))
	mux.HandleFunc("DELETE /v1/remove/mcp_server/{id}", s.requireAuth(s.handleRemoveServer))

	mux.Handle("GET /ws/events", s.requireAuthWS(events.NewWSHandler(s.bus, s.logger)))

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests and blocks until the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Long for streaming responses
	}

	s.logger.Info("starting API server", "listen", s.cfg.Listen)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// authorized checks the bearer token. An empty configured token
// disables auth entirely.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(s.cfg.Token)) == 1
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			s.errorResponse(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next(w, r)
	}
}

// requireAuthWS also accepts the token as a query parameter, since
// browser WebSocket clients cannot set headers.
func (s *Server) requireAuthWS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			token := r.URL.Query().Get("token")
			if s.cfg.Token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
				s.errorResponse(w, http.StatusUnauthorized, "invalid or missing token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// userID selects the session owner: the X-User-ID header when present,
// otherwise the bearer token itself.
func (s *Server) userID(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	if s.cfg.Token != "" {
		return s.cfg.Token
	}
	return "default"
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "mcpgate",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errorType(code),
			"code":    code,
		},
	}, s.logger)
}

func errorType(code int) string {
	switch {
	case code == http.StatusUnauthorized:
		return "authentication_error"
	case code == http.StatusNotFound:
		return "not_found_error"
	case code >= 500:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}

// ensureSelected connects the session to the requested servers (all
// stored servers when ids is nil) and logs partial failures.
func (s *Server) ensureSelected(ctx context.Context, sess *session.Session, userID string, ids []string) error {
	descs, err := s.store.ListServers(ctx, userID)
	if err != nil {
		return fmt.Errorf("list servers: %w", err)
	}
	if ids != nil {
		selected := make(map[string]bool, len(ids))
		for _, id := range ids {
			selected[id] = true
		}
		var filtered []store.ServerDescriptor
		for _, d := range descs {
			if selected[d.ID] {
				filtered = append(filtered, d)
			}
		}
		descs = filtered
	}

	failures := s.sessions.EnsureServers(ctx, sess, descs)
	for id, ferr := range failures {
		s.logger.Warn("server unavailable for request",
			"user_id", userID,
			"server_id", id,
			"error", ferr,
		)
	}
	return nil
}
