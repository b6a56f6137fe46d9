// Package server is the HTTP boundary: it authenticates the caller,
// builds the security context once per request, and hands chat turns
// to the pipeline as NDJSON streams.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/szaher/chatflow/internal/auth"
	"github.com/szaher/chatflow/internal/identity"
	"github.com/szaher/chatflow/internal/pipeline"
	"github.com/szaher/chatflow/internal/policy"
	"github.com/szaher/chatflow/internal/session"
	"github.com/szaher/chatflow/internal/telemetry"
)

// routeLevels maps route classes to the security level the pipeline
// enforces for them. The chat surface is public; session deletion is
// an owner operation.
var routeLevels = map[string]policy.SecurityLevel{
	"chat":           policy.LevelPublic,
	"session.create": policy.LevelPublic,
	"session.delete": policy.LevelOwner,
}

// Server serves the chat API.
type Server struct {
	pipeline  *pipeline.Pipeline
	sessions  session.Store
	metrics   *telemetry.Metrics
	mux       *http.ServeMux
	server    *http.Server
	logger    *slog.Logger
	startTime time.Time

	// ownerKey authenticates the account owner (dashboard and API
	// access). Empty disables owner auth; every caller is then public.
	ownerKey string
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithOwnerKey sets the bearer key that grants owner-level access.
func WithOwnerKey(key string) ServerOption {
	return func(s *Server) { s.ownerKey = key }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics exposes Prometheus metrics at GET /metrics.
func WithMetrics(m *telemetry.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates the chat HTTP server.
func NewServer(p *pipeline.Pipeline, sessions session.Store, opts ...ServerOption) *Server {
	s := &Server{
		pipeline:  p,
		sessions:  sessions,
		logger:    slog.Default(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /v1/chat/stream", s.handleChatStream)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.mux = mux
	return s
}

// Handler returns the HTTP handler for use with httptest or custom
// servers.
func (s *Server) Handler() http.Handler {
	return s.securityMiddleware(s.mux)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("chat server starting", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

type securityKey struct{}

// securityMiddleware resolves the caller's security context exactly
// once, at entry. Handlers and the pipeline read it from the request
// context and never re-derive it.
func (s *Server) securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sec := s.resolveSecurity(r)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), securityKey{}, sec)))
	})
}

func (s *Server) resolveSecurity(r *http.Request) policy.SecurityContext {
	sec := policy.SecurityContext{
		Channel: policy.ChannelPublicChat,
		IPHash:  identity.HashMessage(remoteIP(r)),
	}

	if auth.ValidateKey(auth.KeyFromRequest(r), s.ownerKey) {
		sec.Auth = policy.AuthContext{Authenticated: true, Owner: true}
		sec.Channel = policy.ChannelDashboard
		if r.Header.Get("X-Channel") == "api" {
			sec.Channel = policy.ChannelAPI
		}
	}
	return sec
}

func securityFrom(ctx context.Context) policy.SecurityContext {
	if sec, ok := ctx.Value(securityKey{}).(policy.SecurityContext); ok {
		return sec
	}
	return policy.SecurityContext{Channel: policy.ChannelPublicChat}
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"accountId"`
		UserID    string `json:"userId,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "accountId is required")
		return
	}

	sess, err := s.sessions.Create(r.Context(), req.AccountID, req.UserID)
	if err != nil {
		s.logger.Error("session create failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not create session")
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sec := securityFrom(r.Context())
	if !sec.Satisfies(routeLevels["session.delete"]) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "owner access required")
		return
	}

	id := r.PathValue("id")
	if err := s.sessions.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "VALIDATION_ERROR", "unknown session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{"code": code, "message": message},
	})
}
