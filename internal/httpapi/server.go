// Package httpapi wires an HTTP mux and WebSocket upgrader that drive
// C8 (start), C6 (commands), C9 (subscribe/broadcast), and C7 (stop) from a
// single per-connection goroutine per session subscriber, grounded on the
// teacher's internal/server (net/http mux, gorilla/websocket, origin
// allowlist with wildcard subdomains).
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/workspace/pid-agentd/internal/backend"
	"github.com/workspace/pid-agentd/internal/config"
	"github.com/workspace/pid-agentd/internal/registry"
	"github.com/workspace/pid-agentd/internal/session"
)

// StartCoordinator is the narrow C8 surface this package depends on.
type StartCoordinator interface {
	StartSession(ctx context.Context, sessionID string, workspace *session.Workspace) error
}

// CommandDispatcher is the narrow C6 surface this package depends on.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, sessionID string, cmd backend.Command) error
}

// StopCoordinator is the narrow C7 surface this package depends on.
type StopCoordinator interface {
	BeginPendingStop(ctx context.Context, sessionID string, mode registry.StopMode, source registry.StopSource, reason string) error
}

// Params configures a new Server.
type Params struct {
	Config   *config.Config
	Registry *registry.Registry
	Start    StartCoordinator
	Commands CommandDispatcher
	Stop     StopCoordinator
}

// Server is the HTTP/WebSocket transport for the session runtime.
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	reg        *registry.Registry
	start      StartCoordinator
	commands   CommandDispatcher
	stop       StopCoordinator
	upgrader   websocket.Upgrader
	auth       *tokenValidator
}

// New builds a Server and wires its routes. auth is nil (disabled) when
// cfg.JWKSEndpoint is empty.
func New(p Params) (*Server, error) {
	s := &Server{
		cfg:      p.Config,
		reg:      p.Registry,
		start:    p.Start,
		commands: p.Commands,
		stop:     p.Stop,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  p.Config.WSReadBufferSize,
		WriteBufferSize: p.Config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return isOriginAllowed(origin, p.Config.AllowedOrigins)
		},
	}

	if p.Config.JWKSEndpoint != "" {
		v, err := newTokenValidator(p.Config.JWKSEndpoint, p.Config.JWTAudience, p.Config.JWTIssuer)
		if err != nil {
			return nil, fmt.Errorf("httpapi: create token validator: %w", err)
		}
		s.auth = v
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.httpServer = &http.Server{
		Addr: fmt.Sprintf("%s:%d", p.Config.Host, p.Config.Port),
		// WriteTimeout is intentionally left at zero: it would set a
		// deadline on the underlying net.Conn before the handler runs,
		// which kills long-lived WebSocket connections.
		Handler:     mux,
		ReadTimeout: p.Config.HTTPReadTimeout,
		IdleTimeout: p.Config.HTTPIdleTimeout,
	}
	return s, nil
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /sessions/{sessionId}/start", s.requireAuth(s.handleStartSession))
	mux.HandleFunc("GET /sessions/{sessionId}/ws", s.requireAuthWS(s.handleSessionWS))
}

// Start begins serving HTTP requests; it blocks until the listener stops.
func (s *Server) Start() error {
	slog.Info("httpapi: listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session id required")
		return
	}

	if err := s.start.StartSession(r.Context(), sessionID, nil); err != nil {
		writeError(w, statusForStartErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func statusForStartErr(err error) int {
	switch err {
	case session.ErrSessionUnknown:
		return http.StatusNotFound
	case session.ErrSessionLimitWorkspace, session.ErrSessionLimitGlobal, session.ErrSessionAlreadyReserved:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
