package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/workspace/pid-agentd/internal/backend"
	"github.com/workspace/pid-agentd/internal/registry"
)

// inboundMessage is a client->server WebSocket frame (spec.md §6): either a
// backend command forwarded as-is, or a stop request handled by C7 instead
// of being forwarded to the backend.
type inboundMessage struct {
	Type      string         `json:"type"`
	Command   string         `json:"command,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Mode      string         `json:"mode,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

// handleSessionWS drives one subscriber connection for a session: replays
// the reconnect buffer, fans out live broadcasts, and forwards inbound
// commands/stop requests to C6/C7 — grounded on the teacher's handleAgentWS
// (one goroutine per connection, mutex-guarded writer).
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session id required")
		return
	}

	as := s.reg.Get(sessionID)
	if as == nil {
		writeError(w, http.StatusNotFound, "session not active")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("httpapi: websocket upgrade failed", "error", err, "sessionId", sessionID)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	writeMsg := func(msg registry.ClientMessage) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(msg); err != nil {
			slog.Warn("httpapi: websocket write failed", "error", err, "sessionId", sessionID)
		}
	}

	subscriberID := uuid.NewString()
	for _, msg := range as.ReplaySnapshot() {
		writeMsg(msg)
	}
	s.reg.Subscribe(sessionID, subscriberID, writeMsg)
	s.reg.ResetIdleTimer(sessionID)
	defer s.reg.Unsubscribe(sessionID, subscriberID)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			slog.Warn("httpapi: invalid websocket message", "error", err, "sessionId", sessionID)
			continue
		}

		s.handleInbound(r.Context(), sessionID, msg)
	}
}

func (s *Server) handleInbound(ctx context.Context, sessionID string, msg inboundMessage) {
	switch msg.Type {
	case "command":
		cmd := backend.Command{
			Type:      backend.CommandType(msg.Command),
			RequestID: msg.RequestID,
			Fields:    msg.Fields,
		}
		if err := s.commands.Dispatch(ctx, sessionID, cmd); err != nil {
			slog.Warn("httpapi: command dispatch failed", "error", err, "sessionId", sessionID, "command", msg.Command)
		}
	case "stop":
		mode := registry.StopModeAbort
		if msg.Mode == string(registry.StopModeTerminate) {
			mode = registry.StopModeTerminate
		}
		if err := s.stop.BeginPendingStop(ctx, sessionID, mode, registry.StopSourceUser, msg.Reason); err != nil {
			slog.Warn("httpapi: stop request failed", "error", err, "sessionId", sessionID)
		}
	default:
		slog.Warn("httpapi: unknown websocket message type", "type", msg.Type, "sessionId", sessionID)
	}
}
