package policy

import (
	"context"
	"sync"

	"github.com/workspace/pid-agentd/internal/backend"
)

// Gate adapts the stateless heuristic Evaluate function to
// backend.PermissionGate, the interface C8/C6 consult on tool calls.
type Gate struct {
	mu     sync.RWMutex
	config ResolvedHeuristics
}

// NewGate builds a Gate that evaluates every tool call against cfg.
func NewGate(cfg ResolvedHeuristics) *Gate {
	return &Gate{config: cfg}
}

// Evaluate implements backend.PermissionGate.
func (g *Gate) Evaluate(ctx context.Context, tool string, input map[string]any) (backend.GateDecision, error) {
	g.mu.RLock()
	cfg := g.config
	g.mu.RUnlock()

	d := Evaluate(GateRequest{Tool: tool, Input: input}, cfg)
	return backend.GateDecision{Action: string(d.Action), Reason: d.Reason}, nil
}

// DestroySessionGuard implements backend.PermissionGate. The heuristic set
// carries no per-session state, so there is nothing to release.
func (g *Gate) DestroySessionGuard(sessionID string) {}
