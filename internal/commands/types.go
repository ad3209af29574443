// Package commands implements C6: dispatching typed client commands to the
// backend and reconciling server-side session state with the backend's
// response, grounded on the teacher's acp/session_host.go Prompt/dispatch
// lifecycle and its closed ACP command surface.
package commands

import (
	"context"

	"github.com/workspace/pid-agentd/internal/backend"
	"github.com/workspace/pid-agentd/internal/modelcatalog"
	"github.com/workspace/pid-agentd/internal/session"
)

// Store is the narrow persistence surface the command coordinator needs.
type Store interface {
	SaveSession(ctx context.Context, s *session.Session) error
	GetWorkspace(ctx context.Context, workspaceID string) (*session.Workspace, error)
	SaveWorkspace(ctx context.Context, w *session.Workspace) error
}

// PreferenceStore persists the user's remembered thinking level per model,
// keyed by canonical model id (spec.md §6).
type PreferenceStore interface {
	GetModelThinkingLevelPreference(ctx context.Context, modelID string) (level string, ok bool, err error)
	SetModelThinkingLevelPreference(ctx context.Context, modelID, level string) error
}

// Catalog is the narrow modelcatalog surface used for context-window
// resolution on model change.
type Catalog interface {
	GetContextWindow(modelID string) int
}

var _ Catalog = (*modelcatalog.Catalog)(nil)

// fireAndForget commands are routed to the backend without state
// reconciliation; only dispatch errors are surfaced (spec.md §4.6).
var fireAndForget = map[backend.CommandType]bool{
	backend.CmdPrompt:   true,
	backend.CmdSteer:    true,
	backend.CmdFollowUp: true,
	backend.CmdAbort:    true,
}

// visibleFieldChange commands additionally broadcast "state" because they
// mutate client-visible session fields (spec.md §4.6).
var visibleFieldChange = map[backend.CommandType]bool{
	backend.CmdSetModel:           true,
	backend.CmdCycleModel:         true,
	backend.CmdSetThinkingLevel:   true,
	backend.CmdCycleThinkingLevel: true,
	backend.CmdSetSessionName:     true,
}

// knownCommands is the closed enumeration of dispatchable command types
// (spec.md §9 "Dynamic command table" — unknown types are rejected, not
// ignored).
var knownCommands = map[backend.CommandType]bool{
	backend.CmdPrompt:              true,
	backend.CmdSteer:               true,
	backend.CmdFollowUp:            true,
	backend.CmdAbort:               true,
	backend.CmdAbortBash:           true,
	backend.CmdSetModel:            true,
	backend.CmdCycleModel:          true,
	backend.CmdSetThinkingLevel:    true,
	backend.CmdCycleThinkingLevel:  true,
	backend.CmdNewSession:          true,
	backend.CmdSetSessionName:      true,
	backend.CmdCompact:             true,
	backend.CmdSetAutoCompaction:   true,
	backend.CmdFork:                true,
	backend.CmdSwitchSession:       true,
	backend.CmdSetSteeringMode:     true,
	backend.CmdSetFollowUpMode:     true,
	backend.CmdSetAutoRetry:        true,
	backend.CmdAbortRetry:          true,
	backend.CmdGetState:            true,
	backend.CmdGetMessages:         true,
	backend.CmdGetSessionStats:     true,
}
