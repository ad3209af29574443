package commands

import (
	"context"
	"errors"
	"log/slog"

	"github.com/workspace/pid-agentd/internal/backend"
	"github.com/workspace/pid-agentd/internal/registry"
	"github.com/workspace/pid-agentd/internal/session"
)

// Dispatcher is C6: it routes commands to a session's backend and
// reconciles server-side state against the backend's response.
type Dispatcher struct {
	reg     *registry.Registry
	store   Store
	prefs   PreferenceStore
	catalog Catalog
}

// New builds a Dispatcher.
func New(reg *registry.Registry, store Store, prefs PreferenceStore, catalog Catalog) *Dispatcher {
	return &Dispatcher{reg: reg, store: store, prefs: prefs, catalog: catalog}
}

// Dispatch routes cmd to sessionID's backend, reconciles session state from
// the response, and broadcasts command_result (and, for commands that
// change visible fields, state).
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, cmd backend.Command) error {
	as := d.reg.Get(sessionID)
	if as == nil {
		return session.ErrSessionUnknown
	}
	if !knownCommands[cmd.Type] {
		return session.ErrUnhandledCommand
	}
	if as.Session.Status == session.StatusEnded {
		return session.ErrSessionNotActive
	}

	resp, doErr := as.Backend.Do(ctx, cmd)

	var changed bool
	var reconcileErr error
	if doErr == nil && !fireAndForget[cmd.Type] {
		changed, reconcileErr = d.reconcile(ctx, as, cmd, resp)
	}

	resultErr := doErr
	if resultErr == nil {
		resultErr = reconcileErr
	}

	result := registry.ClientMessage{
		Type: "command_result",
		Payload: map[string]any{
			"command":   cmd.Type,
			"requestId": cmd.RequestID,
			"success":   resultErr == nil,
		},
	}
	if resultErr != nil {
		result.Payload.(map[string]any)["error"] = normalizeError(resultErr)
	} else {
		result.Payload.(map[string]any)["data"] = resp
	}
	as.Broadcast(result)

	if changed || visibleFieldChange[cmd.Type] {
		as.Broadcast(registry.ClientMessage{Type: "state", Payload: as.Session})
	}

	d.reg.ResetIdleTimer(sessionID)
	return resultErr
}

// reconcile applies the command-specific state reconciliation of
// spec.md §4.6 after a successful backend response.
func (d *Dispatcher) reconcile(ctx context.Context, as *registry.ActiveSession, cmd backend.Command, resp map[string]any) (bool, error) {
	switch cmd.Type {
	case backend.CmdGetState, backend.CmdFork, backend.CmdNewSession, backend.CmdSwitchSession:
		snap := parseSnapshot(resp)
		changed := applyPiStateSnapshot(as.Session, snap, d.catalog)
		if changed {
			if err := d.store.SaveSession(ctx, as.Session); err != nil {
				slog.Error("commands: persist after snapshot reconcile failed", "sessionId", as.Session.ID, "error", err)
			}
		}
		return changed, nil

	case backend.CmdSetThinkingLevel, backend.CmdCycleThinkingLevel:
		return d.reconcileThinkingLevel(ctx, as, cmd, resp)

	case backend.CmdSetModel, backend.CmdCycleModel:
		return d.reconcileModel(ctx, as, cmd, resp)

	case backend.CmdSetSessionName:
		name := stringField(resp, "name")
		if name == "" {
			name = stringField(cmd.Fields, "name")
		}
		if name != "" && name != as.Session.Name {
			as.Session.Name = name
			if err := d.store.SaveSession(ctx, as.Session); err != nil {
				slog.Error("commands: persist session name failed", "sessionId", as.Session.ID, "error", err)
			}
			return true, nil
		}
		return false, nil

	default:
		return false, nil
	}
}

func (d *Dispatcher) reconcileThinkingLevel(ctx context.Context, as *registry.ActiveSession, cmd backend.Command, resp map[string]any) (bool, error) {
	level := stringField(resp, "thinkingLevel")
	if level == "" {
		level = stringField(cmd.Fields, "thinkingLevel")
	}
	changed := false
	if level != "" && level != as.Session.ThinkingLevel {
		as.Session.ThinkingLevel = level
		changed = true
	}
	if changed {
		if err := d.store.SaveSession(ctx, as.Session); err != nil {
			slog.Error("commands: persist thinking level failed", "sessionId", as.Session.ID, "error", err)
		}
	}
	if level != "" && as.Session.Model != "" && d.prefs != nil {
		if err := d.prefs.SetModelThinkingLevelPreference(ctx, as.Session.Model, level); err != nil {
			slog.Error("commands: persist thinking preference failed", "model", as.Session.Model, "error", err)
		}
	}
	return changed, nil
}

func (d *Dispatcher) reconcileModel(ctx context.Context, as *registry.ActiveSession, cmd backend.Command, resp map[string]any) (bool, error) {
	var newModel string
	if cmd.Type == backend.CmdCycleModel {
		if nested, ok := resp["model"].(map[string]any); ok {
			newModel = parseModelField(map[string]any{"model": nested}, "model")
		}
	} else {
		newModel = parseModelField(resp, "model")
	}
	if newModel == "" {
		return false, nil
	}

	changed := false
	if newModel != as.Session.Model {
		as.Session.Model = newModel
		as.Session.ContextWindow = d.catalog.GetContextWindow(newModel)
		changed = true

		if err := d.store.SaveSession(ctx, as.Session); err != nil {
			slog.Error("commands: persist session after model change failed", "sessionId", as.Session.ID, "error", err)
		}
		d.persistLastUsedModel(ctx, as.Session.WorkspaceID, newModel)
	}

	if cmd.Type == backend.CmdCycleModel && d.prefs != nil {
		if storedLevel, ok, err := d.prefs.GetModelThinkingLevelPreference(ctx, newModel); err == nil && ok && storedLevel != as.Session.ThinkingLevel {
			if _, err := as.Backend.Do(ctx, backend.Command{Type: backend.CmdSetThinkingLevel, Fields: map[string]any{"thinkingLevel": storedLevel}}); err != nil {
				slog.Warn("commands: applying remembered thinking level failed (non-fatal)", "model", newModel, "error", err)
			} else {
				as.Session.ThinkingLevel = storedLevel
				changed = true
				resp["thinkingLevel"] = storedLevel
			}
		}
	}

	return changed, nil
}

func (d *Dispatcher) persistLastUsedModel(ctx context.Context, workspaceID, model string) {
	if workspaceID == "" {
		return
	}
	ws, err := d.store.GetWorkspace(ctx, workspaceID)
	if err != nil || ws == nil {
		return
	}
	if ws.LastUsedModel == model {
		return
	}
	ws.LastUsedModel = model
	if err := d.store.SaveWorkspace(ctx, ws); err != nil {
		slog.Error("commands: persist workspace lastUsedModel failed", "workspaceId", workspaceID, "error", err)
	}
}

// normalizeError sanitizes a reconciliation/dispatch error into a
// client-readable message, keeping known sentinel errors recognizable
// (spec.md §7: "command-specific message sanitizing").
func normalizeError(err error) string {
	for _, known := range []error{
		session.ErrCommandNotAllowed,
		session.ErrSessionNotActive,
		session.ErrUnhandledCommand,
		session.ErrSessionUnknown,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return err.Error()
}
