// Package start implements C8: the session start sequence described in
// spec.md §4.8 — admission, skill resolution, backend creation, registry
// registration, and the post-start bootstrap that syncs session state from
// the backend, grounded on the teacher's server.getOrCreateSessionHost and
// agentsessions.Manager.Create.
package start

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/workspace/pid-agentd/internal/backend"
	"github.com/workspace/pid-agentd/internal/clock"
	"github.com/workspace/pid-agentd/internal/registry"
	"github.com/workspace/pid-agentd/internal/runtime"
	"github.com/workspace/pid-agentd/internal/session"
)

// DefaultWorkspaceIdleTimeout matches spec.md §4.1's workspaceIdleTimeoutMs
// default (1_800_000 ms).
const DefaultWorkspaceIdleTimeout = 30 * time.Minute

// Store is the narrow persistence surface the start coordinator needs.
type Store interface {
	GetSession(ctx context.Context, sessionID string) (*session.Session, error)
	SaveSession(ctx context.Context, s *session.Session) error
	GetWorkspace(ctx context.Context, workspaceID string) (*session.Workspace, error)
}

// PreferenceStore is the narrow slice of the thinking-level preference store
// the bootstrap step needs (spec.md §4.9).
type PreferenceStore interface {
	GetModelThinkingLevelPreference(ctx context.Context, modelID string) (level string, ok bool, err error)
}

// SkillResolver resolves a workspace's configured skill names into whatever
// form the backend factory expects; it is an out-of-scope collaborator
// (spec.md §4.8).
type SkillResolver interface {
	ResolveSkills(ctx context.Context, workspaceID string, names []string) ([]string, error)
}

// EventHandler receives translated backend events for an active session.
// Satisfied by *events.Processor; declared narrowly here so this package
// does not depend on internal/events.
type EventHandler interface {
	HandleEvent(ctx context.Context, sessionID string, ev backend.Event)
}

// CommandDispatcher issues a command against a started session's backend
// and reconciles the result into session state. Satisfied by
// *commands.Dispatcher; declared narrowly here for the same reason as
// EventHandler.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, sessionID string, cmd backend.Command) error
}

// Coordinator is C8.
type Coordinator struct {
	runtime      *runtime.WorkspaceRuntime
	reg          *registry.Registry
	store        Store
	prefs        PreferenceStore
	skills       SkillResolver
	factory      backend.Factory
	gate         backend.PermissionGate
	gateEnabled  bool
	events       EventHandler
	dispatcher   CommandDispatcher
	ringCapacity int
	clk          clock.Clock

	workspaceIdleTimeout time.Duration

	// OnSessionEnded is invoked after every teardown done by
	// handleSessionEnd: a backend-initiated session end (crash or natural
	// exit) or a HandleSessionEnd call after a stop-driven terminate.
	OnSessionEnded func(sessionID string)

	mu                  sync.Mutex
	workspaceOf         map[string]string
	workspaceIdleTimers map[string]clock.Timer
}

// Params configures a Coordinator. GateEnabled mirrors config.permissionGate
// (spec.md §6); when false, Gate is never attached to StartParams even if
// non-nil.
type Params struct {
	Runtime              *runtime.WorkspaceRuntime
	Registry             *registry.Registry
	Store                Store
	Prefs                PreferenceStore
	Skills               SkillResolver
	Factory              backend.Factory
	Gate                 backend.PermissionGate
	GateEnabled          bool
	Events               EventHandler
	Dispatcher           CommandDispatcher
	RingCapacity         int
	Clk                  clock.Clock
	WorkspaceIdleTimeout time.Duration
}

// New builds a Coordinator.
func New(p Params) *Coordinator {
	ring := p.RingCapacity
	if ring <= 0 {
		ring = 256
	}
	clk := p.Clk
	if clk == nil {
		clk = clock.Real{}
	}
	workspaceIdleTimeout := p.WorkspaceIdleTimeout
	if workspaceIdleTimeout <= 0 {
		workspaceIdleTimeout = DefaultWorkspaceIdleTimeout
	}
	return &Coordinator{
		runtime:              p.Runtime,
		reg:                  p.Registry,
		store:                p.Store,
		prefs:                p.Prefs,
		skills:               p.Skills,
		factory:              p.Factory,
		gate:                 p.Gate,
		gateEnabled:          p.GateEnabled,
		events:               p.Events,
		dispatcher:           p.Dispatcher,
		ringCapacity:         ring,
		clk:                  clk,
		workspaceIdleTimeout: workspaceIdleTimeout,
		workspaceOf:          make(map[string]string),
		workspaceIdleTimers:  make(map[string]clock.Timer),
	}
}

// StartSession runs startSessionInner (spec.md §4.8) for sessionID. workspace
// may be nil; when provided it takes precedence for workspace-id resolution
// and avoids a redundant store lookup.
func (c *Coordinator) StartSession(ctx context.Context, sessionID string, workspace *session.Workspace) error {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return session.ErrSessionUnknown
	}

	workspaceID := resolveWorkspaceID(workspace, sess)
	if workspace == nil && workspaceID != "" {
		if ws, err := c.store.GetWorkspace(ctx, workspaceID); err == nil {
			workspace = ws
		}
	}

	var startErr error
	lockErr := c.runtime.WithWorkspaceLock(ctx, workspaceID, func() error {
		startErr = c.startSessionLocked(ctx, workspaceID, sessionID, sess, workspace)
		return nil
	})
	if lockErr != nil {
		return lockErr
	}
	return startErr
}

func resolveWorkspaceID(workspace *session.Workspace, sess *session.Session) string {
	if workspace != nil && workspace.ID != "" {
		return workspace.ID
	}
	if sess.WorkspaceID != "" {
		return sess.WorkspaceID
	}
	return "session-" + sess.ID
}

func (c *Coordinator) startSessionLocked(ctx context.Context, workspaceID, sessionID string, sess *session.Session, workspace *session.Workspace) error {
	id := runtime.Identity{WorkspaceID: workspaceID, SessionID: sessionID}
	if err := c.runtime.ReserveSessionStart(id); err != nil {
		return err
	}
	c.cancelWorkspaceIdleTimer(workspaceID)

	fail := func(err error) error {
		if c.gateEnabled && c.gate != nil {
			c.gate.DestroySessionGuard(sessionID)
		}
		c.runtime.ReleaseSession(id)
		c.maybeScheduleWorkspaceIdleTimer(workspaceID)
		return err
	}

	var skills []string
	if workspace != nil && len(workspace.Skills) > 0 && c.skills != nil {
		resolved, err := c.skills.ResolveSkills(ctx, workspaceID, workspace.Skills)
		if err != nil {
			return fail(fmt.Errorf("resolve skills: %w", err))
		}
		skills = resolved
	}

	params := backend.StartParams{
		WorkspaceID: workspaceID,
		SessionID:   sessionID,
		Skills:      skills,
		OnEvent: func(ev backend.Event) {
			if c.events != nil {
				c.events.HandleEvent(context.Background(), sessionID, ev)
			}
		},
		OnSessionEnd: func(err error) {
			c.handleSessionEnd(sessionID, err)
		},
	}
	if c.gateEnabled {
		params.PermissionGate = c.gate
	}

	be, err := c.factory.StartBackend(ctx, params)
	if err != nil {
		return fail(fmt.Errorf("start backend: %w", err))
	}

	as := registry.NewActiveSession(sess, be, c.ringCapacity)
	c.reg.Register(sessionID, as)
	c.runtime.MarkSessionReady(id)

	c.mu.Lock()
	c.workspaceOf[sessionID] = workspaceID
	c.mu.Unlock()

	sess.Status = session.StatusReady
	sess.LastActivity = time.Now()
	if err := c.store.SaveSession(ctx, sess); err != nil {
		slog.Error("start: persist session after start failed", "sessionId", sessionID, "error", err)
	}
	c.reg.ResetIdleTimer(sessionID)

	go c.bootstrapSessionState(sessionID)

	return nil
}

// bootstrapSessionState implements spec.md §4.9's post-start sequencing:
// query get_state and apply the snapshot, then apply any remembered
// thinking-level preference that differs from the session's current level.
func (c *Coordinator) bootstrapSessionState(sessionID string) {
	ctx := context.Background()
	if c.dispatcher == nil {
		return
	}
	if err := c.dispatcher.Dispatch(ctx, sessionID, backend.Command{Type: backend.CmdGetState}); err != nil {
		slog.Warn("start: bootstrap get_state failed", "sessionId", sessionID, "error", err)
		return
	}

	as := c.reg.Get(sessionID)
	if as == nil || c.prefs == nil {
		return
	}
	model := as.Session.Model
	if model == "" {
		return
	}
	level, ok, err := c.prefs.GetModelThinkingLevelPreference(ctx, model)
	if err != nil || !ok || level == as.Session.ThinkingLevel {
		return
	}
	if err := c.dispatcher.Dispatch(ctx, sessionID, backend.Command{
		Type:   backend.CmdSetThinkingLevel,
		Fields: map[string]any{"thinkingLevel": level},
	}); err != nil {
		slog.Warn("start: bootstrap apply remembered thinking level failed", "sessionId", sessionID, "model", model, "error", err)
	}
}

// HandleSessionEnd tears down an ActiveSession's registry entry and
// runtime slot occupancy. It is exported so StopCoordinator's
// OnTerminated hook (invoked after a successful force-terminate) can reuse
// the same teardown path as a backend-initiated session end — without it,
// a terminated session's workspace/global admission slot is never
// released.
func (c *Coordinator) HandleSessionEnd(sessionID string) {
	c.handleSessionEnd(sessionID, nil)
}

// handleSessionEnd tears down an ActiveSession when the backend itself
// signals the process ended, and on behalf of HandleSessionEnd after a
// stop-driven terminate.
func (c *Coordinator) handleSessionEnd(sessionID string, backendErr error) {
	as := c.reg.Get(sessionID)
	if as == nil {
		return
	}
	c.reg.StopIdleTimer(sessionID)

	as.Session.Status = session.StatusEnded
	as.Session.LastActivity = time.Now()
	if err := c.store.SaveSession(context.Background(), as.Session); err != nil {
		slog.Error("start: persist session after end failed", "sessionId", sessionID, "error", err)
	}
	as.Broadcast(registry.ClientMessage{Type: "state", Payload: as.Session})

	c.reg.Remove(sessionID)

	c.mu.Lock()
	workspaceID := c.workspaceOf[sessionID]
	delete(c.workspaceOf, sessionID)
	c.mu.Unlock()
	c.runtime.ReleaseSession(runtime.Identity{WorkspaceID: workspaceID, SessionID: sessionID})
	c.maybeScheduleWorkspaceIdleTimer(workspaceID)

	if backendErr != nil {
		slog.Warn("start: backend session ended with error", "sessionId", sessionID, "error", backendErr)
	}
	if c.OnSessionEnded != nil {
		c.OnSessionEnded(sessionID)
	}
}

// maybeScheduleWorkspaceIdleTimer arms workspaceID's idle-eviction timer
// once it has no more registered sessions (spec.md §4.1's
// workspaceIdleTimeoutMs). A no-op if workspaceID is empty or still has
// active sessions.
func (c *Coordinator) maybeScheduleWorkspaceIdleTimer(workspaceID string) {
	if workspaceID == "" || len(c.reg.SessionIDsForWorkspace(workspaceID)) > 0 {
		return
	}

	c.cancelWorkspaceIdleTimer(workspaceID)
	timer := c.clk.NewTimer(c.workspaceIdleTimeout)

	c.mu.Lock()
	c.workspaceIdleTimers[workspaceID] = timer
	c.mu.Unlock()

	go func() {
		<-timer.Chan()

		c.mu.Lock()
		current, armed := c.workspaceIdleTimers[workspaceID]
		if !armed || current != timer {
			c.mu.Unlock()
			return
		}
		delete(c.workspaceIdleTimers, workspaceID)
		c.mu.Unlock()

		if len(c.reg.SessionIDsForWorkspace(workspaceID)) > 0 {
			return
		}
		c.runtime.EvictWorkspaceLock(workspaceID)
		slog.Info("start: workspace idle, evicted workspace lock", "workspaceId", workspaceID)
	}()
}

// cancelWorkspaceIdleTimer stops and clears workspaceID's idle timer, if
// one is armed. Called whenever a new session is admitted into the
// workspace.
func (c *Coordinator) cancelWorkspaceIdleTimer(workspaceID string) {
	c.mu.Lock()
	timer, armed := c.workspaceIdleTimers[workspaceID]
	if armed {
		delete(c.workspaceIdleTimers, workspaceID)
	}
	c.mu.Unlock()
	if armed {
		timer.Stop()
	}
}
