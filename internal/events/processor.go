// Package events implements C5: translation of backend events into client
// messages, session state mutation, and the debounced side effects (git
// status) that ride along with tool-call events. Grounded on the teacher's
// acp/gateway.go translate-and-forward pattern and acp/session_host.go's
// message buffer/broadcast.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/workspace/pid-agentd/internal/backend"
	"github.com/workspace/pid-agentd/internal/clock"
	"github.com/workspace/pid-agentd/internal/registry"
	"github.com/workspace/pid-agentd/internal/session"
)

// GitStatusDebounce is the per-workspace debounce window for git-status
// emission after edit/write/bash tool calls (spec.md §4.5).
const GitStatusDebounce = 2 * time.Second

// TurnDedupeWindow gates duplicate turn-start broadcasts within this window
// of each other, keyed by turn id.
const TurnDedupeWindow = 5 * time.Second

// Store is the narrow persistence surface EventProcessor needs: saving a
// session record and reading workspace settings that affect git-status
// debouncing.
type Store interface {
	SaveSession(ctx context.Context, s *session.Session) error
	GetWorkspace(ctx context.Context, workspaceID string) (*session.Workspace, error)
}

// GitStatusRunner executes a best-effort `git status`-equivalent against a
// workspace's host mount. Errors are swallowed by the caller (spec.md §7).
type GitStatusRunner interface {
	RunGitStatus(ctx context.Context, hostMount string) (string, error)
}

// StopFinalizer is consulted on agent_end to close out a pending abort. The
// real implementation is internal/stop.Coordinator; declared here as a
// narrow interface so this package does not otherwise depend on stop's
// internals.
type StopFinalizer interface {
	FinishPendingAbortWithSuccess(ctx context.Context, sessionID string, as *registry.ActiveSession)
}

// Processor is C5: it receives backend events for a session, translates
// them, mutates session/ActiveSession state, and schedules debounced side
// effects.
type Processor struct {
	reg           *registry.Registry
	store         Store
	git           GitStatusRunner
	stopFinalizer StopFinalizer
	clk           clock.Clock

	mu          sync.Mutex
	gitTimers   map[string]clock.Timer // workspaceID -> pending debounce timer
	dirty       map[string]bool        // sessionID -> has unpersisted changes
	flushTimers map[string]clock.Timer // sessionID -> coalesced-flush timer
}

// NewProcessor builds a Processor. git and stopFinalizer may be nil; a nil
// git runner simply skips git-status emission, and a nil stopFinalizer
// skips abort finalization (useful in tests that only exercise translation).
func NewProcessor(reg *registry.Registry, store Store, git GitStatusRunner, stopFinalizer StopFinalizer, clk clock.Clock) *Processor {
	return &Processor{
		reg:           reg,
		store:         store,
		git:           git,
		stopFinalizer: stopFinalizer,
		clk:           clk,
		gitTimers:     make(map[string]clock.Timer),
		dirty:         make(map[string]bool),
		flushTimers:   make(map[string]clock.Timer),
	}
}

// HandleEvent is the entry point wired as a session's backend.StartParams.OnEvent.
// Backend events for a given session arrive serialized (spec.md §5: "the
// event handler is not re-entrant per active session"), so Session and the
// streaming accumulators are mutated here without the ActiveSession's own
// mutex; Broadcast/subscriber state still goes through it since those can
// be touched concurrently by command handling.
func (p *Processor) HandleEvent(ctx context.Context, sessionID string, ev backend.Event) {
	as := p.reg.Get(sessionID)
	if as == nil {
		return
	}

	if p.dedupeTurnStart(as, ev) {
		return
	}

	tctx := p.readAccumulators(as)
	msgs, next := translatePiEvent(ev, tctx)
	p.writeAccumulators(as, next)

	p.applySideEffects(ctx, sessionID, as, ev)

	for _, m := range msgs {
		as.Broadcast(m)
	}

	if statusBroadcastSet[ev.Type] {
		as.Broadcast(registry.ClientMessage{Type: "state", Payload: snapshotOf(as)})
	}

	now := p.clk.Now()
	as.Session.LastActivity = now

	if ev.Type == "agent_end" {
		p.persistNow(ctx, as)
	} else {
		p.markDirty(ctx, sessionID, as)
	}

	p.reg.ResetIdleTimer(sessionID)
}

// dedupeTurnStart gates duplicate agent_start broadcasts for the same turn
// id arriving within TurnDedupeWindow of each other.
func (p *Processor) dedupeTurnStart(as *registry.ActiveSession, ev backend.Event) bool {
	if ev.Type != "agent_start" || ev.TurnID == "" {
		return false
	}
	return as.SeenTurn(ev.TurnID, p.clk.Now(), TurnDedupeWindow)
}

func (p *Processor) readAccumulators(as *registry.ActiveSession) TranslationContext {
	return TranslationContext{
		StreamedAssistantText: as.StreamedAssistantText,
		HasStreamedThinking:   as.HasStreamedThinking,
	}
}

func (p *Processor) writeAccumulators(as *registry.ActiveSession, ctx TranslationContext) {
	as.StreamedAssistantText = ctx.StreamedAssistantText
	as.HasStreamedThinking = ctx.HasStreamedThinking
}

// applySideEffects implements the per-event-type state mutation of
// spec.md §4.5, beyond pure translation.
func (p *Processor) applySideEffects(ctx context.Context, sessionID string, as *registry.ActiveSession, ev backend.Event) {
	switch ev.Type {
	case "agent_start":
		if as.Session.Status != session.StatusStopping {
			as.Session.Status = session.StatusBusy
		}

	case "agent_end":
		pending := as.GetPendingStop()
		if pending != nil && pending.Mode == registry.StopModeTerminate {
			as.Session.Status = session.StatusStopping
		} else {
			as.Session.Status = session.StatusReady
		}
		if pending != nil && pending.Mode == registry.StopModeAbort && p.stopFinalizer != nil {
			p.stopFinalizer.FinishPendingAbortWithSuccess(ctx, sessionID, as)
		}

	case "tool_execution_start":
		applyChangeStats(as.Session, ev.Args)
		p.maybeScheduleGitStatus(ctx, sessionID, as, ev.ToolName)

	case "message_end":
		as.Session.LastActivity = p.clk.Now()
	}
}

func applyChangeStats(s *session.Session, args map[string]any) {
	if args == nil {
		return
	}
	if path, ok := args["path"].(string); ok && path != "" {
		s.ChangeStats.FilesChanged++
		s.AddSessionFile(path)
	}
	if added, ok := toInt(args["linesAdded"]); ok {
		s.ChangeStats.LinesAdded += added
	}
	if removed, ok := toInt(args["linesRemoved"]); ok {
		s.ChangeStats.LinesRemoved += removed
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

var gitStatusToolNames = map[string]bool{"edit": true, "write": true, "bash": true}

// maybeScheduleGitStatus debounces a best-effort git-status emission per
// workspace: each qualifying tool call resets the 2s window.
func (p *Processor) maybeScheduleGitStatus(ctx context.Context, sessionID string, as *registry.ActiveSession, toolName string) {
	if p.git == nil || !gitStatusToolNames[toolName] {
		return
	}
	workspaceID := as.Session.WorkspaceID
	if workspaceID == "" {
		return
	}
	ws, err := p.store.GetWorkspace(ctx, workspaceID)
	if err != nil || ws == nil || ws.HostMount == "" || !ws.GitStatusOn() {
		return
	}

	p.mu.Lock()
	if t, ok := p.gitTimers[workspaceID]; ok {
		t.Stop()
	}
	timer := p.clk.NewTimer(GitStatusDebounce)
	p.gitTimers[workspaceID] = timer
	p.mu.Unlock()

	go func() {
		<-timer.Chan()
		p.mu.Lock()
		current, armed := p.gitTimers[workspaceID]
		if armed && current == timer {
			delete(p.gitTimers, workspaceID)
		} else {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		p.emitGitStatus(context.Background(), sessionID, as, workspaceID, ws.HostMount)
	}()
}

func (p *Processor) emitGitStatus(ctx context.Context, sessionID string, as *registry.ActiveSession, workspaceID, hostMount string) {
	status, err := p.git.RunGitStatus(ctx, hostMount)
	if err != nil {
		slog.Warn("events: git status failed (non-fatal)", "workspaceId", workspaceID, "error", err)
		return
	}
	as.Broadcast(registry.ClientMessage{
		Type: "git_status",
		Payload: map[string]any{
			"workspaceId": workspaceID,
			"status":      status,
		},
	})
}

// persistNow forces an immediate flush; HandleEvent calls it for agent_end,
// every other event goes through the coalesced markDirty path.
func (p *Processor) persistNow(ctx context.Context, as *registry.ActiveSession) {
	p.mu.Lock()
	sessionID := as.Session.ID
	if t, ok := p.flushTimers[sessionID]; ok {
		t.Stop()
		delete(p.flushTimers, sessionID)
	}
	delete(p.dirty, sessionID)
	p.mu.Unlock()

	if err := p.store.SaveSession(ctx, as.Session); err != nil {
		slog.Error("events: persist session failed", "sessionId", sessionID, "error", err)
	}
}

// markDirty schedules a coalesced flush: repeated events within the window
// collapse to a single SaveSession call (spec.md §7: "the next
// markSessionDirty will retry on the coalescer's next tick" on failure).
const dirtyFlushDelay = 250 * time.Millisecond

func (p *Processor) markDirty(ctx context.Context, sessionID string, as *registry.ActiveSession) {
	p.mu.Lock()
	p.dirty[sessionID] = true
	if _, ok := p.flushTimers[sessionID]; ok {
		p.mu.Unlock()
		return
	}
	timer := p.clk.NewTimer(dirtyFlushDelay)
	p.flushTimers[sessionID] = timer
	p.mu.Unlock()

	go func() {
		<-timer.Chan()
		p.mu.Lock()
		delete(p.flushTimers, sessionID)
		wasDirty := p.dirty[sessionID]
		delete(p.dirty, sessionID)
		p.mu.Unlock()
		if !wasDirty {
			return
		}
		if err := p.store.SaveSession(context.Background(), as.Session); err != nil {
			slog.Error("events: coalesced persist failed, will retry on next dirty mark", "sessionId", sessionID, "error", err)
			p.mu.Lock()
			p.dirty[sessionID] = true
			p.mu.Unlock()
		}
	}()
	_ = ctx
}

func snapshotOf(as *registry.ActiveSession) *session.Session {
	s := *as.Session
	return &s
}
