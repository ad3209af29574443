// Package runtime implements C1: per-workspace and per-session mutual
// exclusion, slot admission, and the limits that bound concurrent sessions.
package runtime

import (
	"context"
	"sync"

	"github.com/workspace/pid-agentd/internal/session"
)

// Config holds the admission limits, overridable via internal/config.
type Config struct {
	MaxSessionsPerWorkspace int
	MaxSessionsGlobal       int
}

// DefaultConfig matches spec.md §4.1 defaults.
func DefaultConfig() Config {
	return Config{
		MaxSessionsPerWorkspace: 3,
		MaxSessionsGlobal:       5,
	}
}

// Identity names a (workspace, session) pair for reservation calls.
type Identity struct {
	WorkspaceID string
	SessionID   string
}

// WorkspaceRuntime owns per-workspace and per-session locks and the slot
// sets used for admission control.
type WorkspaceRuntime struct {
	cfg Config

	mu             sync.Mutex
	sessionLocks   map[string]*Mutex
	workspaceLocks map[string]*Mutex
	workspaceSlots map[string]map[string]struct{}
}

// New constructs a WorkspaceRuntime with the given limits.
func New(cfg Config) *WorkspaceRuntime {
	if cfg.MaxSessionsPerWorkspace <= 0 {
		cfg.MaxSessionsPerWorkspace = DefaultConfig().MaxSessionsPerWorkspace
	}
	if cfg.MaxSessionsGlobal <= 0 {
		cfg.MaxSessionsGlobal = DefaultConfig().MaxSessionsGlobal
	}
	return &WorkspaceRuntime{
		cfg:            cfg,
		sessionLocks:   make(map[string]*Mutex),
		workspaceLocks: make(map[string]*Mutex),
		workspaceSlots: make(map[string]map[string]struct{}),
	}
}

func (r *WorkspaceRuntime) lockFor(m map[string]*Mutex, key string) *Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lk, ok := m[key]; ok {
		return lk
	}
	lk := NewMutex()
	m[key] = lk
	return lk
}

// WithSessionLock lazily creates and reuses a per-session mutex, serializing
// command sequences on the same session.
func (r *WorkspaceRuntime) WithSessionLock(ctx context.Context, sessionID string, fn func() error) error {
	return r.lockFor(r.sessionLocks, sessionID).WithLock(ctx, fn)
}

// WithWorkspaceLock lazily creates and reuses a per-workspace mutex,
// serializing start/stop/resume and slot admission for that workspace.
func (r *WorkspaceRuntime) WithWorkspaceLock(ctx context.Context, workspaceID string, fn func() error) error {
	return r.lockFor(r.workspaceLocks, workspaceID).WithLock(ctx, fn)
}

// ReserveSessionStart must be called from inside WithWorkspaceLock. It
// admits the session into the workspace's slot set, enforcing per-workspace
// and global caps. A returned error leaves slot counts unchanged.
func (r *WorkspaceRuntime) ReserveSessionStart(id Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	slots := r.workspaceSlots[id.WorkspaceID]
	if slots != nil {
		if _, exists := slots[id.SessionID]; exists {
			return session.ErrSessionAlreadyReserved
		}
	}

	if slots != nil && len(slots) >= r.cfg.MaxSessionsPerWorkspace {
		return session.ErrSessionLimitWorkspace
	}

	if r.globalCountLocked() >= r.cfg.MaxSessionsGlobal {
		return session.ErrSessionLimitGlobal
	}

	if slots == nil {
		slots = make(map[string]struct{})
		r.workspaceSlots[id.WorkspaceID] = slots
	}
	slots[id.SessionID] = struct{}{}
	return nil
}

// MarkSessionReady is a noop reserved for instrumentation hooks.
func (r *WorkspaceRuntime) MarkSessionReady(Identity) {}

// ReleaseSession idempotently removes a session from its workspace's slot
// set, deleting the set once empty.
func (r *WorkspaceRuntime) ReleaseSession(id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slots, ok := r.workspaceSlots[id.WorkspaceID]
	if !ok {
		return
	}
	delete(slots, id.SessionID)
	if len(slots) == 0 {
		delete(r.workspaceSlots, id.WorkspaceID)
	}
}

// EvictWorkspaceLock removes workspaceID's lazily-created lock once the
// workspace-idle timer (spec.md §4.1 workspaceIdleTimeoutMs, driven by
// internal/start) fires with no admitted sessions remaining. A no-op if
// the workspace has regained a session since the timer was armed.
func (r *WorkspaceRuntime) EvictWorkspaceLock(workspaceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, hasSlots := r.workspaceSlots[workspaceID]; hasSlots {
		return
	}
	delete(r.workspaceLocks, workspaceID)
}

// GetWorkspaceSessionCount returns the current admitted-session count for a
// workspace.
func (r *WorkspaceRuntime) GetWorkspaceSessionCount(workspaceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workspaceSlots[workspaceID])
}

// GlobalSessionCount returns the total admitted-session count across all
// workspaces.
func (r *WorkspaceRuntime) GlobalSessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.globalCountLocked()
}

func (r *WorkspaceRuntime) globalCountLocked() int {
	total := 0
	for _, slots := range r.workspaceSlots {
		total += len(slots)
	}
	return total
}
