package registry

import (
	"sync"
	"time"

	"github.com/workspace/pid-agentd/internal/clock"
)

// OnIdleTimeout is invoked when a session's idle timer fires. Registry does
// not depend on internal/stop directly (that would invert the intended
// dependency direction between C9 and C7), so the caller supplies this
// callback at construction time instead.
type OnIdleTimeout func(sessionID string)

// Registry is the process-wide table of ActiveSessions (spec.md §3, C9). It
// owns idle timers and subscriber fan-out; session lifecycle decisions
// (start/stop semantics) live in the start/stop packages, which call back
// into Registry to register, look up, and remove sessions.
type Registry struct {
	clk         clock.Clock
	idleTimeout time.Duration
	onIdle      OnIdleTimeout

	mu       sync.Mutex
	sessions map[string]*ActiveSession
	timers   map[string]clock.Timer
}

// New constructs an empty Registry. idleTimeout of 0 disables idle timers
// entirely (sessions never auto-stop for inactivity).
func New(clk clock.Clock, idleTimeout time.Duration, onIdle OnIdleTimeout) *Registry {
	return &Registry{
		clk:         clk,
		idleTimeout: idleTimeout,
		onIdle:      onIdle,
		sessions:    make(map[string]*ActiveSession),
		timers:      make(map[string]clock.Timer),
	}
}

// Register adds as to the table under sessionID, replacing any prior entry.
func (r *Registry) Register(sessionID string, as *ActiveSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID] = as
}

// Get returns the ActiveSession for sessionID, or nil if not registered.
func (r *Registry) Get(sessionID string) *ActiveSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID]
}

// Remove drops sessionID from the table and stops any idle timer for it.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
	if t, ok := r.timers[sessionID]; ok {
		t.Stop()
		delete(r.timers, sessionID)
	}
}

// Broadcast fans msg out to every subscriber of sessionID. It is a no-op if
// sessionID is not registered.
func (r *Registry) Broadcast(sessionID string, msg ClientMessage) {
	as := r.Get(sessionID)
	if as == nil {
		return
	}
	as.Broadcast(msg)
}

// Subscribe attaches sink to sessionID under subscriberID. It is a no-op if
// sessionID is not registered.
func (r *Registry) Subscribe(sessionID, subscriberID string, sink Sink) {
	if as := r.Get(sessionID); as != nil {
		as.AddSubscriber(subscriberID, sink)
	}
}

// Unsubscribe detaches subscriberID from sessionID.
func (r *Registry) Unsubscribe(sessionID, subscriberID string) {
	if as := r.Get(sessionID); as != nil {
		as.RemoveSubscriber(subscriberID)
	}
}

// ResetIdleTimer (re)starts sessionID's idle timer. Call on any activity
// that should postpone an idle-triggered stop: inbound command, outbound
// event, or subscriber attach. A zero idleTimeout disables this entirely.
func (r *Registry) ResetIdleTimer(sessionID string) {
	if r.idleTimeout <= 0 || r.onIdle == nil {
		return
	}
	r.mu.Lock()
	if t, ok := r.timers[sessionID]; ok {
		t.Stop()
	}
	timer := r.clk.NewTimer(r.idleTimeout)
	r.timers[sessionID] = timer
	r.mu.Unlock()

	go func() {
		select {
		case <-timer.Chan():
			r.mu.Lock()
			current, stillArmed := r.timers[sessionID]
			r.mu.Unlock()
			if stillArmed && current == timer {
				r.onIdle(sessionID)
			}
		}
	}()
}

// StopIdleTimer cancels sessionID's idle timer without firing onIdle.
func (r *Registry) StopIdleTimer(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[sessionID]; ok {
		t.Stop()
		delete(r.timers, sessionID)
	}
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SessionIDsForWorkspace returns the IDs of registered sessions belonging to
// workspaceID, used by the workspace-idle timer in the start package to
// decide whether a workspace has gone fully idle.
func (r *Registry) SessionIDsForWorkspace(workspaceID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, as := range r.sessions {
		as.mu.RLock()
		wid := as.Session.WorkspaceID
		as.mu.RUnlock()
		if wid == workspaceID {
			ids = append(ids, id)
		}
	}
	return ids
}
