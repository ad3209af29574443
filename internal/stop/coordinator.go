// Package stop implements C7: the two-phase stop protocol (abort, retry,
// force-terminate) with escalating timeouts, grounded on the teacher's
// prompt-cancel/grace-period pattern in acp/session_host.go
// (promptCancel, DefaultPromptCancelGracePeriod).
package stop

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/workspace/pid-agentd/internal/backend"
	"github.com/workspace/pid-agentd/internal/clock"
	"github.com/workspace/pid-agentd/internal/registry"
	"github.com/workspace/pid-agentd/internal/session"
)

// DefaultAbortTimeout and DefaultAbortRetryTimeout are the spec's suggested
// defaults (spec.md §4.1 names the config fields; defaults are ours,
// following the teacher's DefaultPromptCancelGracePeriod convention).
const (
	DefaultAbortTimeout      = 10 * time.Second
	DefaultAbortRetryTimeout = 10 * time.Second
)

// Store is the narrow persistence surface the stop coordinator needs.
type Store interface {
	SaveSession(ctx context.Context, s *session.Session) error
}

// Coordinator implements the stop FSM described in spec.md §4.7.
type Coordinator struct {
	reg               *registry.Registry
	store             Store
	clk               clock.Clock
	abortTimeout      time.Duration
	abortRetryTimeout time.Duration

	// OnTerminated is invoked after a successful force-terminate, once the
	// backend has been disposed and the pending stop cleared. The caller
	// wires session-end teardown here (registry removal, slot release) to
	// avoid this package depending on runtime/start.
	OnTerminated func(sessionID string)
}

// New builds a Coordinator. Zero abortTimeout/abortRetryTimeout fall back to
// the package defaults.
func New(reg *registry.Registry, store Store, clk clock.Clock, abortTimeout, abortRetryTimeout time.Duration) *Coordinator {
	if abortTimeout <= 0 {
		abortTimeout = DefaultAbortTimeout
	}
	if abortRetryTimeout <= 0 {
		abortRetryTimeout = DefaultAbortRetryTimeout
	}
	return &Coordinator{
		reg:               reg,
		store:             store,
		clk:               clk,
		abortTimeout:      abortTimeout,
		abortRetryTimeout: abortRetryTimeout,
	}
}

// BeginPendingStop starts a new stop episode. It rejects with
// session.ErrPendingStopExists if one is already in flight, and with
// session.ErrSessionUnknown if sessionID isn't registered.
func (c *Coordinator) BeginPendingStop(ctx context.Context, sessionID string, mode registry.StopMode, source registry.StopSource, reason string) error {
	as := c.reg.Get(sessionID)
	if as == nil {
		return session.ErrSessionUnknown
	}

	p := &registry.PendingStop{
		Mode:           mode,
		Source:         source,
		RequestedAt:    c.clk.Now(),
		PreviousStatus: as.Session.Status,
	}
	if !as.BeginPendingStop(p) {
		return session.ErrPendingStopExists
	}

	as.Session.Status = session.StatusStopping
	if err := c.store.SaveSession(ctx, as.Session); err != nil {
		slog.Error("stop: persist on begin failed", "sessionId", sessionID, "error", err)
	}

	as.Broadcast(registry.ClientMessage{Type: "stop_requested", Payload: map[string]any{"source": source, "reason": reason}})
	as.Broadcast(registry.ClientMessage{Type: "state", Payload: as.Session})

	switch mode {
	case registry.StopModeAbort:
		c.scheduleAbortStopTimeout(sessionID, as)
	case registry.StopModeTerminate:
		go func() {
			if err := c.ForceTerminateSessionProcess(context.Background(), sessionID, source); err != nil {
				slog.Error("stop: force terminate failed", "sessionId", sessionID, "error", err)
			}
		}()
	}
	return nil
}

// PromotePendingStop upgrades an in-flight stop (typically abort ->
// terminate), cancelling any scheduled timeout. Returns session.ErrSessionUnknown
// if sessionID isn't registered, or an error if no stop is pending.
func (c *Coordinator) PromotePendingStop(sessionID string, mode registry.StopMode, source registry.StopSource) error {
	as := c.reg.Get(sessionID)
	if as == nil {
		return session.ErrSessionUnknown
	}
	pending := as.GetPendingStop()
	if pending == nil {
		return fmt.Errorf("stop: no pending stop to promote for session %s", sessionID)
	}
	if pending.TimeoutHandle != nil {
		pending.TimeoutHandle()
		pending.TimeoutHandle = nil
	}
	pending.Mode = mode
	pending.Source = source
	return nil
}

// scheduleAbortStopTimeout arms the first-stage abort timeout. On fire, if
// the session is still pending abort, it retries abort/abortBash on the
// backend and arms a second, final-stage timeout.
func (c *Coordinator) scheduleAbortStopTimeout(sessionID string, as *registry.ActiveSession) {
	timer := c.clk.NewTimer(c.abortTimeout)
	pending := as.GetPendingStop()
	if pending != nil {
		pending.TimeoutHandle = func() { timer.Stop() }
	}

	go func() {
		<-timer.Chan()
		current := as.GetPendingStop()
		if current == nil || current.Mode != registry.StopModeAbort {
			return
		}

		ctx := context.Background()
		if as.Backend != nil {
			if _, err := as.Backend.Do(ctx, backend.Command{Type: backend.CmdAbort}); err != nil {
				slog.Warn("stop: abort retry failed (non-fatal)", "sessionId", sessionID, "error", err)
			}
			if _, err := as.Backend.Do(ctx, backend.Command{Type: backend.CmdAbortBash}); err != nil {
				slog.Warn("stop: abortBash retry failed (non-fatal)", "sessionId", sessionID, "error", err)
			}
		}
		as.Broadcast(registry.ClientMessage{Type: "stop_requested", Payload: map[string]any{"source": current.Source, "retry": true}})

		c.scheduleFinalAbortTimeout(sessionID, as)
	}()
}

func (c *Coordinator) scheduleFinalAbortTimeout(sessionID string, as *registry.ActiveSession) {
	timer := c.clk.NewTimer(c.abortRetryTimeout)
	pending := as.GetPendingStop()
	if pending != nil {
		pending.TimeoutHandle = func() { timer.Stop() }
	}

	go func() {
		<-timer.Chan()
		current := as.GetPendingStop()
		if current == nil || current.Mode != registry.StopModeAbort {
			return
		}
		c.finishPendingStopWithFailure(context.Background(), sessionID, as, "the agent may still be processing")
	}()
}

// FinishPendingAbortWithSuccess closes out a pending abort when agent_end
// arrives. It satisfies events.StopFinalizer.
func (c *Coordinator) FinishPendingAbortWithSuccess(ctx context.Context, sessionID string, as *registry.ActiveSession) {
	pending := as.ClearPendingStop()
	if pending == nil {
		return
	}
	if pending.TimeoutHandle != nil {
		pending.TimeoutHandle()
	}
	as.Broadcast(registry.ClientMessage{Type: "stop_confirmed", Payload: map[string]any{"source": pending.Source}})
}

// ForceTerminateSessionProcess disposes the backend, clears the pending
// stop, and broadcasts stop_confirmed, then hands off to OnTerminated for
// session-end teardown. On dispose failure it fails the pending stop
// instead and returns session.ErrForceStopFailed.
func (c *Coordinator) ForceTerminateSessionProcess(ctx context.Context, sessionID string, source registry.StopSource) error {
	as := c.reg.Get(sessionID)
	if as == nil {
		return session.ErrSessionUnknown
	}

	if pending := as.GetPendingStop(); pending != nil && pending.TimeoutHandle != nil {
		pending.TimeoutHandle()
	}

	var disposeErr error
	if as.Backend != nil {
		disposeErr = as.Backend.Dispose(ctx)
	}
	if disposeErr != nil {
		c.finishPendingStopWithFailure(ctx, sessionID, as, fmt.Sprintf("Force stop failed: %v", disposeErr))
		return fmt.Errorf("%w: %v", session.ErrForceStopFailed, disposeErr)
	}

	as.ClearPendingStop()
	as.Broadcast(registry.ClientMessage{Type: "stop_confirmed", Payload: map[string]any{"source": source}})

	if c.OnTerminated != nil {
		c.OnTerminated(sessionID)
	}
	return nil
}

// finishPendingStopWithFailure restores the session's previous status
// (never back to "stopping"; "busy" in that degenerate case), persists, and
// broadcasts state + stop_failed.
func (c *Coordinator) finishPendingStopWithFailure(ctx context.Context, sessionID string, as *registry.ActiveSession, reason string) {
	pending := as.ClearPendingStop()
	if pending == nil {
		return
	}

	if as.Session.Status == session.StatusStopping {
		restored := pending.PreviousStatus
		if restored == session.StatusStopping {
			restored = session.StatusBusy
		}
		as.Session.Status = restored
	}

	if err := c.store.SaveSession(ctx, as.Session); err != nil {
		slog.Error("stop: persist on failure path failed", "sessionId", sessionID, "error", err)
	}

	as.Broadcast(registry.ClientMessage{Type: "state", Payload: as.Session})
	as.Broadcast(registry.ClientMessage{Type: "stop_failed", Payload: map[string]any{"source": pending.Source, "reason": reason}})
}
