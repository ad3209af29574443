package stop

import (
	"context"
	"testing"
	"time"

	"github.com/workspace/pid-agentd/internal/backend"
	"github.com/workspace/pid-agentd/internal/clock"
	"github.com/workspace/pid-agentd/internal/registry"
	"github.com/workspace/pid-agentd/internal/session"
)

type memStore struct {
	saved map[string]*session.Session
}

func newMemStore() *memStore { return &memStore{saved: map[string]*session.Session{}} }

func (m *memStore) SaveSession(ctx context.Context, s *session.Session) error {
	cp := *s
	m.saved[s.ID] = &cp
	return nil
}

func setup(t *testing.T, abortTimeout, abortRetryTimeout time.Duration) (*Coordinator, *registry.Registry, *registry.ActiveSession, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Unix(0, 0))
	reg := registry.New(clk, 0, nil)
	store := newMemStore()
	c := New(reg, store, clk, abortTimeout, abortRetryTimeout)

	sess := session.NewSession("s1", "ws1")
	sess.Status = session.StatusBusy
	fb := backend.NewFake()
	as := registry.NewActiveSession(sess, fb, 8)
	reg.Register("s1", as)
	return c, reg, as, clk
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func TestBeginPendingStop_RejectsDuplicate(t *testing.T) {
	c, _, _, _ := setup(t, time.Hour, time.Hour)
	if err := c.BeginPendingStop(context.Background(), "s1", registry.StopModeAbort, registry.StopSourceUser, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := c.BeginPendingStop(context.Background(), "s1", registry.StopModeAbort, registry.StopSourceUser, "")
	if err != session.ErrPendingStopExists {
		t.Fatalf("expected ErrPendingStopExists, got %v", err)
	}
}

func TestBeginPendingStop_SetsStoppingAndBroadcasts(t *testing.T) {
	c, _, as, _ := setup(t, time.Hour, time.Hour)
	var types []string
	as.AddSubscriber("c1", func(msg registry.ClientMessage) { types = append(types, msg.Type) })

	if err := c.BeginPendingStop(context.Background(), "s1", registry.StopModeAbort, registry.StopSourceUser, "user requested"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if as.Session.Status != session.StatusStopping {
		t.Fatalf("expected status stopping, got %s", as.Session.Status)
	}
	if len(types) != 2 || types[0] != "stop_requested" || types[1] != "state" {
		t.Fatalf("expected [stop_requested state], got %v", types)
	}
}

func TestFinishPendingAbortWithSuccess_BroadcastsStopConfirmed(t *testing.T) {
	c, _, as, _ := setup(t, time.Hour, time.Hour)
	c.BeginPendingStop(context.Background(), "s1", registry.StopModeAbort, registry.StopSourceUser, "")

	var types []string
	as.AddSubscriber("c1", func(msg registry.ClientMessage) { types = append(types, msg.Type) })

	c.FinishPendingAbortWithSuccess(context.Background(), "s1", as)

	if as.GetPendingStop() != nil {
		t.Fatalf("expected pending stop cleared")
	}
	found := false
	for _, ty := range types {
		if ty == "stop_confirmed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected stop_confirmed broadcast, got %v", types)
	}
}

func TestAbortTimeout_RetriesThenFailsAfterSecondTimeout(t *testing.T) {
	c, _, as, clk := setup(t, 10*time.Millisecond, 10*time.Millisecond)
	fb := as.Backend.(*backend.Fake)

	c.BeginPendingStop(context.Background(), "s1", registry.StopModeAbort, registry.StopSourceUser, "")

	var types []string
	as.AddSubscriber("c1", func(msg registry.ClientMessage) { types = append(types, msg.Type) })

	clk.Advance(10 * time.Millisecond)
	waitFor(t, func() bool { return fb.CommandCount(backend.CmdAbort) >= 1 })

	clk.Advance(10 * time.Millisecond)
	waitFor(t, func() bool { return as.GetPendingStop() == nil })

	if as.Session.Status != session.StatusBusy {
		t.Fatalf("expected status restored to busy, got %s", as.Session.Status)
	}
	found := false
	for _, ty := range types {
		if ty == "stop_failed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected stop_failed broadcast, got %v", types)
	}
}

func TestForceTerminateSessionProcess_Success(t *testing.T) {
	c, reg, as, _ := setup(t, time.Hour, time.Hour)
	var terminated string
	c.OnTerminated = func(sessionID string) { terminated = sessionID }

	// StopModeAbort here so BeginPendingStop doesn't itself race the
	// explicit ForceTerminateSessionProcess call below (StopModeTerminate
	// fires force-terminate asynchronously from BeginPendingStop itself;
	// see TestBeginPendingStop_TerminateModeForceTerminatesWithoutExplicitCall).
	c.BeginPendingStop(context.Background(), "s1", registry.StopModeAbort, registry.StopSourceUser, "")

	var types []string
	as.AddSubscriber("c1", func(msg registry.ClientMessage) { types = append(types, msg.Type) })

	if err := c.ForceTerminateSessionProcess(context.Background(), "s1", registry.StopSourceUser); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if terminated != "s1" {
		t.Fatalf("expected OnTerminated callback with s1, got %q", terminated)
	}
	fb := as.Backend.(*backend.Fake)
	if !fb.Disposed {
		t.Fatalf("expected backend disposed")
	}
	found := false
	for _, ty := range types {
		if ty == "stop_confirmed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected stop_confirmed broadcast, got %v", types)
	}
	_ = reg
}

func TestForceTerminateSessionProcess_DisposeFailureRestoresStatus(t *testing.T) {
	c, _, as, _ := setup(t, time.Hour, time.Hour)
	fb := as.Backend.(*backend.Fake)
	fb.DisposeErr = context.DeadlineExceeded

	c.BeginPendingStop(context.Background(), "s1", registry.StopModeAbort, registry.StopSourceUser, "")

	err := c.ForceTerminateSessionProcess(context.Background(), "s1", registry.StopSourceUser)
	if err == nil {
		t.Fatalf("expected error from failed dispose")
	}
	if as.Session.Status != session.StatusBusy {
		t.Fatalf("expected status restored to busy, got %s", as.Session.Status)
	}
}

func TestBeginPendingStop_TerminateModeForceTerminatesWithoutExplicitCall(t *testing.T) {
	c, _, as, _ := setup(t, time.Hour, time.Hour)
	fb := as.Backend.(*backend.Fake)
	var terminated string
	c.OnTerminated = func(sessionID string) { terminated = sessionID }

	if err := c.BeginPendingStop(context.Background(), "s1", registry.StopModeTerminate, registry.StopSourceTimeout, "session idle timeout"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, func() bool { return fb.Disposed })
	waitFor(t, func() bool { return terminated == "s1" })
	if as.GetPendingStop() != nil {
		t.Fatalf("expected pending stop cleared once force-terminate completes")
	}
}
