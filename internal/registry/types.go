// Package registry implements C9: the active-session table, subscriber
// fan-out, idle timers, and the event ring used for reconnect replay. It
// also holds the ActiveSession and PendingStop projections (spec.md §3)
// since they are exclusively owned by the registry.
package registry

import (
	"sync"
	"time"

	"github.com/workspace/pid-agentd/internal/backend"
	"github.com/workspace/pid-agentd/internal/session"
)

// ClientMessage is one server->client message (spec.md §6).
type ClientMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Sink receives broadcast messages for one subscriber. A panicking sink
// never affects delivery to other subscribers — Broadcast recovers around
// each sink call.
type Sink func(msg ClientMessage)

// StopMode is the kind of in-flight stop episode.
type StopMode string

const (
	StopModeAbort     StopMode = "abort"
	StopModeTerminate StopMode = "terminate"
)

// StopSource names who initiated a pending stop.
type StopSource string

const (
	StopSourceUser    StopSource = "user"
	StopSourceTimeout StopSource = "timeout"
	StopSourceServer  StopSource = "server"
)

// PendingStop is an in-flight stop episode (spec.md §3).
type PendingStop struct {
	Mode           StopMode
	Source         StopSource
	RequestedAt    time.Time
	PreviousStatus session.Status
	TimeoutHandle  func() // cancels any scheduled follow-up timer; nil if none
}

// ActiveSession is the transient in-memory projection of a running session
// (spec.md §3). Its own mutex (mu) guards the subscribers, replay ring,
// turn-dedupe table, sequence counter and PendingStop, which are reached
// through ActiveSession methods. Session, Backend, the UI-request maps and
// the streaming accumulators are read and written directly by the event
// processor and the coordinators without taking mu.
type ActiveSession struct {
	mu sync.RWMutex

	Session *session.Session
	Backend backend.Backend

	subscribers map[string]Sink

	PendingUIRequests map[string]UIRequest
	PartialResults    map[string]string

	StreamedAssistantText string
	HasStreamedThinking   bool

	turnDedupe map[string]time.Time

	ring *ring

	seq uint64

	PendingStop *PendingStop
}

// UIRequest is an extension_ui_request entry of
// ActiveSession.PendingUIRequests. This module has no reply path for it.
type UIRequest struct {
	ID      string
	Method  string
	Payload map[string]any
}

// NewActiveSession builds an ActiveSession with empty subscriber/UI maps and
// a bounded event ring of the given capacity.
func NewActiveSession(sess *session.Session, be backend.Backend, ringCapacity int) *ActiveSession {
	return &ActiveSession{
		Session:           sess,
		Backend:           be,
		subscribers:       make(map[string]Sink),
		PendingUIRequests: make(map[string]UIRequest),
		PartialResults:    make(map[string]string),
		turnDedupe:        make(map[string]time.Time),
		ring:              newRing(ringCapacity),
	}
}

// NextSeq returns the next monotonic sequence number for this session.
func (a *ActiveSession) NextSeq() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	return a.seq
}
