package registry

import "time"

// AddSubscriber registers sink under id, replacing any existing sink with
// the same id (a client reconnecting with the same connection id).
func (a *ActiveSession) AddSubscriber(id string, sink Sink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribers[id] = sink
}

// RemoveSubscriber drops the subscriber registered under id, if any.
func (a *ActiveSession) RemoveSubscriber(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.subscribers, id)
}

// SubscriberCount reports how many subscribers are currently attached.
func (a *ActiveSession) SubscriberCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.subscribers)
}

// Broadcast records msg in the reconnect-replay ring and fans it out to
// every subscriber. A panicking or misbehaving sink never prevents delivery
// to the others (spec.md §6: "failures per subscriber do not affect
// others").
func (a *ActiveSession) Broadcast(msg ClientMessage) {
	a.mu.Lock()
	a.ring.push(msg)
	sinks := make([]Sink, 0, len(a.subscribers))
	for _, s := range a.subscribers {
		sinks = append(sinks, s)
	}
	a.mu.Unlock()

	for _, sink := range sinks {
		deliver(sink, msg)
	}
}

func deliver(sink Sink, msg ClientMessage) {
	defer func() { _ = recover() }()
	sink(msg)
}

// ReplaySnapshot returns the buffered messages available for a reconnecting
// client, oldest first.
func (a *ActiveSession) ReplaySnapshot() []ClientMessage {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ring.snapshot()
}

// SeenTurn reports whether turnID has already been recorded within window,
// and records it if not. Used by the event processor to suppress duplicate
// agent_start (turn-start) events the backend occasionally re-emits.
func (a *ActiveSession) SeenTurn(turnID string, now time.Time, window time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ts, ok := a.turnDedupe[turnID]; ok && now.Sub(ts) < window {
		return true
	}
	a.turnDedupe[turnID] = now
	for id, ts := range a.turnDedupe {
		if now.Sub(ts) > window {
			delete(a.turnDedupe, id)
		}
	}
	return false
}

// BeginPendingStop installs p as the session's in-flight stop episode. It
// returns false if a stop is already pending (spec.md §7:
// ErrPendingStopExists).
func (a *ActiveSession) BeginPendingStop(p *PendingStop) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.PendingStop != nil {
		return false
	}
	a.PendingStop = p
	return true
}

// ClearPendingStop removes the current pending stop, if any, and returns it.
func (a *ActiveSession) ClearPendingStop() *PendingStop {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.PendingStop
	a.PendingStop = nil
	return p
}

// GetPendingStop returns the current pending stop, if any.
func (a *ActiveSession) GetPendingStop() *PendingStop {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.PendingStop
}
