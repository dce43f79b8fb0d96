// Package fanout maintains per-session sets of browser subscriber sockets
// and broadcasts events to them best-effort.
package fanout

import (
	"log/slog"
	"sync"
)

// Subscriber is one browser socket watching a session. Send must be
// non-blocking from the fanout's perspective: it returns an error rather than
// waiting for acknowledgement.
type Subscriber interface {
	Send(data []byte) error
	Close(reason string)
}

// Fanout tracks which subscribers watch which session. Delivery is
// best-effort: a subscriber whose send fails is pruned at send time rather
// than waiting for a close callback.
type Fanout struct {
	mu   sync.Mutex
	subs map[string]map[Subscriber]struct{}
}

// New creates an empty fanout.
func New() *Fanout {
	return &Fanout{subs: make(map[string]map[Subscriber]struct{})}
}

// Subscribe attaches sub to the session's broadcast set.
func (f *Fanout) Subscribe(sessionID string, sub Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[sessionID]; !ok {
		f.subs[sessionID] = make(map[Subscriber]struct{})
	}
	f.subs[sessionID][sub] = struct{}{}
}

// Unsubscribe detaches sub from the session's broadcast set.
func (f *Fanout) Unsubscribe(sessionID string, sub Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if set, ok := f.subs[sessionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(f.subs, sessionID)
		}
	}
}

// Count returns how many subscribers watch the session.
func (f *Fanout) Count(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[sessionID])
}

// Broadcast sends data to every subscriber of the session and returns how
// many sends succeeded. Failed subscribers are pruned.
func (f *Fanout) Broadcast(sessionID string, data []byte) int {
	f.mu.Lock()
	set := f.subs[sessionID]
	targets := make([]Subscriber, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	f.mu.Unlock()

	sent := 0
	for _, sub := range targets {
		if err := sub.Send(data); err != nil {
			slog.Debug("Pruning dead subscriber", "session_id", sessionID, "error", err)
			f.Unsubscribe(sessionID, sub)
			continue
		}
		sent++
	}
	return sent
}

// CloseSession closes and removes every subscriber of the session.
func (f *Fanout) CloseSession(sessionID string, reason string) {
	f.mu.Lock()
	set := f.subs[sessionID]
	delete(f.subs, sessionID)
	f.mu.Unlock()

	for sub := range set {
		sub.Close(reason)
	}
}
