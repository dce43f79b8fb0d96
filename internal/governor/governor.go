// Package governor tracks per-session runtime, output, and idle accounting
// and detects resource-ceiling breaches.
package governor

import (
	"fmt"
	"sync"
	"time"
)

// Limit identifies which ceiling a session crossed.
type Limit string

const (
	// LimitNone means no ceiling was crossed.
	LimitNone Limit = ""
	// LimitMaxRuntime is wall-clock time since tracking started.
	LimitMaxRuntime Limit = "max_runtime"
	// LimitMaxOutput is cumulative output bytes across all output events.
	LimitMaxOutput Limit = "max_output"
	// LimitIdle is wall-clock time since the last activity.
	LimitIdle Limit = "idle_timeout"
)

// Message returns the human-readable breach description sent to subscribers.
func (l Limit) Message() string {
	switch l {
	case LimitMaxRuntime:
		return "session exceeded its maximum runtime"
	case LimitMaxOutput:
		return "session exceeded its maximum output size"
	case LimitIdle:
		return "session was idle for too long"
	default:
		return ""
	}
}

type stats struct {
	startTime    time.Time
	outputBytes  int64
	lastActivity time.Time
}

// Limits holds the three independently-checked ceilings.
type Limits struct {
	MaxRuntime  time.Duration
	MaxOutput   int64
	IdleTimeout time.Duration
}

// Governor tracks sessions from engine init to termination. A session that
// was never started is never reported as breaching.
type Governor struct {
	mu       sync.Mutex
	sessions map[string]*stats
	limits   Limits

	now func() time.Time

	sweepMu      sync.Mutex
	sweepStop    chan struct{}
	sweepRunning bool
}

// New creates a governor with the given ceilings.
func New(limits Limits) *Governor {
	return &Governor{
		sessions: make(map[string]*stats),
		limits:   limits,
		now:      time.Now,
	}
}

// StartTracking begins accounting for a session. Called on engine init;
// calling it again for the same id resets the counters (a resumed session
// starts a fresh budget).
func (g *Governor) StartTracking(id string) {
	now := g.now()
	g.mu.Lock()
	g.sessions[id] = &stats{startTime: now, lastActivity: now}
	g.mu.Unlock()
}

// StopTracking ends accounting for a session and reports whether the id was
// being tracked. Safe to call for untracked ids; the return value lets
// concurrent breach paths elect a single winner.
func (g *Governor) StopTracking(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.sessions[id]; !ok {
		return false
	}
	delete(g.sessions, id)
	return true
}

// Tracked reports whether the session is currently being accounted.
func (g *Governor) Tracked(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.sessions[id]
	return ok
}

// OutputBytes returns the cumulative output byte count for a tracked session.
func (g *Governor) OutputBytes(id string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sessions[id]; ok {
		return s.outputBytes
	}
	return 0
}

// RecordOutput adds n bytes to the session's cumulative output and reports
// which ceiling, if any, is now exceeded. Runtime is checked before output.
// Idle is not checked here: idle breach is defined by the absence of events
// and is detected by the sweep instead.
func (g *Governor) RecordOutput(id string, n int64) Limit {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.sessions[id]
	if !ok {
		return LimitNone
	}

	s.outputBytes += n
	s.lastActivity = now

	if g.limits.MaxRuntime > 0 && now.Sub(s.startTime) > g.limits.MaxRuntime {
		return LimitMaxRuntime
	}
	if g.limits.MaxOutput > 0 && s.outputBytes > g.limits.MaxOutput {
		return LimitMaxOutput
	}
	return LimitNone
}

// Touch refreshes the session's last-activity time. Called for both outbound
// daemon events and inbound browser activity.
func (g *Governor) Touch(id string) {
	now := g.now()
	g.mu.Lock()
	if s, ok := g.sessions[id]; ok {
		s.lastActivity = now
	}
	g.mu.Unlock()
}

// IdleSessions returns the ids of tracked sessions whose last activity is
// older than the idle ceiling. The scan iterates a snapshot so callers may
// mutate tracking while acting on the result.
func (g *Governor) IdleSessions() []string {
	if g.limits.IdleTimeout <= 0 {
		return nil
	}
	now := g.now()

	g.mu.Lock()
	var idle []string
	for id, s := range g.sessions {
		if now.Sub(s.lastActivity) > g.limits.IdleTimeout {
			idle = append(idle, id)
		}
	}
	g.mu.Unlock()
	return idle
}

// StartIdleSweep scans for idle breaches on a fixed interval and invokes
// onBreach outside the governor lock for each one. Starting twice is a no-op.
func (g *Governor) StartIdleSweep(interval time.Duration, onBreach func(id string, limit Limit)) {
	g.sweepMu.Lock()
	defer g.sweepMu.Unlock()
	if g.sweepRunning {
		return
	}
	g.sweepRunning = true
	g.sweepStop = make(chan struct{})
	stop := g.sweepStop

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				for _, id := range g.IdleSessions() {
					onBreach(id, LimitIdle)
				}
			}
		}
	}()
}

// StopIdleSweep stops the background sweep. Safe to call twice.
func (g *Governor) StopIdleSweep() {
	g.sweepMu.Lock()
	defer g.sweepMu.Unlock()
	if !g.sweepRunning {
		return
	}
	g.sweepRunning = false
	close(g.sweepStop)
}

// String implements fmt.Stringer for log lines.
func (l Limits) String() string {
	return fmt.Sprintf("runtime=%s output=%d idle=%s", l.MaxRuntime, l.MaxOutput, l.IdleTimeout)
}
