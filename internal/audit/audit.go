// Package audit provides an append-only, buffered record of security-relevant
// session lifecycle events. The relay only ever writes this log.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Kind classifies an audit event.
type Kind string

const (
	// KindSessionStart records a spawn or resume acceptance.
	KindSessionStart Kind = "session_start"
	// KindSessionEnd records a session reaching a terminal status.
	KindSessionEnd Kind = "session_end"
	// KindPermissionDecision records a resolved permission or control request.
	KindPermissionDecision Kind = "permission_decision"
	// KindLimitBreach records a resource-ceiling breach.
	KindLimitBreach Kind = "limit_breach"
)

// Actor identifies who caused a recorded event.
type Actor string

const (
	// ActorBrowser is a browser client decision.
	ActorBrowser Actor = "browser"
	// ActorDaemon is a daemon-originated event.
	ActorDaemon Actor = "daemon"
	// ActorSystem is the relay acting on its own (breaches, sweeps).
	ActorSystem Actor = "system"
)

// Event is one audit record.
type Event struct {
	Time      time.Time `json:"time"`
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	Actor     Actor     `json:"actor"`
	Detail    string    `json:"detail,omitempty"`
	LimitType string    `json:"limit_type,omitempty"`
	Allowed   *bool     `json:"allowed,omitempty"`
}

// Sink is the durable destination for flushed events.
type Sink interface {
	WriteEvents(ctx context.Context, events []Event) error
	Close() error
}

// Log buffers events in memory and flushes them to the sink on a fixed
// interval and on Close. A failed flush re-queues the entries rather than
// dropping them.
type Log struct {
	mu      sync.Mutex
	pending []Event
	sink    Sink

	flushTimeout time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a log flushing to sink every interval.
func New(sink Sink, interval time.Duration) *Log {
	l := &Log{
		sink:         sink,
		flushTimeout: 10 * time.Second,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go l.run(interval)
	return l
}

// Record appends one event to the buffer. It never blocks on the sink.
func (l *Log) Record(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	l.mu.Lock()
	l.pending = append(l.pending, ev)
	l.mu.Unlock()
}

// Flush writes all buffered events to the sink. On failure the batch is
// placed back at the front of the buffer for the next attempt.
func (l *Log) Flush(ctx context.Context) error {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := l.sink.WriteEvents(ctx, batch); err != nil {
		l.mu.Lock()
		l.pending = append(batch, l.pending...)
		l.mu.Unlock()
		return err
	}
	return nil
}

// Pending returns the number of buffered events.
func (l *Log) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Close flushes remaining events and closes the sink. Safe to call twice.
func (l *Log) Close() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.stop)
		<-l.done

		ctx, cancel := context.WithTimeout(context.Background(), l.flushTimeout)
		defer cancel()
		if flushErr := l.Flush(ctx); flushErr != nil {
			slog.Error("Audit flush on close failed", "error", flushErr, "pending", l.Pending())
			err = flushErr
		}
		if closeErr := l.sink.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	})
	return err
}

func (l *Log) run(interval time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.flushTimeout)
			if err := l.Flush(ctx); err != nil {
				slog.Warn("Audit flush failed, entries re-queued", "error", err, "pending", l.Pending())
			}
			cancel()
		}
	}
}
