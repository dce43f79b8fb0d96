// Package ratelimit implements a fixed-window request throttle keyed by
// arbitrary strings. Windows are created and reset lazily on check, so no
// background timer is needed for correctness; a periodic cleanup sweep only
// reclaims memory for keys that stopped being checked.
package ratelimit

import (
	"sync"
	"time"
)

// Result reports the outcome of a single Check call.
type Result struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

type bucket struct {
	count   int
	resetAt time.Time
}

// Limiter is a fixed-window counter per key. Independent instances exist for
// different action classes so one abusive pattern cannot exhaust another
// action's budget.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   int
	window  time.Duration

	now func() time.Time

	sweepMu      sync.Mutex
	sweepStop    chan struct{}
	sweepRunning bool
}

// New creates a limiter allowing limit calls per window per key.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// Check consumes one slot for key if available. The first call on a fresh or
// expired key opens a new window.
func (l *Limiter) Check(key string) Result {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		b = &bucket{resetAt: now.Add(l.window)}
		l.buckets[key] = b
	}

	if b.count >= l.limit {
		return Result{Allowed: false, Remaining: 0, ResetIn: b.resetAt.Sub(now)}
	}

	b.count++
	return Result{
		Allowed:   true,
		Remaining: l.limit - b.count,
		ResetIn:   b.resetAt.Sub(now),
	}
}

// Cleanup drops buckets whose window has passed and returns how many were
// removed. Safe to call concurrently with Check.
func (l *Limiter) Cleanup() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.buckets {
		if !now.Before(b.resetAt) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// StartCleanupSweep runs Cleanup on a fixed interval until StopCleanupSweep
// is called. Starting twice is a no-op.
func (l *Limiter) StartCleanupSweep(interval time.Duration) {
	l.sweepMu.Lock()
	defer l.sweepMu.Unlock()
	if l.sweepRunning {
		return
	}
	l.sweepRunning = true
	l.sweepStop = make(chan struct{})
	stop := l.sweepStop

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				l.Cleanup()
			}
		}
	}()
}

// StopCleanupSweep stops the background sweep. Safe to call twice.
func (l *Limiter) StopCleanupSweep() {
	l.sweepMu.Lock()
	defer l.sweepMu.Unlock()
	if !l.sweepRunning {
		return
	}
	l.sweepRunning = false
	close(l.sweepStop)
}
