// Package ratelimit implements a fixed-window attempt counter keyed by
// (identity, action). The window resets on expiry rather than sliding,
// so a burst of up to 2x the limit is possible across a window boundary.
// That is accepted behavior for this service, not a bug.
package ratelimit

import (
	"sync"
	"time"
)

// Action names used across the service.
const (
	ActionGenerate = "generate"
	ActionRedeem   = "redeem"
)

type key struct {
	identity string
	action   string
}

type entry struct {
	attempts      int
	windowResetAt time.Time
}

// Limiter counts attempts per (identity, action) within a fixed window.
// Entries are process-scoped and recreated when their window expires.
type Limiter struct {
	mu      sync.Mutex
	entries map[key]*entry
	now     func() time.Time
}

// New returns an empty limiter using the wall clock.
func New() *Limiter {
	return &Limiter{
		entries: make(map[key]*entry),
		now:     time.Now,
	}
}

// NewWithClock returns a limiter with an injected clock for tests.
func NewWithClock(now func() time.Time) *Limiter {
	l := New()
	l.now = now
	return l
}

// Allow consumes one attempt for (identity, action). A missing or
// expired entry is replaced by a fresh window with one attempt consumed.
// Once attempts reach maxAttempts further calls are denied without
// incrementing until the window resets.
func (l *Limiter) Allow(identity, action string, maxAttempts int, window time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	k := key{identity: identity, action: action}

	e, ok := l.entries[k]
	if !ok || now.After(e.windowResetAt) {
		l.entries[k] = &entry{attempts: 1, windowResetAt: now.Add(window)}
		return true
	}
	if e.attempts >= maxAttempts {
		return false
	}
	e.attempts++
	return true
}

// Remaining reports the attempts left in the current window. A missing
// or expired entry reports the full budget.
func (l *Limiter) Remaining(identity, action string, maxAttempts int) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key{identity: identity, action: action}]
	if !ok || l.now().After(e.windowResetAt) {
		return maxAttempts
	}
	left := maxAttempts - e.attempts
	if left < 0 {
		return 0
	}
	return left
}
