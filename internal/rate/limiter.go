// Package rate provides fixed-window request limiters keyed by caller
// identity. Handlers receive a Limiter instead of sharing process globals.
package rate

import (
	"context"
	"sync"
	"time"
)

// Limiter decides whether one more request for key fits the current window.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// WindowLimiter is an in-process fixed-window limiter. Windows start at the
// first request for a key and idle keys are swept once per window.
type WindowLimiter struct {
	mu              sync.Mutex
	limit           int
	window          time.Duration
	items           map[string]*windowEntry
	lastCleanup     time.Time
	cleanupInterval time.Duration
	now             func() time.Time
}

type windowEntry struct {
	start time.Time
	count int
}

func NewWindowLimiter(limit int, window time.Duration) *WindowLimiter {
	return &WindowLimiter{
		limit:           limit,
		window:          window,
		items:           make(map[string]*windowEntry),
		lastCleanup:     time.Now(),
		cleanupInterval: window,
		now:             time.Now,
	}
}

func (l *WindowLimiter) Allow(_ context.Context, key string) bool {
	if l.limit <= 0 {
		return true
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeCleanup(now)

	entry, ok := l.items[key]
	if !ok {
		l.items[key] = &windowEntry{start: now, count: 1}
		return true
	}
	if now.Sub(entry.start) >= l.window {
		entry.start = now
		entry.count = 1
		return true
	}
	if entry.count >= l.limit {
		return false
	}
	entry.count++
	return true
}

func (l *WindowLimiter) maybeCleanup(now time.Time) {
	if l.cleanupInterval <= 0 || l.window <= 0 {
		return
	}
	if !l.lastCleanup.IsZero() && now.Sub(l.lastCleanup) < l.cleanupInterval {
		return
	}
	for key, entry := range l.items {
		if now.Sub(entry.start) >= l.window {
			delete(l.items, key)
		}
	}
	l.lastCleanup = now
}

// Size returns the number of tracked keys.
func (l *WindowLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}
