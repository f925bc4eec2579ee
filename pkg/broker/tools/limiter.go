// Package tools implements the Tool Executor:
// argument-delta coalescing, rate limiting, RAG cache lookups, and the
// low-confidence escalation policy that runs whenever the upstream model
// invokes rag_search.
package tools

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces the minimum spacing between tool dispatches: one
// token-bucket limiter per session, held in a map of per-key
// *rate.Limiter behind a mutex.
type Limiter struct {
	interval time.Duration

	mu       sync.Mutex
	sessions map[string]*rate.Limiter
}

func NewLimiter(interval time.Duration) *Limiter {
	if interval <= 0 {
		interval = 1200 * time.Millisecond
	}
	return &Limiter{interval: interval, sessions: make(map[string]*rate.Limiter)}
}

// Allow reports whether sessionID may dispatch a tool call now.
func (l *Limiter) Allow(sessionID string) bool {
	return l.get(sessionID).Allow()
}

func (l *Limiter) get(sessionID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.sessions[sessionID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(l.interval), 1)
		l.sessions[sessionID] = lim
	}
	return lim
}

// Forget drops the per-session limiter state, for use on session teardown.
func (l *Limiter) Forget(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, sessionID)
}
