package api

import (
	"sync"

	"golang.org/x/time/rate"
)

// sessionLimiter hands out one token bucket per session.
type sessionLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// newSessionLimiter creates a limiter. A non-positive rps disables limiting.
func newSessionLimiter(rps float64, burst int) *sessionLimiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &sessionLimiter{limit: limit, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

// Allow reports whether the session may send another message now.
func (l *sessionLimiter) Allow(sessionID string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[sessionID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[sessionID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// Forget drops the bucket of a closed session.
func (l *sessionLimiter) Forget(sessionID string) {
	l.mu.Lock()
	delete(l.limiters, sessionID)
	l.mu.Unlock()
}
