package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// callerLimiter applies a token bucket per caller and evicts idle callers.
type callerLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu     sync.Mutex
	byKey  map[string]*limiterEntry
	checks uint64
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newCallerLimiter returns nil when rps or burst is not positive, which disables limiting.
func newCallerLimiter(rps float64, burst int) *callerLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &callerLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: 10 * time.Minute,
		byKey:   make(map[string]*limiterEntry),
	}
}

func (l *callerLimiter) allow(key string, now time.Time) bool {
	if l == nil || key == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.checks++
	if l.checks%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(l.byKey, k)
			}
		}
	}
	return allowed
}
