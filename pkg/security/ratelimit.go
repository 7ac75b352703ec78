package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter limits inbound requests globally and per client.
type RateLimiter struct {
	globalLimiter  *rate.Limiter
	clientLimiters map[string]*clientLimiter
	mu             sync.RWMutex

	// Configuration
	requestsPerSecond float64
	burst             int
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter. The global limiter allows ten
// times the per-client rate.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		globalLimiter:     rate.NewLimiter(rate.Limit(requestsPerSecond*10), burst*10),
		clientLimiters:    make(map[string]*clientLimiter),
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
	}
}

// Allow checks if a request should be allowed
func (rl *RateLimiter) Allow(clientID string) bool {
	if !rl.globalLimiter.Allow() {
		return false
	}
	return rl.getClientLimiter(clientID).Allow()
}

// Forget drops client limiters idle for longer than idle and returns how
// many were removed.
func (rl *RateLimiter) Forget(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for id, cl := range rl.clientLimiters {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.clientLimiters, id)
			n++
		}
	}
	return n
}

// getClientLimiter gets or creates a rate limiter for a specific client
func (rl *RateLimiter) getClientLimiter(clientID string) *rate.Limiter {
	now := time.Now()

	rl.mu.RLock()
	cl, exists := rl.clientLimiters[clientID]
	rl.mu.RUnlock()

	if exists {
		rl.mu.Lock()
		cl.lastSeen = now
		rl.mu.Unlock()
		return cl.limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if cl, exists := rl.clientLimiters[clientID]; exists {
		cl.lastSeen = now
		return cl.limiter
	}

	cl = &clientLimiter{
		limiter:  rate.NewLimiter(rate.Limit(rl.requestsPerSecond), rl.burst),
		lastSeen: now,
	}
	rl.clientLimiters[clientID] = cl
	return cl.limiter
}
