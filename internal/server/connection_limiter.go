package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// GlobalConnectionLimiter caps total concurrent stream connections on this
// instance, in front of the dispatcher's per-tier quotas.
// Uses atomic operations for lock-free counting.
type GlobalConnectionLimiter struct {
	current atomic.Int64
	max     int64
}

// NewGlobalConnectionLimiter creates a limiter with the specified maximum connections.
func NewGlobalConnectionLimiter(max int64) *GlobalConnectionLimiter {
	return &GlobalConnectionLimiter{max: max}
}

// Acquire attempts to acquire a connection slot.
// Returns true if successful, false if at capacity.
func (l *GlobalConnectionLimiter) Acquire() bool {
	for {
		current := l.current.Load()
		if current >= l.max {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// Release releases a connection slot.
func (l *GlobalConnectionLimiter) Release() {
	l.current.Add(-1)
}

// Current returns the current number of connections.
func (l *GlobalConnectionLimiter) Current() int64 {
	return l.current.Load()
}

// Max returns the maximum allowed connections.
func (l *GlobalConnectionLimiter) Max() int64 {
	return l.max
}

// IPConnectionLimiter limits concurrent stream connections per IP address.
// Protects against single-source exhaustion ahead of per-user tier quotas.
type IPConnectionLimiter struct {
	mu     sync.RWMutex
	ips    map[string]int
	maxPer int
}

// NewIPConnectionLimiter creates a limiter with the specified per-IP maximum.
func NewIPConnectionLimiter(maxPer int) *IPConnectionLimiter {
	return &IPConnectionLimiter{
		ips:    make(map[string]int),
		maxPer: maxPer,
	}
}

// Acquire attempts to acquire a connection slot for the given IP.
// Returns true if successful, false if IP is at its limit.
func (l *IPConnectionLimiter) Acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ips[ip] >= l.maxPer {
		return false
	}
	l.ips[ip]++
	return true
}

// Release releases a connection slot for the given IP.
func (l *IPConnectionLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count := l.ips[ip]; count > 0 {
		l.ips[ip] = count - 1
		if l.ips[ip] == 0 {
			delete(l.ips, ip)
		}
	}
}

// Count returns the current connection count for the given IP.
func (l *IPConnectionLimiter) Count(ip string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ips[ip]
}

// UniqueIPs returns the number of unique IPs with active connections.
func (l *IPConnectionLimiter) UniqueIPs() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ips)
}

// ConnectionRateLimiter limits the rate of new connection attempts per IP.
// Uses token bucket algorithm via golang.org/x/time/rate. Clock-injected so
// tests can drive refills deterministically.
type ConnectionRateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rateLimiterEntry
	rate      rate.Limit
	burst     int
	clock     clockwork.Clock
	cleanupAt time.Time
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const limiterCleanupInterval = 5 * time.Minute

// NewConnectionRateLimiter creates a rate limiter with the specified attempts per second and burst.
func NewConnectionRateLimiter(attemptsPerSecond float64, burst int, clock clockwork.Clock) *ConnectionRateLimiter {
	return &ConnectionRateLimiter{
		limiters:  make(map[string]*rateLimiterEntry),
		rate:      rate.Limit(attemptsPerSecond),
		burst:     burst,
		clock:     clock,
		cleanupAt: clock.Now().Add(limiterCleanupInterval),
	}
}

// Allow checks if a new connection from the given IP should be allowed.
// Returns true if allowed (token available), false if rate limited.
func (l *ConnectionRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.After(l.cleanupAt) {
		l.cleanup(now)
		l.cleanupAt = now.Add(limiterCleanupInterval)
	}

	entry, exists := l.limiters[ip]
	if !exists {
		entry = &rateLimiterEntry{
			limiter: rate.NewLimiter(l.rate, l.burst),
		}
		l.limiters[ip] = entry
	}

	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// cleanup removes limiters that haven't been used in two cleanup intervals.
// Must be called with mu held.
func (l *ConnectionRateLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-2 * limiterCleanupInterval)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}

// ActiveLimiters returns the number of tracked per-IP limiters.
func (l *ConnectionRateLimiter) ActiveLimiters() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
