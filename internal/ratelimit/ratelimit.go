// Package ratelimit implements a per-client token bucket rate limiter for the
// execution gateways. Thread-safe. No background goroutines: tokens are
// refilled lazily on each Allow call and idle buckets are dropped by Prune.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a client has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter is a per-client token bucket rate limiter.
// Each client gets an independent bucket; one client cannot exhaust another's quota.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*bucket
	rate    float64 // tokens per second
	burst   float64 // max bucket capacity
	now     func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		clients: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
		now:     time.Now,
	}
}

// Allow consumes one token from the client's bucket. Returns ErrRateLimited
// if the bucket is empty.
func (l *Limiter) Allow(client string) error {
	_, err := l.Reserve(client)
	return err
}

// Reserve is Allow that also reports, on rejection, how long until the next
// token is available. Gateways surface it as Retry-After.
func (l *Limiter) Reserve(client string) (time.Duration, error) {
	if l == nil || l.rate <= 0 {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.refill(client, now)
	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
		return wait, ErrRateLimited
	}
	b.tokens--
	return 0, nil
}

// Must be called with l.mu held.
func (l *Limiter) refill(client string, now time.Time) *bucket {
	b, ok := l.clients[client]
	if !ok {
		// First request: start with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.clients[client] = b
		return b
	}
	b.tokens += now.Sub(b.lastFill).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now
	return b
}

// Prune drops buckets that have been full for at least idle, returning how
// many were removed. A dropped client restarts with a full bucket, so pruning
// never changes what Allow decides.
func (l *Limiter) Prune(idle time.Duration) int {
	if l == nil || l.rate <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	fullAfter := time.Duration(l.burst / l.rate * float64(time.Second))
	removed := 0
	for client, b := range l.clients {
		if now.Sub(b.lastFill) >= max(idle, fullAfter) {
			delete(l.clients, client)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
