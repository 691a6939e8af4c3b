package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	rate       float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a full bucket refilling at rate tokens per second.
func NewTokenBucket(rate, capacity int, now func() time.Time) *TokenBucket {
	if now == nil {
		now = time.Now
	}
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		rate:       float64(rate),
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	if elapsed := now.Sub(tb.lastRefill); elapsed > 0 {
		tb.tokens += elapsed.Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Limiter applies an optional global bucket plus one bucket per tunnel.
// A zero rate disables the corresponding check.
type Limiter struct {
	mu        sync.Mutex
	global    *TokenBucket
	perTunnel map[string]*TokenBucket
	rate      int
	burst     int
	now       func() time.Time
}

func New(globalRate, tunnelRate, burst int) *Limiter {
	return NewWithClock(globalRate, tunnelRate, burst, time.Now)
}

func NewWithClock(globalRate, tunnelRate, burst int, now func() time.Time) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{
		perTunnel: make(map[string]*TokenBucket),
		rate:      tunnelRate,
		burst:     burst,
		now:       now,
	}
	if globalRate > 0 {
		l.global = NewTokenBucket(globalRate, burst, now)
	}
	return l
}

// Allow reports whether one more public request for tunnelID may proceed.
func (l *Limiter) Allow(tunnelID string) bool {
	if l == nil {
		return true
	}
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	bucket, ok := l.perTunnel[tunnelID]
	if !ok {
		bucket = NewTokenBucket(l.rate, l.burst, l.now)
		l.perTunnel[tunnelID] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// Forget drops the bucket of a tunnel that went away.
func (l *Limiter) Forget(tunnelID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.perTunnel, tunnelID)
	l.mu.Unlock()
}

func (l *Limiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perTunnel)
}
