package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a thread-safe token bucket. It refills at a constant rate and
// allows bursts up to its capacity.
type TokenBucket struct {
	capacity   float64 // burst size
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a full bucket.
//   - capacity=3, refillRate=0.5 allows 3 generations at once, then one every 2s
func NewTokenBucket(capacity, refillRate float64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity, refillRate float64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes one token if available.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN consumes n tokens if available.
func (tb *TokenBucket) AllowN(n float64) bool {
	allowed, _ := tb.take(n)
	return allowed
}

// take consumes n tokens when available and reports what is left, in one
// critical section.
func (tb *TokenBucket) take(n float64) (bool, float64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens < n {
		return false, tb.tokens
	}
	tb.tokens -= n
	return true, tb.tokens
}

// Remaining returns the tokens currently available.
func (tb *TokenBucket) Remaining() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

// Reset refills the bucket to capacity.
func (tb *TokenBucket) Reset() {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.tokens = tb.capacity
	tb.lastRefill = tb.now()
}

// WaitTime returns how long until one token is available.
func (tb *TokenBucket) WaitTime() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= 1 {
		return 0
	}
	return secondsToDuration((1 - tb.tokens) / tb.refillRate)
}

// refill must be called with the lock held.
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	}
	tb.lastRefill = now
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
