// Package ratelimit throttles exercise generation per caller with token
// buckets kept in memory or in Redis.
package ratelimit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/superpaes/exercise-gateway/internal/logging"
)

// Store holds bucket state. MemoryStore serves a single process; RedisStore
// shares buckets between processes.
type Store interface {
	// Allow consumes one token from the bucket at key.
	Allow(ctx context.Context, key string, capacity, refillRate float64) (allowed bool, remaining float64, err error)
	// Remaining reports the tokens left without consuming one.
	Remaining(ctx context.Context, key string, capacity, refillRate float64) (float64, error)
	Reset(ctx context.Context, key string) error
	Close() error
}

// Config configures a Limiter.
type Config struct {
	Store             Store   // defaults to a MemoryStore
	RequestsPerSecond float64 // sustained rate per caller (default 0.5)
	BurstSize         float64 // bucket capacity per caller (default 5)
	Logger            *logrus.Entry
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining float64
	Limit     float64
	// RetryAfter is set when the request was refused.
	RetryAfter time.Duration
}

// Limiter applies one bucket per caller key. Store errors fail open.
type Limiter struct {
	store      Store
	capacity   float64
	refillRate float64
	logger     *logrus.Entry
}

// NewLimiter creates a Limiter.
func NewLimiter(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 0.5
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 5
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	return &Limiter{
		store:      store,
		capacity:   cfg.BurstSize,
		refillRate: cfg.RequestsPerSecond,
		logger:     logging.OrDiscard(cfg.Logger).WithField("component", "ratelimit"),
	}
}

// Allow consumes a token for key. An empty key is never limited.
func (l *Limiter) Allow(ctx context.Context, key string) Decision {
	if key == "" {
		return Decision{Allowed: true, Remaining: l.capacity, Limit: l.capacity}
	}
	allowed, remaining, err := l.store.Allow(ctx, key, l.capacity, l.refillRate)
	if err != nil {
		l.logger.WithError(err).WithField("key", key).Warn("rate limit store failed, allowing request")
		return Decision{Allowed: true, Remaining: l.capacity, Limit: l.capacity}
	}
	d := Decision{Allowed: allowed, Remaining: remaining, Limit: l.capacity}
	if !allowed {
		d.RetryAfter = secondsToDuration((1 - remaining) / l.refillRate)
	}
	return d
}

// Remaining reports the tokens left for key.
func (l *Limiter) Remaining(ctx context.Context, key string) float64 {
	if key == "" {
		return l.capacity
	}
	remaining, err := l.store.Remaining(ctx, key, l.capacity, l.refillRate)
	if err != nil {
		return l.capacity
	}
	return remaining
}

// ResetDuration is how long until the bucket at remaining is full again.
func (l *Limiter) ResetDuration(remaining float64) time.Duration {
	if remaining >= l.capacity {
		return 0
	}
	return secondsToDuration((l.capacity - remaining) / l.refillRate)
}

// Reset refills the bucket for key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Reset(ctx, key)
}

// Close releases the store.
func (l *Limiter) Close() error {
	return l.store.Close()
}
