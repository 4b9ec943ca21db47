package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps buckets in process memory.
type MemoryStore struct {
	buckets map[string]*TokenBucket
	mu      sync.RWMutex
	now     func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	closeOnce       sync.Once
}

// NewMemoryStore creates a store that drops idle buckets every five minutes.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanup(5 * time.Minute)
}

// NewMemoryStoreWithCleanup creates a store with a custom cleanup interval.
// A non-positive interval disables cleanup.
func NewMemoryStoreWithCleanup(cleanupInterval time.Duration) *MemoryStore {
	return newMemoryStore(cleanupInterval, time.Now)
}

func newMemoryStore(cleanupInterval time.Duration, now func() time.Time) *MemoryStore {
	s := &MemoryStore{
		buckets:         make(map[string]*TokenBucket),
		now:             now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *MemoryStore) Allow(_ context.Context, key string, capacity, refillRate float64) (bool, float64, error) {
	allowed, remaining := s.bucket(key, capacity, refillRate).take(1)
	return allowed, remaining, nil
}

func (s *MemoryStore) Remaining(_ context.Context, key string, capacity, refillRate float64) (float64, error) {
	return s.bucket(key, capacity, refillRate).Remaining(), nil
}

func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket, ok := s.buckets[key]; ok {
		bucket.Reset()
	}
	return nil
}

// Close stops the cleanup loop.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.stopCleanup) })
	return nil
}

// Len reports how many buckets are tracked.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets)
}

func (s *MemoryStore) bucket(key string, capacity, refillRate float64) *TokenBucket {
	s.mu.RLock()
	bucket, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return bucket
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket, ok = s.buckets[key]; ok {
		return bucket
	}
	bucket = newTokenBucket(capacity, refillRate, s.now)
	s.buckets[key] = bucket
	return bucket
}

func (s *MemoryStore) cleanupLoop() {
	if s.cleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup drops buckets that have refilled to at least 95% of capacity.
func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, bucket := range s.buckets {
		if bucket.Remaining() >= bucket.capacity*0.95 {
			delete(s.buckets, key)
		}
	}
}
