package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/superpaes/exercise-gateway/internal/metrics"
)

func newTestLimiter(t *testing.T, rate, burst float64) (*Limiter, *manualClock) {
	t.Helper()
	clock := newManualClock()
	store := newMemoryStore(0, clock.Now)
	l := NewLimiter(Config{Store: store, RequestsPerSecond: rate, BurstSize: burst})
	t.Cleanup(func() { _ = l.Close() })
	return l, clock
}

func TestLimiter_Allow(t *testing.T) {
	limiter, clock := newTestLimiter(t, 1, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if d := limiter.Allow(ctx, "user:ana"); !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	d := limiter.Allow(ctx, "user:ana")
	if d.Allowed {
		t.Fatal("4th request should be denied")
	}
	if d.RetryAfter != time.Second {
		t.Fatalf("expected 1s retry after, got %v", d.RetryAfter)
	}
	if !limiter.Allow(ctx, "user:beto").Allowed {
		t.Fatal("different caller should have its own bucket")
	}

	clock.Advance(time.Second)
	if !limiter.Allow(ctx, "user:ana").Allowed {
		t.Fatal("refilled token should be allowed")
	}
}

func TestLimiter_EmptyKeyNeverLimited(t *testing.T) {
	limiter, _ := newTestLimiter(t, 1, 1)
	for i := 0; i < 5; i++ {
		if !limiter.Allow(context.Background(), "").Allowed {
			t.Fatal("empty key should always be allowed")
		}
	}
}

func TestLimiter_ResetAndRemaining(t *testing.T) {
	limiter, _ := newTestLimiter(t, 1, 10)
	ctx := context.Background()

	if remaining := limiter.Remaining(ctx, "user:ana"); remaining != 10 {
		t.Fatalf("expected 10 remaining, got %f", remaining)
	}
	for i := 0; i < 10; i++ {
		limiter.Allow(ctx, "user:ana")
	}
	if remaining := limiter.Remaining(ctx, "user:ana"); remaining != 0 {
		t.Fatalf("expected 0 remaining, got %f", remaining)
	}
	if got := limiter.ResetDuration(0); got != 10*time.Second {
		t.Fatalf("expected 10s to full, got %v", got)
	}
	if err := limiter.Reset(ctx, "user:ana"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !limiter.Allow(ctx, "user:ana").Allowed {
		t.Fatal("should be allowed after reset")
	}
}

type brokenStore struct{}

func (brokenStore) Allow(context.Context, string, float64, float64) (bool, float64, error) {
	return false, 0, errors.New("down")
}
func (brokenStore) Remaining(context.Context, string, float64, float64) (float64, error) {
	return 0, errors.New("down")
}
func (brokenStore) Reset(context.Context, string) error { return errors.New("down") }
func (brokenStore) Close() error                        { return nil }

func TestLimiter_FailsOpen(t *testing.T) {
	limiter := NewLimiter(Config{Store: brokenStore{}, BurstSize: 2})
	if !limiter.Allow(context.Background(), "user:ana").Allowed {
		t.Fatal("store errors should allow the request")
	}
	if remaining := limiter.Remaining(context.Background(), "user:ana"); remaining != 2 {
		t.Fatalf("expected full capacity on error, got %f", remaining)
	}
}

func TestMemoryStore_Cleanup(t *testing.T) {
	clock := newManualClock()
	store := newMemoryStore(0, clock.Now)
	defer store.Close()
	ctx := context.Background()

	for _, key := range []string{"user:a", "user:b", "user:c"} {
		store.Allow(ctx, key, 10, 1)
	}
	if store.Len() != 3 {
		t.Fatalf("expected 3 buckets, got %d", store.Len())
	}
	store.cleanup()
	if store.Len() != 3 {
		t.Fatalf("recently used buckets must survive cleanup, got %d", store.Len())
	}
	clock.Advance(time.Minute)
	store.cleanup()
	if store.Len() != 0 {
		t.Fatalf("expected idle buckets to be dropped, got %d", store.Len())
	}
}

func TestMiddleware(t *testing.T) {
	limiter, _ := newTestLimiter(t, 0.5, 2)
	collector := metrics.NewCollector()
	mw := NewMiddleware(limiter, true, nil, collector)
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/exercises", nil)
		if user != "" {
			req.Header.Set(UserHeader, user)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := do("ana"); rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: expected 204, got %d", i, rec.Code)
		}
	}
	rec := do("ana")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After 2, got %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "2" {
		t.Fatalf("expected limit header 2, got %q", got)
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Fatal("expected reset header")
	}

	// httptest requests come from 192.0.2.1.
	if rec := do(""); rec.Code != http.StatusNoContent {
		t.Fatalf("anonymous caller: expected 204, got %d", rec.Code)
	}

	snap := collector.GetSnapshot()
	if snap.RateLimitHits != 1 {
		t.Fatalf("expected 1 rate limit hit, got %d", snap.RateLimitHits)
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	limiter, _ := newTestLimiter(t, 1, 1)
	handler := NewMiddleware(limiter, false, nil, nil).Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	}
}

func TestCallerKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	if got := CallerKey(req); got != "ip:10.1.2.3" {
		t.Fatalf("got %q", got)
	}
	req.Header.Set(UserHeader, " u-42 ")
	if got := CallerKey(req); got != "user:u-42" {
		t.Fatalf("got %q", got)
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("EXERCISE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("EXERCISE_TEST_REDIS_ADDR not set")
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	prefix := "exercise-gateway-test:" + strconv.FormatInt(time.Now().UnixNano(), 10) + ":"
	store := NewRedisStore(rdb, prefix)
	clock := newManualClock()
	store.now = clock.Now
	t.Cleanup(func() { _ = store.Reset(ctx, "user:ana") })

	for i := 0; i < 2; i++ {
		allowed, _, err := store.Allow(ctx, "user:ana", 2, 1)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	allowed, remaining, err := store.Allow(ctx, "user:ana", 2, 1)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if allowed || remaining != 0 {
		t.Fatalf("expected denial with 0 remaining, got allowed=%v remaining=%f", allowed, remaining)
	}

	clock.Advance(time.Second)
	remaining, err = store.Remaining(ctx, "user:ana", 2, 1)
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("expected 1 token after 1s, got %f", remaining)
	}

	if err := store.Reset(ctx, "user:ana"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	remaining, err = store.Remaining(ctx, "user:ana", 2, 1)
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if remaining != 2 {
		t.Fatalf("expected full bucket after reset, got %f", remaining)
	}
}
