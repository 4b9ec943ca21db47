package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superpaes/exercise-gateway/internal/retry"
	"github.com/superpaes/exercise-gateway/internal/upstream"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedTransport counts calls per action and answers through handlers.
type scriptedTransport struct {
	mu     sync.Mutex
	calls  map[string]int
	health func(n int) (*upstream.Response, error)
	handle func(ctx context.Context, req upstream.Request) (*upstream.Response, error)
}

func newScripted() *scriptedTransport {
	return &scriptedTransport{
		calls: make(map[string]int),
		handle: func(context.Context, upstream.Request) (*upstream.Response, error) {
			return ok(map[string]any{"question": "¿Cuánto es 2+2?"}), nil
		},
	}
}

func (s *scriptedTransport) Do(ctx context.Context, req upstream.Request) (*upstream.Response, error) {
	s.mu.Lock()
	s.calls[req.Action]++
	n := s.calls[req.Action]
	s.mu.Unlock()
	if req.Action == upstream.ActionHealthCheck {
		if s.health != nil {
			return s.health(n)
		}
		return ok("ok"), nil
	}
	return s.handle(ctx, req)
}

func (s *scriptedTransport) count(action string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[action]
}

func ok(result any) *upstream.Response {
	return &upstream.Response{StatusCode: http.StatusOK, Body: upstream.ResultBody(result)}
}

func status(code int, msg string) *upstream.Response {
	return &upstream.Response{StatusCode: code, Body: upstream.ErrorBody(msg)}
}

func newTestGateway(t *testing.T, tr upstream.Transport, clock *fakeClock, mutate ...func(*Config)) *Gateway {
	t.Helper()
	cfg := Config{
		Transport:      tr,
		Clock:          clock.Now,
		HealthRetry:    retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		AuthRetryDelay: time.Millisecond,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	g, err := New(cfg)
	require.NoError(t, err)
	return g
}

func TestCallCachesStructurallyEqualPayloads(t *testing.T) {
	tr := newScripted()
	g := newTestGateway(t, tr, newFakeClock())
	ctx := context.Background()

	first, err := g.Call(ctx, upstream.ActionGenerateExercise, map[string]any{"subject": "MATEMATICA_M1", "skill": "MODEL"})
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, KindStructured, first.Kind)

	second, err := g.Call(ctx, upstream.ActionGenerateExercise, json.RawMessage(`{"skill":"model","subject":"matematica_m1"}`))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Hits+1, second.Hits)
	assert.JSONEq(t, string(first.Structured), string(second.Structured))
	assert.Equal(t, 1, tr.count(upstream.ActionGenerateExercise))

	third, err := g.Call(ctx, upstream.ActionGenerateExercise, map[string]any{"skill": "MODEL", "subject": "MATEMATICA_M1"})
	require.NoError(t, err)
	assert.Equal(t, second.Hits+1, third.Hits)
	assert.Equal(t, 1, tr.count(upstream.ActionGenerateExercise))
}

func TestCacheEntryExpires(t *testing.T) {
	tr := newScripted()
	clock := newFakeClock()
	g := newTestGateway(t, tr, clock)
	ctx := context.Background()
	payload := map[string]any{"subject": "CIENCIAS"}

	_, err := g.Call(ctx, upstream.ActionAnalyzePerformance, payload)
	require.NoError(t, err)
	clock.Advance(DefaultCacheTTL - time.Second)
	res, err := g.Call(ctx, upstream.ActionAnalyzePerformance, payload)
	require.NoError(t, err)
	assert.True(t, res.Cached)

	clock.Advance(time.Second + time.Millisecond)
	res, err = g.Call(ctx, upstream.ActionAnalyzePerformance, payload)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, 2, tr.count(upstream.ActionAnalyzePerformance))
}

func TestNonCacheableActionsAlwaysCall(t *testing.T) {
	tr := newScripted()
	g := newTestGateway(t, tr, newFakeClock())
	for i := 0; i < 2; i++ {
		res, err := g.Call(context.Background(), upstream.ActionProvideFeedback, map[string]any{"answer": "B"})
		require.NoError(t, err)
		assert.False(t, res.Cached)
	}
	assert.Equal(t, 2, tr.count(upstream.ActionProvideFeedback))
	assert.Equal(t, 0, g.Stats().Entries)
}

func TestUnhealthyProviderDegradesCriticalActions(t *testing.T) {
	tr := newScripted()
	tr.health = func(int) (*upstream.Response, error) { return status(http.StatusInternalServerError, "down"), nil }
	tr.handle = func(context.Context, upstream.Request) (*upstream.Response, error) { return ok("OK"), nil }
	g := newTestGateway(t, tr, newFakeClock())

	res, err := g.Call(context.Background(), upstream.ActionGenerateExercise, map[string]any{"a": 1})
	require.NoError(t, err)
	require.True(t, res.IsDegraded())
	assert.Equal(t, ReasonUnhealthy, res.Degraded.Reason)
	assert.NotEmpty(t, res.Degraded.UserMessage)
	assert.Equal(t, 0, tr.count(upstream.ActionGenerateExercise))
	assert.Equal(t, 3, tr.count(upstream.ActionHealthCheck))

	// Health is advisory for non-critical actions.
	res, err = g.Call(context.Background(), upstream.ActionTestConnection, nil)
	require.NoError(t, err)
	assert.Equal(t, "OK", res.Text)
	assert.Equal(t, 3, tr.count(upstream.ActionHealthCheck), "debounced")
}

func TestHealthCheckDebounce(t *testing.T) {
	tr := newScripted()
	clock := newFakeClock()
	g := newTestGateway(t, tr, clock)
	ctx := context.Background()

	assert.True(t, g.CheckHealth(ctx))
	assert.True(t, g.CheckHealth(ctx))
	assert.Equal(t, 1, tr.count(upstream.ActionHealthCheck))

	clock.Advance(DefaultHealthInterval)
	assert.True(t, g.CheckHealth(ctx))
	assert.Equal(t, 2, tr.count(upstream.ActionHealthCheck))
}

func TestHealthCheckRetries(t *testing.T) {
	tr := newScripted()
	tr.health = func(n int) (*upstream.Response, error) {
		if n < 3 {
			return nil, errors.New("connection refused")
		}
		return ok("ok"), nil
	}
	g := newTestGateway(t, tr, newFakeClock())
	assert.True(t, g.CheckHealth(context.Background()))
	assert.Equal(t, 3, tr.count(upstream.ActionHealthCheck))
}

func TestHealthCheckExtraRetryOnUnauthorized(t *testing.T) {
	tr := newScripted()
	tr.health = func(n int) (*upstream.Response, error) {
		if n <= 3 {
			return status(http.StatusUnauthorized, "token not yet valid"), nil
		}
		return ok("ok"), nil
	}
	g := newTestGateway(t, tr, newFakeClock())
	assert.True(t, g.CheckHealth(context.Background()))
	assert.Equal(t, 4, tr.count(upstream.ActionHealthCheck))
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		code   int
		reason Reason
	}{
		{http.StatusUnauthorized, ReasonUnauthorized},
		{http.StatusNotFound, ReasonNotFound},
		{http.StatusTooManyRequests, ReasonRateLimited},
		{http.StatusServiceUnavailable, ReasonUnavailable},
		{http.StatusGatewayTimeout, ReasonUnavailable},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.code), func(t *testing.T) {
			tr := newScripted()
			tr.handle = func(context.Context, upstream.Request) (*upstream.Response, error) {
				return status(tc.code, "nope"), nil
			}
			g := newTestGateway(t, tr, newFakeClock())
			res, err := g.Call(context.Background(), upstream.ActionGenerateExercise, map[string]any{"n": tc.code})
			require.NoError(t, err)
			require.True(t, res.IsDegraded())
			assert.Equal(t, tc.reason, res.Degraded.Reason)
			assert.Equal(t, 0, g.Stats().Entries)
			assert.Equal(t, tc.code < 500, g.Stats().Healthy)
		})
	}
}

func TestServerErrorIsHardFailureAndMarksUnhealthy(t *testing.T) {
	tr := newScripted()
	tr.handle = func(context.Context, upstream.Request) (*upstream.Response, error) {
		return status(http.StatusInternalServerError, "boom"), nil
	}
	g := newTestGateway(t, tr, newFakeClock())

	_, err := g.Call(context.Background(), upstream.ActionGenerateExercise, map[string]any{"a": 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpstream))
	var upErr *UpstreamError
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, http.StatusInternalServerError, upErr.StatusCode)
	assert.Equal(t, "boom", upErr.Message)
	assert.False(t, g.Stats().Healthy)

	res, err := g.Call(context.Background(), upstream.ActionGenerateExercise, map[string]any{"a": 2})
	require.NoError(t, err)
	assert.Equal(t, ReasonUnhealthy, res.Degraded.Reason)
}

func TestNonCriticalStatusIsHardFailure(t *testing.T) {
	tr := newScripted()
	tr.handle = func(context.Context, upstream.Request) (*upstream.Response, error) {
		return status(http.StatusTooManyRequests, "slow down"), nil
	}
	g := newTestGateway(t, tr, newFakeClock())
	_, err := g.Call(context.Background(), upstream.ActionTestConnection, nil)
	assert.True(t, errors.Is(err, ErrUpstream))
}

func TestTimeoutDegrades(t *testing.T) {
	tr := newScripted()
	tr.handle = func(ctx context.Context, _ upstream.Request) (*upstream.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	g := newTestGateway(t, tr, newFakeClock(), func(c *Config) { c.GenerationTimeout = 20 * time.Millisecond })

	res, err := g.Call(context.Background(), upstream.ActionGenerateExercise, map[string]any{"a": 1})
	require.NoError(t, err)
	require.True(t, res.IsDegraded())
	assert.Equal(t, ReasonTimeout, res.Degraded.Reason)
	assert.True(t, g.Stats().Healthy)
}

func TestCallerCancellationLeavesStateUntouched(t *testing.T) {
	tr := newScripted()
	started := make(chan struct{})
	tr.handle = func(ctx context.Context, _ upstream.Request) (*upstream.Response, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	g := newTestGateway(t, tr, newFakeClock())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := g.Call(ctx, upstream.ActionGenerateExercise, map[string]any{"a": 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	stats := g.Stats()
	assert.True(t, stats.Healthy)
	assert.Equal(t, 0, stats.Entries)
}

func TestMalformedResponse(t *testing.T) {
	tr := newScripted()
	tr.handle = func(context.Context, upstream.Request) (*upstream.Response, error) {
		return &upstream.Response{StatusCode: http.StatusOK, Body: []byte(`{"unexpected":true}`)}, nil
	}
	g := newTestGateway(t, tr, newFakeClock())
	_, err := g.Call(context.Background(), upstream.ActionGenerateExercise, map[string]any{"a": 1})
	assert.True(t, errors.Is(err, ErrMalformedResponse))
}

func TestErrorEnvelopeOnSuccessStatus(t *testing.T) {
	tr := newScripted()
	tr.handle = func(context.Context, upstream.Request) (*upstream.Response, error) {
		return &upstream.Response{StatusCode: http.StatusOK, Body: upstream.ErrorBody("quota exceeded")}, nil
	}
	g := newTestGateway(t, tr, newFakeClock())
	_, err := g.Call(context.Background(), upstream.ActionGenerateExercise, map[string]any{"a": 1})
	var upErr *UpstreamError
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, "quota exceeded", upErr.Message)
	assert.Equal(t, 0, g.Stats().Entries)
}

func TestCapacityEvictionPrefersStaleUnpopularEntries(t *testing.T) {
	tr := newScripted()
	clock := newFakeClock()
	g := newTestGateway(t, tr, clock, func(c *Config) { c.CacheCapacity = 2 })
	ctx := context.Background()
	call := func(n int) Result {
		res, err := g.Call(ctx, upstream.ActionGenerateExercise, map[string]any{"n": n})
		require.NoError(t, err)
		return res
	}

	call(1)
	call(2)
	clock.Advance(time.Minute)
	require.True(t, call(1).Cached)
	call(3)
	assert.Equal(t, 2, g.Stats().Entries)

	assert.True(t, call(1).Cached)
	assert.False(t, call(2).Cached)
	assert.Equal(t, 4, tr.count(upstream.ActionGenerateExercise))
}

func TestConcurrentCallsShareOneFetch(t *testing.T) {
	tr := newScripted()
	release := make(chan struct{})
	tr.handle = func(context.Context, upstream.Request) (*upstream.Response, error) {
		<-release
		return ok("texto"), nil
	}
	g := newTestGateway(t, tr, newFakeClock())

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := g.Call(context.Background(), upstream.ActionGenerateExercise, map[string]any{"same": true})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, tr.count(upstream.ActionGenerateExercise))
	for _, res := range results {
		assert.Equal(t, "texto", res.Text)
	}
}

func TestCancelledCallerDoesNotFailSharedFetch(t *testing.T) {
	tr := newScripted()
	started := make(chan struct{})
	release := make(chan struct{})
	tr.handle = func(ctx context.Context, _ upstream.Request) (*upstream.Response, error) {
		close(started)
		select {
		case <-release:
			return ok("texto"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	g := newTestGateway(t, tr, newFakeClock())
	payload := map[string]any{"same": true}

	leaving, cancel := context.WithCancel(context.Background())
	leavingErr := make(chan error, 1)
	go func() {
		_, err := g.Call(leaving, upstream.ActionGenerateExercise, payload)
		leavingErr <- err
	}()
	<-started

	type outcome struct {
		res Result
		err error
	}
	staying := make(chan outcome, 1)
	go func() {
		res, err := g.Call(context.Background(), upstream.ActionGenerateExercise, payload)
		staying <- outcome{res, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-leavingErr, context.Canceled)
	close(release)

	out := <-staying
	require.NoError(t, out.err)
	assert.Equal(t, "texto", out.res.Text)
	assert.Equal(t, 1, tr.count(upstream.ActionGenerateExercise))
	assert.Equal(t, 1, g.Stats().Entries)
}

func TestLastCallerLeavingAbortsSharedFetch(t *testing.T) {
	tr := newScripted()
	aborted := make(chan struct{})
	tr.handle = func(ctx context.Context, _ upstream.Request) (*upstream.Response, error) {
		<-ctx.Done()
		close(aborted)
		return nil, ctx.Err()
	}
	g := newTestGateway(t, tr, newFakeClock())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := g.Call(ctx, upstream.ActionGenerateExercise, map[string]any{"a": 1})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	select {
	case <-aborted:
	case <-time.After(time.Second):
		t.Fatal("fetch kept running after every caller left")
	}
}

func TestCancelledCallerDoesNotFailSharedHealthProbe(t *testing.T) {
	tr := newScripted()
	started := make(chan struct{})
	release := make(chan struct{})
	tr.health = func(int) (*upstream.Response, error) {
		close(started)
		<-release
		return ok("ok"), nil
	}
	g := newTestGateway(t, tr, newFakeClock())

	leaving, cancel := context.WithCancel(context.Background())
	leavingDone := make(chan bool, 1)
	go func() { leavingDone <- g.CheckHealth(leaving) }()
	<-started

	staying := make(chan bool, 1)
	go func() { staying <- g.CheckHealth(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	cancel()
	<-leavingDone
	close(release)

	assert.True(t, <-staying)
	assert.Equal(t, 1, tr.count(upstream.ActionHealthCheck))
}

type mapShared struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *mapShared) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapShared) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func TestSharedCacheServesOtherProcesses(t *testing.T) {
	shared := &mapShared{data: make(map[string][]byte)}
	tr := newScripted()
	clock := newFakeClock()
	withShared := func(c *Config) { c.Shared = shared }
	first := newTestGateway(t, tr, clock, withShared)
	second := newTestGateway(t, tr, clock, withShared)
	payload := map[string]any{"subject": "HISTORIA"}

	_, err := first.Call(context.Background(), upstream.ActionGenerateExercise, payload)
	require.NoError(t, err)
	res, err := second.Call(context.Background(), upstream.ActionGenerateExercise, payload)
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, 1, res.Hits)
	assert.Equal(t, 1, tr.count(upstream.ActionGenerateExercise))
}

func TestTestConnection(t *testing.T) {
	tr := newScripted()
	tr.handle = func(_ context.Context, req upstream.Request) (*upstream.Response, error) {
		if req.Action == upstream.ActionTestConnection {
			return ok("OK."), nil
		}
		return status(http.StatusBadRequest, "unexpected"), nil
	}
	g := newTestGateway(t, tr, newFakeClock())
	st := g.TestConnection(context.Background())
	assert.True(t, st.Connected)
	assert.Empty(t, st.Error)

	tr.handle = func(context.Context, upstream.Request) (*upstream.Response, error) { return ok("no"), nil }
	st = g.TestConnection(context.Background())
	assert.False(t, st.Connected)
	assert.NotEmpty(t, st.Error)
}

func TestCacheKeyNormalization(t *testing.T) {
	a, err := cacheKey("generate_exercise", json.RawMessage(`{"b":"X","a":[1,2]}`))
	require.NoError(t, err)
	b, err := cacheKey("generate_exercise", json.RawMessage(`{"a":[1,2],"b":"x"}`))
	require.NoError(t, err)
	c, err := cacheKey("analyze_performance", json.RawMessage(`{"a":[1,2],"b":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, len("generate_exercise:")+32)
}
