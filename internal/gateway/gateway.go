// Package gateway is the single choke point for calls to the completion
// provider. It owns the process-wide response cache and health state and
// turns expected provider failures into degraded results.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/superpaes/exercise-gateway/internal/logging"
	"github.com/superpaes/exercise-gateway/internal/metrics"
	"github.com/superpaes/exercise-gateway/internal/retry"
	"github.com/superpaes/exercise-gateway/internal/upstream"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultCacheTTL          = 30 * time.Minute
	DefaultCacheCapacity     = 200
	DefaultHealthInterval    = 60 * time.Second
	DefaultGenerationTimeout = 35 * time.Second
	DefaultHealthTimeout     = 8 * time.Second
	DefaultAuthRetryDelay    = 2 * time.Second
)

// DefaultHealthRetry is the probe policy: the first probe plus two retries
// with a short fixed pause.
var DefaultHealthRetry = retry.Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Multiplier: 1}

// Actions answered with a degraded result instead of a hard failure.
var criticalActions = map[string]bool{
	upstream.ActionGenerateExercise:   true,
	upstream.ActionProvideFeedback:    true,
	upstream.ActionAnalyzePerformance: true,
}

var nonCacheableActions = map[string]bool{
	upstream.ActionHealthCheck:     true,
	upstream.ActionTestConnection:  true,
	upstream.ActionProvideFeedback: true,
}

// Cacheable reports whether results of action are memoized.
func Cacheable(action string) bool { return !nonCacheableActions[action] }

// SharedCache is an optional second cache level shared between processes.
type SharedCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Config configures a Gateway.
type Config struct {
	Transport         upstream.Transport
	CacheTTL          time.Duration
	CacheCapacity     int
	HealthInterval    time.Duration
	GenerationTimeout time.Duration
	HealthTimeout     time.Duration
	HealthRetry       retry.Policy
	AuthRetryDelay    time.Duration
	Shared            SharedCache
	Logger            *logrus.Entry
	Clock             func() time.Time
	Metrics           *metrics.Collector
	Tracer            trace.Tracer
}

// Gateway calls the provider through a Transport.
type Gateway struct {
	transport         upstream.Transport
	cache             *responseCache
	shared            SharedCache
	cacheTTL          time.Duration
	health            healthState
	healthInterval    time.Duration
	generationTimeout time.Duration
	healthTimeout     time.Duration
	healthRetry       retry.Policy
	authRetryDelay    time.Duration
	flight            flights
	now               func() time.Time
	logger            *logrus.Entry
	metrics           *metrics.Collector
	tracer            trace.Tracer

	misses atomic.Int64
}

// New creates a Gateway. The provider starts out healthy but unchecked, so
// the first uncached call probes it.
func New(cfg Config) (*Gateway, error) {
	if cfg.Transport == nil {
		return nil, errors.New("gateway: transport required")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = DefaultCacheCapacity
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = DefaultGenerationTimeout
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}
	if cfg.HealthRetry.MaxAttempts <= 0 {
		cfg.HealthRetry = DefaultHealthRetry
	}
	if cfg.AuthRetryDelay <= 0 {
		cfg.AuthRetryDelay = DefaultAuthRetryDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/superpaes/exercise-gateway/internal/gateway")
	}
	g := &Gateway{
		transport:         cfg.Transport,
		cache:             newResponseCache(cfg.CacheTTL, cfg.CacheCapacity, cfg.Clock),
		shared:            cfg.Shared,
		cacheTTL:          cfg.CacheTTL,
		healthInterval:    cfg.HealthInterval,
		generationTimeout: cfg.GenerationTimeout,
		healthTimeout:     cfg.HealthTimeout,
		healthRetry:       cfg.HealthRetry,
		authRetryDelay:    cfg.AuthRetryDelay,
		now:               cfg.Clock,
		logger:            logging.OrDiscard(cfg.Logger).WithField("component", "gateway"),
		metrics:           cfg.Metrics,
		tracer:            cfg.Tracer,
	}
	g.health.healthy = true
	return g, nil
}

// Call sends action with payload to the provider. Expected failures of
// critical actions come back as a degraded Result with a nil error. Other
// failures are *UpstreamError; a malformed 2xx body is ErrMalformedResponse.
// Caller cancellation returns the context error and leaves cache and health
// untouched.
func (g *Gateway) Call(ctx context.Context, action string, payload any) (Result, error) {
	if strings.TrimSpace(action) == "" {
		return Result{}, errors.New("gateway: action required")
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return Result{}, err
	}
	if !Cacheable(action) {
		return g.fetch(ctx, action, raw, "")
	}

	key, err := cacheKey(action, raw)
	if err != nil {
		return Result{}, err
	}
	if res, ok := g.cache.get(key); ok {
		g.metrics.RecordCacheHit(action)
		return res, nil
	}
	if res, ok := g.sharedGet(ctx, key); ok {
		g.metrics.RecordCacheEviction(g.cache.put(key, res))
		// Counted as the first local reuse.
		if hit, ok := g.cache.get(key); ok {
			g.metrics.RecordCacheHit(action)
			return hit, nil
		}
	}
	g.metrics.RecordCacheMiss(action)
	g.misses.Add(1)

	val, err := g.flight.do(ctx, key, func(fctx context.Context) (any, error) {
		return g.fetch(fctx, action, raw, key)
	})
	if err != nil && ctx.Err() != nil {
		return Result{}, fmt.Errorf("gateway: %s: %w", action, ctx.Err())
	}
	res, _ := val.(Result)
	return res, err
}

func (g *Gateway) fetch(ctx context.Context, action string, payload json.RawMessage, key string) (Result, error) {
	requestID := newRequestID()
	log := g.logger.WithFields(logrus.Fields{"action": action, "request_id": requestID})

	if action != upstream.ActionHealthCheck && !g.CheckHealth(ctx) && criticalActions[action] {
		log.Warn("provider unhealthy, answering degraded")
		return g.degraded(ReasonUnhealthy, requestID), nil
	}
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("gateway: %s: %w", action, err)
	}

	timeout := g.generationTimeout
	if action == upstream.ActionHealthCheck {
		timeout = g.healthTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	callCtx, span := g.tracer.Start(callCtx, "gateway.call", trace.WithAttributes(
		attribute.String("gateway.action", action),
		attribute.String("gateway.request_id", requestID),
	))
	defer span.End()

	start := time.Now()
	resp, err := g.transport.Do(callCtx, upstream.Request{Action: action, Payload: payload, RequestID: requestID})
	elapsed := time.Since(start)
	if err != nil {
		g.metrics.RecordUpstreamCall(action, 0, elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("gateway: %s: %w", action, ctx.Err())
		}
		reason := ReasonUnavailable
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil {
			reason = ReasonTimeout
		}
		log.WithError(err).WithField("elapsed", elapsed).Warn("provider call failed")
		if criticalActions[action] {
			return g.degraded(reason, requestID), nil
		}
		return Result{}, &UpstreamError{Action: action, Err: err}
	}

	g.metrics.RecordUpstreamCall(action, resp.StatusCode, elapsed)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if !resp.OK() {
		return g.classify(action, requestID, resp, log)
	}

	env, err := upstream.DecodeEnvelope(resp.Body)
	if err != nil {
		span.SetStatus(codes.Error, "malformed response")
		log.WithError(err).Error("malformed provider response")
		return Result{}, fmt.Errorf("%w: %s: %v", ErrMalformedResponse, action, err)
	}
	if env.Error != "" {
		span.SetStatus(codes.Error, env.Error)
		log.WithField("provider_error", env.Error).Warn("provider returned an error envelope")
		return Result{}, &UpstreamError{Action: action, StatusCode: resp.StatusCode, Message: env.Error}
	}

	res := resultFromEnvelope(env)
	res.RequestID = requestID
	g.health.set(true, g.now())
	if key != "" {
		g.metrics.RecordCacheEviction(g.cache.put(key, res))
		g.sharedSet(ctx, key, res)
	}
	log.WithFields(logrus.Fields{"kind": res.Kind.String(), "elapsed": elapsed}).Debug("provider call succeeded")
	return res, nil
}

// classify maps a non-2xx answer. Statuses of 500 and above mark the
// provider unhealthy.
func (g *Gateway) classify(action, requestID string, resp *upstream.Response, log *logrus.Entry) (Result, error) {
	status := resp.StatusCode
	if status >= http.StatusInternalServerError {
		g.health.set(false, g.now())
	}
	msg := ""
	if env, err := upstream.DecodeEnvelope(resp.Body); err == nil {
		msg = env.Error
	}
	log = log.WithFields(logrus.Fields{"status": status, "provider_error": msg})

	if criticalActions[action] {
		var reason Reason
		switch status {
		case http.StatusUnauthorized:
			reason = ReasonUnauthorized
		case http.StatusNotFound:
			reason = ReasonNotFound
		case http.StatusTooManyRequests:
			reason = ReasonRateLimited
		case http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			reason = ReasonUnavailable
		}
		if reason != "" {
			log.Warn("provider answered with an error status, answering degraded")
			return g.degraded(reason, requestID), nil
		}
	}
	log.Error("provider answered with an error status")
	return Result{}, &UpstreamError{Action: action, StatusCode: status, Message: msg}
}

func (g *Gateway) degraded(reason Reason, requestID string) Result {
	g.metrics.RecordDegraded(string(reason))
	return Result{Kind: KindDegraded, Degraded: newDegraded(reason), RequestID: requestID}
}

func resultFromEnvelope(env upstream.Envelope) Result {
	var text string
	if err := json.Unmarshal(env.Result, &text); err == nil {
		return Result{Kind: KindText, Text: text}
	}
	return Result{Kind: KindStructured, Structured: append(json.RawMessage(nil), env.Result...)}
}

type sharedEntry struct {
	Kind       Kind            `json:"kind"`
	Text       string          `json:"text,omitempty"`
	Structured json.RawMessage `json:"structured,omitempty"`
}

func (g *Gateway) sharedGet(ctx context.Context, key string) (Result, bool) {
	if g.shared == nil {
		return Result{}, false
	}
	raw, ok, err := g.shared.Get(ctx, key)
	if err != nil {
		g.logger.WithError(err).Warn("shared cache read failed")
		return Result{}, false
	}
	if !ok {
		return Result{}, false
	}
	var entry sharedEntry
	if err := json.Unmarshal(raw, &entry); err != nil || (entry.Kind != KindText && entry.Kind != KindStructured) {
		return Result{}, false
	}
	return Result{Kind: entry.Kind, Text: entry.Text, Structured: entry.Structured}, true
}

func (g *Gateway) sharedSet(ctx context.Context, key string, res Result) {
	if g.shared == nil {
		return
	}
	raw, err := json.Marshal(sharedEntry{Kind: res.Kind, Text: res.Text, Structured: res.Structured})
	if err != nil {
		return
	}
	if err := g.shared.Set(ctx, key, raw, g.cacheTTL); err != nil {
		g.logger.WithError(err).Warn("shared cache write failed")
	}
}

// CacheStats describes the response cache and health state.
type CacheStats struct {
	Entries         int           `json:"entries"`
	Capacity        int           `json:"capacity"`
	TTL             time.Duration `json:"ttl"`
	Hits            int           `json:"hits"`
	Misses          int64         `json:"misses"`
	Healthy         bool          `json:"healthy"`
	LastHealthCheck time.Time     `json:"lastHealthCheck"`
}

// Stats returns a snapshot of cache and health state.
func (g *Gateway) Stats() CacheStats {
	counts := g.cache.counts()
	healthy, checkedAt := g.health.read()
	return CacheStats{
		Entries:         counts.entries,
		Capacity:        g.cache.capacity,
		TTL:             g.cacheTTL,
		Hits:            counts.hits,
		Misses:          g.misses.Load(),
		Healthy:         healthy,
		LastHealthCheck: checkedAt,
	}
}

// ClearCache drops every local cache entry.
func (g *Gateway) ClearCache() { g.cache.clear() }

// ConnectionStatus is the answer of TestConnection.
type ConnectionStatus struct {
	Connected bool          `json:"connected"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
}

// TestConnection asks the provider for a trivial completion. The provider is
// connected when the answer contains "ok".
func (g *Gateway) TestConnection(ctx context.Context) ConnectionStatus {
	start := time.Now()
	res, err := g.Call(ctx, upstream.ActionTestConnection, upstream.CompletionPayload{
		SystemPrompt: "Eres un verificador de conectividad. Responde únicamente con la palabra OK.",
		UserPrompt:   "Responde OK.",
		MaxTokens:    5,
	})
	status := ConnectionStatus{Latency: time.Since(start)}
	switch {
	case err != nil:
		status.Error = err.Error()
	case res.IsDegraded():
		status.Error = res.Degraded.UserMessage
	case strings.Contains(strings.ToLower(res.Content()), "ok"):
		status.Connected = true
	default:
		status.Error = "unexpected answer: " + truncate(res.Content(), 80)
	}
	return status
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New("gateway: payload is not valid JSON")
		}
		return p, nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("gateway: encode payload: %w", err)
		}
		return raw, nil
	}
}

func newRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
