package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/superpaes/exercise-gateway/internal/retry"
	"github.com/superpaes/exercise-gateway/internal/upstream"
)

type healthState struct {
	mu        sync.Mutex
	healthy   bool
	checkedAt time.Time
}

func (h *healthState) read() (bool, time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy, h.checkedAt
}

func (h *healthState) set(healthy bool, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.healthy = healthy
	h.checkedAt = at
}

// CheckHealth reports whether the provider is considered healthy. A probe is
// sent at most once per health interval; concurrent callers share it.
func (g *Gateway) CheckHealth(ctx context.Context) bool {
	healthy, checkedAt := g.health.read()
	if !checkedAt.IsZero() && g.now().Sub(checkedAt) < g.healthInterval {
		return healthy
	}

	val, err := g.flight.do(ctx, "health", func(fctx context.Context) (any, error) {
		ok, err := g.probe(fctx)
		if err != nil {
			return false, err
		}
		g.health.set(ok, g.now())
		return ok, nil
	})
	if err != nil {
		// Probe aborted by cancellation; state untouched.
		return healthy
	}
	return val.(bool)
}

var errProbeUnauthorized = errors.New("health probe unauthorized")

// probe runs the retry policy over single probes. A 401 earns one extra
// delayed attempt. The error is non-nil only when ctx ended.
func (g *Gateway) probe(ctx context.Context) (bool, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.health_probe")
	defer span.End()

	sawUnauthorized := false
	err := g.healthRetry.Do(ctx, func(ctx context.Context, attempt int) error {
		perr := g.probeOnce(ctx)
		if errors.Is(perr, errProbeUnauthorized) {
			sawUnauthorized = true
		}
		if perr != nil {
			g.logger.WithError(perr).WithField("attempt", attempt).Debug("health probe failed")
		}
		return perr
	})
	if err != nil && sawUnauthorized && ctx.Err() == nil {
		if serr := retry.Sleep(ctx, g.authRetryDelay); serr == nil {
			err = g.probeOnce(ctx)
		}
	}
	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "cancelled")
		return false, ctx.Err()
	}

	healthy := err == nil
	span.SetAttributes(attribute.Bool("healthy", healthy))
	g.metrics.RecordHealthProbe(healthy)
	if !healthy {
		span.SetStatus(codes.Error, err.Error())
		g.logger.WithError(err).Warn("completion provider unhealthy")
	}
	return healthy, nil
}

func (g *Gateway) probeOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.healthTimeout)
	defer cancel()

	start := time.Now()
	resp, err := g.transport.Do(ctx, upstream.Request{
		Action:    upstream.ActionHealthCheck,
		Payload:   json.RawMessage(`{}`),
		RequestID: newRequestID(),
	})
	if err != nil {
		g.metrics.RecordUpstreamCall(upstream.ActionHealthCheck, 0, time.Since(start))
		return err
	}
	g.metrics.RecordUpstreamCall(upstream.ActionHealthCheck, resp.StatusCode, time.Since(start))
	if resp.StatusCode == http.StatusUnauthorized {
		return errProbeUnauthorized
	}
	if !resp.OK() {
		return fmt.Errorf("health probe status %d", resp.StatusCode)
	}
	env, err := upstream.DecodeEnvelope(resp.Body)
	if err != nil {
		return err
	}
	if env.Error != "" {
		return errors.New(env.Error)
	}
	return nil
}
