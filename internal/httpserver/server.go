// Package httpserver exposes exercise generation, usage accounting and
// gateway diagnostics over HTTP.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/superpaes/exercise-gateway/internal/gateway"
	"github.com/superpaes/exercise-gateway/internal/generator"
	"github.com/superpaes/exercise-gateway/internal/health"
	"github.com/superpaes/exercise-gateway/internal/httpserver/protocol"
	"github.com/superpaes/exercise-gateway/internal/ledger"
	"github.com/superpaes/exercise-gateway/internal/logging"
	"github.com/superpaes/exercise-gateway/internal/metrics"
	"github.com/superpaes/exercise-gateway/internal/ratelimit"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// ExerciseGenerator produces exercises.
type ExerciseGenerator interface {
	Generate(ctx context.Context, req generator.Request) generator.Response
}

// GatewayInfo exposes gateway diagnostics.
type GatewayInfo interface {
	Stats() gateway.CacheStats
	TestConnection(ctx context.Context) gateway.ConnectionStatus
}

// HealthChecker reports component health.
type HealthChecker interface {
	Check(ctx context.Context) health.HealthStatus
}

// LedgerService is the ledger surface served over HTTP.
type LedgerService interface {
	Metrics(ctx context.Context, start, end time.Time, moduleSource string) (ledger.UsageMetrics, error)
	Alerts(ctx context.Context, filter ledger.AlertFilter) ([]ledger.CostAlert, error)
	ResolveAlert(ctx context.Context, alertID, resolvedBy string) (ledger.CostAlert, error)
	Limit(ctx context.Context, userID string) (ledger.CostLimit, error)
	SetLimit(ctx context.Context, limit ledger.CostLimit) (ledger.CostLimit, error)
}

// Config wires a Server. RateLimit and Metrics are optional.
type Config struct {
	Generator ExerciseGenerator
	Gateway   GatewayInfo
	Ledger    LedgerService
	Health    HealthChecker
	Metrics   *metrics.Collector
	RateLimit *ratelimit.Middleware
	Logger    *logrus.Entry
	Clock     func() time.Time
}

// Server holds the HTTP handlers.
type Server struct {
	generator ExerciseGenerator
	gateway   GatewayInfo
	ledger    LedgerService
	health    HealthChecker
	metrics   *metrics.Collector
	rateLimit *ratelimit.Middleware
	logger    *logrus.Entry
	now       func() time.Time
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Generator == nil:
		return nil, errors.New("httpserver: generator required")
	case cfg.Gateway == nil:
		return nil, errors.New("httpserver: gateway required")
	case cfg.Ledger == nil:
		return nil, errors.New("httpserver: ledger required")
	case cfg.Health == nil:
		return nil, errors.New("httpserver: health checker required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Server{
		generator: cfg.Generator,
		gateway:   cfg.Gateway,
		ledger:    cfg.Ledger,
		health:    cfg.Health,
		metrics:   cfg.Metrics,
		rateLimit: cfg.RateLimit,
		logger:    logging.OrDiscard(cfg.Logger).WithField("component", "httpserver"),
		now:       cfg.Clock,
	}, nil
}

// Router returns the configured chi router.
func (s *Server) Router() http.Handler {
	r := s.newBaseRouter()
	s.registerEndpoints(r,
		newExercisesEndpoint(s),
		newUsageEndpoint(s),
		newHealthEndpoint(s),
	)
	return r
}

func (s *Server) newBaseRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.respondError(w, http.StatusNotFound, errors.New("not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.respondError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})
	return r
}

func (s *Server) registerEndpoints(r chi.Router, endpoints ...protocol.Endpoint) {
	for _, ep := range endpoints {
		if ep == nil {
			continue
		}
		s.logger.WithField("endpoint", ep.Name()).Debug("registering endpoint")
		for _, route := range ep.Routes() {
			r.Method(route.Method, route.Path, route.Handler)
		}
	}
}

// requestLogger logs every request and feeds the request metrics, keyed by
// the matched route pattern.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		endpoint := r.Method + " " + route
		elapsed := time.Since(start)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.RecordRequest(endpoint, elapsed, status >= http.StatusInternalServerError)

		entry := s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      status,
			"duration_ms": elapsed.Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
		if status >= http.StatusInternalServerError {
			entry.Warn("request failed")
		} else {
			entry.Debug("request served")
		}
	})
}

// limited wraps h with the rate limiter when one is configured.
func (s *Server) limited(h http.HandlerFunc) http.Handler {
	if s.rateLimit == nil {
		return h
	}
	return s.rateLimit.Wrap(h)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}
