package ratelimit

import (
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/superpaes/exercise-gateway/internal/logging"
	"github.com/superpaes/exercise-gateway/internal/metrics"
)

// UserHeader names the caller for rate limiting and usage attribution.
const UserHeader = "X-User-ID"

// Middleware limits requests per caller. Callers are identified by the
// X-User-ID header, or by client IP when it is absent.
type Middleware struct {
	limiter *Limiter
	enabled bool
	logger  *logrus.Entry
	metrics *metrics.Collector
}

// NewMiddleware creates the middleware. A disabled middleware passes every
// request through.
func NewMiddleware(limiter *Limiter, enabled bool, logger *logrus.Entry, m *metrics.Collector) *Middleware {
	return &Middleware{
		limiter: limiter,
		enabled: enabled && limiter != nil,
		logger:  logging.OrDiscard(logger).WithField("component", "ratelimit"),
		metrics: m,
	}
}

// Wrap applies the limit to next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if !m.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := CallerKey(r)
		d := m.limiter.Allow(r.Context(), key)
		m.setHeaders(w, d)
		if !d.Allowed {
			m.metrics.RecordRateLimitHit(key)
			m.logger.WithFields(logrus.Fields{"caller": key, "path": r.URL.Path}).Warn("rate limit exceeded")
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded, try again later"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CallerKey returns "user:<id>" or "ip:<address>".
func CallerKey(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(UserHeader)); id != "" {
		return "user:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return ""
	}
	return "ip:" + host
}

// setHeaders writes the draft-polli rate limit headers.
func (m *Middleware) setHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%.0f", d.Limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%.0f", math.Floor(d.Remaining)))
	if d.Remaining < d.Limit {
		reset := time.Now().Add(m.limiter.ResetDuration(d.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
	}
}
