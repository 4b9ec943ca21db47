package httpserver

import (
	"net/http"

	"github.com/superpaes/exercise-gateway/internal/health"
	"github.com/superpaes/exercise-gateway/internal/httpserver/protocol"
	"github.com/superpaes/exercise-gateway/internal/metrics"
)

type healthEndpoint struct {
	server *Server
}

func newHealthEndpoint(server *Server) protocol.Endpoint {
	return &healthEndpoint{server: server}
}

func (e *healthEndpoint) Name() string { return "health" }

func (e *healthEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/health", Handler: http.HandlerFunc(e.server.HandleHealth)},
		{Method: http.MethodGet, Path: "/metrics", Handler: http.HandlerFunc(e.server.handleMetrics)},
		{Method: http.MethodGet, Path: "/api/v1/gateway/cache", Handler: http.HandlerFunc(e.server.handleCacheStats)},
	}
}

// HandleHealth answers 503 only when a critical component is down.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.health.Check(r.Context())
	status := http.StatusOK
	if st.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, st)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(metrics.FormatPrometheus(s.metrics.GetSnapshot())))
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	st := s.gateway.Stats()
	s.respondJSON(w, http.StatusOK, map[string]any{
		"entries":         st.Entries,
		"capacity":        st.Capacity,
		"ttlSeconds":      int64(st.TTL.Seconds()),
		"hits":            st.Hits,
		"misses":          st.Misses,
		"healthy":         st.Healthy,
		"lastHealthCheck": st.LastHealthCheck,
	})
}
