package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/superpaes/exercise-gateway/internal/httpserver/protocol"
	"github.com/superpaes/exercise-gateway/internal/ledger"
)

const dateLayout = "2006-01-02"

type usageEndpoint struct {
	server *Server
}

func newUsageEndpoint(server *Server) protocol.Endpoint {
	return &usageEndpoint{server: server}
}

func (e *usageEndpoint) Name() string { return "usage" }

func (e *usageEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/api/v1/usage/metrics", Handler: http.HandlerFunc(e.server.handleUsageMetrics)},
		{Method: http.MethodGet, Path: "/api/v1/alerts", Handler: http.HandlerFunc(e.server.handleAlerts)},
		{Method: http.MethodPost, Path: "/api/v1/alerts/{id}/resolve", Handler: http.HandlerFunc(e.server.handleResolveAlert)},
		{Method: http.MethodGet, Path: "/api/v1/limits/{userID}", Handler: http.HandlerFunc(e.server.handleGetLimit)},
		{Method: http.MethodPut, Path: "/api/v1/limits/{userID}", Handler: http.HandlerFunc(e.server.handlePutLimit)},
	}
}

func (s *Server) handleUsageMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	now := s.now().UTC()
	start, end := now.Add(-24*time.Hour), now
	var err error
	if v := q.Get("start"); v != "" {
		if start, err = parseTime(v, false); err != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Errorf("start: %w", err))
			return
		}
	}
	if v := q.Get("end"); v != "" {
		if end, err = parseTime(v, true); err != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Errorf("end: %w", err))
			return
		}
	}
	if !start.Before(end) {
		s.respondError(w, http.StatusBadRequest, errors.New("start must be before end"))
		return
	}
	out, err := s.ledger.Metrics(r.Context(), start, end, strings.TrimSpace(q.Get("module")))
	if err != nil {
		s.logger.WithError(err).Error("usage metrics query failed")
		s.respondError(w, http.StatusInternalServerError, errors.New("usage metrics unavailable"))
		return
	}
	s.respondJSON(w, http.StatusOK, out)
}

// parseTime accepts RFC3339 or a bare date. A bare end date covers the
// whole day.
func parseTime(v string, endOfDay bool) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC3339 or YYYY-MM-DD, got %q", v)
	}
	if endOfDay {
		t = t.Add(24 * time.Hour)
	}
	return t, nil
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.AlertFilter{UserID: strings.TrimSpace(q.Get("user_id"))}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Errorf("active: %w", err))
			return
		}
		filter.ActiveOnly = active
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(w, http.StatusBadRequest, fmt.Errorf("limit must be a non-negative integer, got %q", v))
			return
		}
		filter.Limit = n
	}
	alerts, err := s.ledger.Alerts(r.Context(), filter)
	if err != nil {
		s.logger.WithError(err).Error("alert query failed")
		s.respondError(w, http.StatusInternalServerError, errors.New("alerts unavailable"))
		return
	}
	if alerts == nil {
		alerts = []ledger.CostAlert{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

type resolveRequest struct {
	ResolvedBy string `json:"resolvedBy"`
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	var body resolveRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(body.ResolvedBy) == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("resolvedBy required"))
		return
	}
	alert, err := s.ledger.ResolveAlert(r.Context(), chi.URLParam(r, "id"), body.ResolvedBy)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		s.respondError(w, http.StatusNotFound, errors.New("alert not found"))
	case errors.Is(err, ledger.ErrAlreadyResolved):
		s.respondError(w, http.StatusConflict, errors.New("alert already resolved"))
	case err != nil:
		s.logger.WithError(err).Error("resolve alert failed")
		s.respondError(w, http.StatusInternalServerError, errors.New("resolve failed"))
	default:
		s.respondJSON(w, http.StatusOK, alert)
	}
}

func (s *Server) handleGetLimit(w http.ResponseWriter, r *http.Request) {
	limit, err := s.ledger.Limit(r.Context(), chi.URLParam(r, "userID"))
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		s.respondError(w, http.StatusNotFound, errors.New("no cost limit configured"))
	case err != nil:
		s.logger.WithError(err).Error("cost limit lookup failed")
		s.respondError(w, http.StatusInternalServerError, errors.New("cost limit unavailable"))
	default:
		s.respondJSON(w, http.StatusOK, limit)
	}
}

type limitRequest struct {
	DailyLimit   float64            `json:"dailyLimit"`
	WeeklyLimit  float64            `json:"weeklyLimit"`
	MonthlyLimit float64            `json:"monthlyLimit"`
	ModuleLimits map[string]float64 `json:"moduleLimits,omitempty"`
	Active       *bool              `json:"active,omitempty"`
}

func (s *Server) handlePutLimit(w http.ResponseWriter, r *http.Request) {
	var body limitRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := s.ledger.SetLimit(r.Context(), ledger.CostLimit{
		UserID:       chi.URLParam(r, "userID"),
		DailyLimit:   body.DailyLimit,
		WeeklyLimit:  body.WeeklyLimit,
		MonthlyLimit: body.MonthlyLimit,
		ModuleLimits: body.ModuleLimits,
		Active:       body.Active == nil || *body.Active,
	})
	switch {
	case errors.Is(err, ledger.ErrInvalidLimit):
		s.respondError(w, http.StatusBadRequest, err)
	case err != nil:
		s.logger.WithError(err).Error("cost limit update failed")
		s.respondError(w, http.StatusInternalServerError, errors.New("cost limit update failed"))
	default:
		s.respondJSON(w, http.StatusOK, limit)
	}
}
