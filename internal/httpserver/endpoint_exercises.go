package httpserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/superpaes/exercise-gateway/internal/exercise"
	"github.com/superpaes/exercise-gateway/internal/generator"
	"github.com/superpaes/exercise-gateway/internal/httpserver/protocol"
	"github.com/superpaes/exercise-gateway/internal/ratelimit"
)

// maxRequestAttempts caps the per-request attempt override.
const maxRequestAttempts = 5

type exercisesEndpoint struct {
	server *Server
}

func newExercisesEndpoint(server *Server) protocol.Endpoint {
	return &exercisesEndpoint{server: server}
}

func (e *exercisesEndpoint) Name() string { return "exercises" }

func (e *exercisesEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodPost, Path: "/api/v1/exercises", Handler: e.server.limited(e.server.handleGenerate)},
		{Method: http.MethodGet, Path: "/api/v1/connection", Handler: http.HandlerFunc(e.server.handleConnection)},
	}
}

type generateRequest struct {
	Subject          string   `json:"subject"`
	Skill            string   `json:"skill"`
	Difficulty       string   `json:"difficulty"`
	UserContext      any      `json:"userContext,omitempty"`
	QualityThreshold *float64 `json:"qualityThreshold,omitempty"`
	MaxAttempts      int      `json:"maxAttempts,omitempty"`
	UserID           string   `json:"userId,omitempty"`
	ModuleSource     string   `json:"moduleSource,omitempty"`
}

func (g generateRequest) toRequest(headerUser string) (generator.Request, error) {
	subject, err := exercise.ParseSubject(g.Subject)
	if err != nil {
		return generator.Request{}, err
	}
	skill, err := exercise.ParseSkill(g.Skill)
	if err != nil {
		return generator.Request{}, err
	}
	difficulty, err := exercise.ParseDifficulty(g.Difficulty)
	if err != nil {
		return generator.Request{}, err
	}
	if t := g.QualityThreshold; t != nil && (*t < 0 || *t > 1) {
		return generator.Request{}, fmt.Errorf("qualityThreshold must be within [0,1], got %v", *t)
	}
	if g.MaxAttempts < 0 || g.MaxAttempts > maxRequestAttempts {
		return generator.Request{}, fmt.Errorf("maxAttempts must be within [0,%d], got %d", maxRequestAttempts, g.MaxAttempts)
	}
	userID := strings.TrimSpace(g.UserID)
	if userID == "" {
		userID = strings.TrimSpace(headerUser)
	}
	return generator.Request{
		Subject:          subject,
		Skill:            skill,
		Difficulty:       difficulty,
		UserContext:      g.UserContext,
		QualityThreshold: g.QualityThreshold,
		MaxAttempts:      g.MaxAttempts,
		UserID:           userID,
		ModuleSource:     strings.TrimSpace(g.ModuleSource),
	}, nil
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	req, err := body.toRequest(r.Header.Get(ratelimit.UserHeader))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	resp := s.generator.Generate(r.Context(), req)
	if r.Context().Err() != nil {
		s.logger.WithField("subject", req.Subject).Debug("client went away during generation")
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	status := s.gateway.TestConnection(r.Context())
	s.respondJSON(w, http.StatusOK, map[string]any{
		"connected": status.Connected,
		"latencyMs": status.Latency.Milliseconds(),
		"error":     status.Error,
	})
}
