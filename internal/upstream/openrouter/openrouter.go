// Package openrouter implements upstream.Transport directly against an
// OpenAI-compatible chat completions API such as OpenRouter.
package openrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/sirupsen/logrus"

	"github.com/superpaes/exercise-gateway/internal/upstream"
)

var _ upstream.Transport = (*Transport)(nil)

const defaultBaseURL = "https://openrouter.ai/api/v1/"

// DefaultFallbackModels is the cascade tried after the requested model is
// rate limited.
var DefaultFallbackModels = []string{
	"google/gemini-2.0-flash-exp:free",
	"anthropic/claude-3-haiku:2024-04-29",
	"meta-llama/llama-3-70b-instruct",
}

// Config holds configuration for the transport.
type Config struct {
	APIKey         string
	BaseURL        string   // defaults to the OpenRouter API
	DefaultModel   string   // used when a payload names no model
	FallbackModels []string // tried in order after a 429
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Logger         *logrus.Entry
}

// Transport answers upstream requests by calling chat completions.
type Transport struct {
	client       openai.Client
	defaultModel string
	fallbacks    []string
	logger       *logrus.Entry
}

// New creates a Transport.
func New(cfg Config) (*Transport, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openrouter: api key required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.RequestTimeout))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	fallbacks := cfg.FallbackModels
	if fallbacks == nil {
		fallbacks = DefaultFallbackModels
	}
	return &Transport{
		client:       openai.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		fallbacks:    fallbacks,
		logger:       logger.WithField("component", "openrouter"),
	}, nil
}

// Do dispatches on the request action.
func (t *Transport) Do(ctx context.Context, req upstream.Request) (*upstream.Response, error) {
	switch req.Action {
	case upstream.ActionHealthCheck:
		return t.healthCheck(ctx)
	case upstream.ActionGenerateExercise, upstream.ActionTestConnection,
		upstream.ActionProvideFeedback, upstream.ActionAnalyzePerformance:
		var payload upstream.CompletionPayload
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return errorResponse(http.StatusBadRequest, "invalid payload: "+err.Error()), nil
		}
		if payload.UserPrompt == "" {
			return errorResponse(http.StatusBadRequest, "userPrompt is required"), nil
		}
		return t.complete(ctx, req, payload)
	default:
		return errorResponse(http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action)), nil
	}
}

func (t *Transport) healthCheck(ctx context.Context) (*upstream.Response, error) {
	if _, err := t.client.Models.List(ctx); err != nil {
		if resp, ok := apiErrorResponse(err); ok {
			return resp, nil
		}
		return nil, fmt.Errorf("openrouter: health check: %w", err)
	}
	return &upstream.Response{StatusCode: http.StatusOK, Body: upstream.ResultBody("ok")}, nil
}

// complete walks the model cascade; a 429 moves on to the next model.
func (t *Transport) complete(ctx context.Context, req upstream.Request, payload upstream.CompletionPayload) (*upstream.Response, error) {
	var last *upstream.Response
	for _, model := range t.models(payload.Model) {
		params := openai.ChatCompletionNewParams{
			Model: openai.ChatModel(model),
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.SystemMessage(payload.SystemPrompt),
				openai.UserMessage(payload.UserPrompt),
			},
		}
		if payload.Temperature > 0 {
			params.Temperature = openai.Float(payload.Temperature)
		}
		if payload.MaxTokens > 0 {
			params.MaxTokens = openai.Int(int64(payload.MaxTokens))
		}

		completion, err := t.client.Chat.Completions.New(ctx, params)
		if err != nil {
			resp, ok := apiErrorResponse(err)
			if !ok {
				return nil, fmt.Errorf("openrouter: %s: %w", req.Action, err)
			}
			if resp.StatusCode == http.StatusTooManyRequests {
				t.logger.WithFields(logrus.Fields{"model": model, "request_id": req.RequestID}).Warn("model rate limited, trying next")
				last = resp
				continue
			}
			return resp, nil
		}
		if len(completion.Choices) == 0 {
			return errorResponse(http.StatusBadGateway, "no choices returned"), nil
		}
		content := completion.Choices[0].Message.Content
		t.logger.WithFields(logrus.Fields{
			"model":        model,
			"action":       req.Action,
			"request_id":   req.RequestID,
			"total_tokens": completion.Usage.TotalTokens,
		}).Debug("completion received")

		if req.Action == upstream.ActionGenerateExercise {
			if obj, ok := upstream.ExtractJSONObject(content); ok {
				return &upstream.Response{StatusCode: http.StatusOK, Body: upstream.ResultBody(obj)}, nil
			}
		}
		return &upstream.Response{StatusCode: http.StatusOK, Body: upstream.ResultBody(content)}, nil
	}
	if last == nil {
		last = errorResponse(http.StatusBadRequest, "no model configured")
	}
	return last, nil
}

func (t *Transport) models(requested string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range append([]string{requested, t.defaultModel}, t.fallbacks...) {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

func apiErrorResponse(err error) (*upstream.Response, bool) {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return nil, false
	}
	msg := apiErr.Message
	if msg == "" {
		msg = http.StatusText(apiErr.StatusCode)
	}
	return errorResponse(apiErr.StatusCode, msg), true
}

func errorResponse(status int, msg string) *upstream.Response {
	return &upstream.Response{StatusCode: status, Body: upstream.ErrorBody(msg)}
}
