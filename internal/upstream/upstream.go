// Package upstream defines the boundary contract with the completion
// provider: a JSON request {action, payload, requestId} answered with either
// {result} or {error}, possibly under a non-2xx status.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// Actions understood by the provider.
const (
	ActionHealthCheck        = "health_check"
	ActionGenerateExercise   = "generate_exercise"
	ActionTestConnection     = "test_connection"
	ActionProvideFeedback    = "provide_feedback"
	ActionAnalyzePerformance = "analyze_performance"
)

// Request is one remote procedure call.
type Request struct {
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId"`
}

// Response carries the raw status and body. Transports return a Response for
// every answer the provider gave, including non-2xx ones; only failures to
// obtain an answer at all are returned as errors.
type Response struct {
	StatusCode int
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Transport delivers requests to the provider.
type Transport interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req Request) (*Response, error)

func (f TransportFunc) Do(ctx context.Context, req Request) (*Response, error) { return f(ctx, req) }

// Envelope is the response body shape.
type Envelope struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// CompletionPayload is the payload of every completion-backed action.
type CompletionPayload struct {
	SystemPrompt string  `json:"systemPrompt"`
	UserPrompt   string  `json:"userPrompt"`
	Model        string  `json:"model,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	// Attempt distinguishes generate-validate cycles so each one reaches the
	// provider instead of the previous cycle's cache entry.
	Attempt int `json:"attempt,omitempty"`
}

// ErrMalformedEnvelope is returned by DecodeEnvelope for bodies that are not
// a {result} or {error} object.
var ErrMalformedEnvelope = errors.New("upstream: malformed response envelope")

// DecodeEnvelope parses and checks a response body.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Error == "" && (len(env.Result) == 0 || string(env.Result) == "null") {
		return Envelope{}, fmt.Errorf("%w: neither result nor error present", ErrMalformedEnvelope)
	}
	return env, nil
}

// ResultBody encodes a successful envelope.
func ResultBody(result any) []byte {
	raw, err := json.Marshal(Envelope{Result: mustRaw(result)})
	if err != nil {
		return []byte(`{"error":"encode result"}`)
	}
	return raw
}

// ErrorBody encodes an error envelope.
func ErrorBody(msg string) []byte {
	raw, _ := json.Marshal(Envelope{Error: msg})
	return raw
}

func mustRaw(v any) json.RawMessage {
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return raw
}

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

// ExtractJSONObject returns the outermost {...} span of text when it parses as
// JSON. Completion models often wrap their JSON in prose or code fences.
func ExtractJSONObject(text string) (json.RawMessage, bool) {
	match := jsonObject.FindString(text)
	if match == "" || !json.Valid([]byte(match)) {
		return nil, false
	}
	return json.RawMessage(match), true
}
