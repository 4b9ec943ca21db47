package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind tags the variant held by a Result.
type Kind int

const (
	KindText Kind = iota + 1
	KindStructured
	KindDegraded
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindStructured:
		return "structured"
	case KindDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Reason identifies why a degraded result was produced.
type Reason string

const (
	ReasonUnhealthy    Reason = "unhealthy"
	ReasonTimeout      Reason = "timeout"
	ReasonUnauthorized Reason = "unauthorized"
	ReasonNotFound     Reason = "not_found"
	ReasonRateLimited  Reason = "rate_limited"
	ReasonUnavailable  Reason = "unavailable"
)

var userMessages = map[Reason]string{
	ReasonUnhealthy:    "El servicio de inteligencia artificial no está disponible en este momento. Intenta nuevamente en unos minutos.",
	ReasonTimeout:      "La solicitud tardó demasiado en responder. Intenta nuevamente.",
	ReasonUnauthorized: "Hay un problema de autorización con el servicio de inteligencia artificial. Contacta al administrador.",
	ReasonNotFound:     "El servicio de inteligencia artificial no se encuentra disponible. Contacta al administrador.",
	ReasonRateLimited:  "Se alcanzó el límite de solicitudes. Espera un momento antes de intentarlo nuevamente.",
	ReasonUnavailable:  "El servicio está temporalmente no disponible. Intenta nuevamente en unos minutos.",
}

// Degraded is a canned answer returned in place of a provider response.
type Degraded struct {
	Reason      Reason `json:"reason"`
	UserMessage string `json:"userMessage"`
}

func newDegraded(reason Reason) *Degraded {
	return &Degraded{Reason: reason, UserMessage: userMessages[reason]}
}

// Result is what Call returns: provider text, a structured JSON result or a
// degraded placeholder.
type Result struct {
	Kind       Kind            `json:"kind"`
	Text       string          `json:"text,omitempty"`
	Structured json.RawMessage `json:"structured,omitempty"`
	Degraded   *Degraded       `json:"degraded,omitempty"`
	Cached     bool            `json:"cached"`
	Hits       int             `json:"hits"`
	RequestID  string          `json:"requestId,omitempty"`
}

// IsDegraded reports whether r is a degraded placeholder.
func (r Result) IsDegraded() bool { return r.Kind == KindDegraded }

// Content returns the provider answer as text. Structured results are
// returned as their JSON encoding; degraded results yield "".
func (r Result) Content() string {
	switch r.Kind {
	case KindText:
		return r.Text
	case KindStructured:
		return string(r.Structured)
	default:
		return ""
	}
}

// ErrUpstream matches every *UpstreamError under errors.Is.
var ErrUpstream = errors.New("gateway: upstream failure")

// ErrMalformedResponse is returned when the provider answers 2xx with a body
// that is neither {result} nor {error}.
var ErrMalformedResponse = errors.New("gateway: malformed upstream response")

// UpstreamError is a hard failure: an answer (or lack of one) that was not
// converted into a degraded result.
type UpstreamError struct {
	Action     string
	StatusCode int // 0 when no answer was obtained
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.StatusCode > 0 && e.Message != "":
		return fmt.Sprintf("gateway: %s: status %d: %s", e.Action, e.StatusCode, e.Message)
	case e.StatusCode > 0:
		return fmt.Sprintf("gateway: %s: status %d", e.Action, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("gateway: %s: %v", e.Action, e.Err)
	default:
		return fmt.Sprintf("gateway: %s: %s", e.Action, e.Message)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }
