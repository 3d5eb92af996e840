// Package errors defines the error taxonomy shared by the license client and
// the authority server, plus the HTTP representations rendered by the API.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// Sentinel errors for the license domain. Callers classify with errors.Is;
// only the transport class is ever retried.
var (
	// Transport-class failures: retried with backoff, then degraded to the
	// offline path. Malformed responses are deliberately lumped in here.
	ErrTransport         = errors.New("license server unreachable")
	ErrOffline           = errors.New("license client in offline mode")
	ErrMalformedResponse = errors.New("malformed license server response")

	// Decisive failures: never retried.
	ErrMissingSerial     = errors.New("missing serial number")
	ErrSerialNotFound    = errors.New("serial number not found")
	ErrSerialExists      = errors.New("serial number already registered")
	ErrSerialExpired     = errors.New("serial number expired")
	ErrSerialBlacklisted = errors.New("serial number blacklisted")
	ErrDeviceConflict    = errors.New("serial number bound to another device")
	ErrRateLimited       = errors.New("too many attempts")
)

// IsTransient reports whether err belongs to the transport class: retryable,
// and eligible for the cache-bounded offline degradation path.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrOffline) ||
		errors.Is(err, ErrMalformedResponse)
}

// APIError is a structured API error response.
type APIError struct {
	StatusCode int    `json:"status_code"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// Render implements render.Renderer.
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// New creates a new APIError.
func New(statusCode int, errorCode, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
	}
}

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs.
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]any `json:"-"`
}

// Render implements render.Renderer.
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extension fields into the problem object.
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]any, 5+len(pd.Extensions))
	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}
	for k, v := range pd.Extensions {
		data[k] = v
	}
	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error.
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]any),
	}
}

// WithExtension adds an extension field to the problem details.
func (pd *ProblemDetails) WithExtension(key string, value any) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// ValidationError carries a single field-level validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// NewValidationProblem wraps field validation failures in a 400 problem.
func NewValidationProblem(fields []ValidationError, instance string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusBadRequest,
		"/errors/validation-failed",
		"Request Validation Failed",
		"One or more request fields are invalid.",
		instance,
	).WithExtension("error_code", "VALIDATION_FAILED").
		WithExtension("errors", fields)
}

// InvalidRequestProblem reports an unparseable request body.
func InvalidRequestProblem(err error, instance string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusBadRequest,
		"/errors/invalid-request",
		"Invalid Request",
		fmt.Sprintf("Request body could not be parsed: %v", err),
		instance,
	).WithExtension("error_code", "INVALID_REQUEST")
}
