package types

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/bturcanu/toolmesh/pkg/tool"
)

// ──────────────────────────────────────────────────────────────────────────────
// Validation error (returned during request parsing)
// ──────────────────────────────────────────────────────────────────────────────

type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// ──────────────────────────────────────────────────────────────────────────────
// APIError: structured error returned to callers
// ──────────────────────────────────────────────────────────────────────────────

type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Details   any    `json:"details,omitempty"`
	HTTPCode  int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// WriteJSON writes the error as JSON to the response writer.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPCode)
	_ = json.NewEncoder(w).Encode(e)
}

// ──────────────────────────────────────────────────────────────────────────────
// Common error constructors
// ──────────────────────────────────────────────────────────────────────────────

func ErrBadRequest(msg string) *APIError {
	return &APIError{Code: "BAD_REQUEST", Message: msg, HTTPCode: http.StatusBadRequest}
}

func ErrValidation(err error) *APIError {
	return &APIError{Code: "VALIDATION_ERROR", Message: err.Error(), HTTPCode: http.StatusUnprocessableEntity}
}

func ErrUnauthorized(msg string) *APIError {
	return &APIError{Code: "UNAUTHORIZED", Message: msg, HTTPCode: http.StatusUnauthorized}
}

func ErrNotFound(msg string) *APIError {
	return &APIError{Code: "NOT_FOUND", Message: msg, HTTPCode: http.StatusNotFound}
}

func ErrInternal(msg string) *APIError {
	return &APIError{Code: "INTERNAL_ERROR", Message: msg, Retryable: true, HTTPCode: http.StatusInternalServerError}
}

func ErrRateLimited() *APIError {
	return &APIError{Code: "RATE_LIMITED", Message: "too many requests", Retryable: true, HTTPCode: http.StatusTooManyRequests}
}

func ErrConnectorFailure(deployment, detail string) *APIError {
	return &APIError{Code: "CONNECTOR_ERROR", Message: fmt.Sprintf("deployment %s failed: %s", deployment, detail), Retryable: false, HTTPCode: http.StatusBadGateway}
}

// ──────────────────────────────────────────────────────────────────────────────
// Tool and connector errors
// ──────────────────────────────────────────────────────────────────────────────

// ErrToolInputInvalid reports every failing field of a tool call at once.
func ErrToolInputInvalid(err *tool.ValidationError) *APIError {
	details := make([]ValidationError, len(err.Fields))
	for i, f := range err.Fields {
		details[i] = ValidationError{Field: f.Field, Reason: f.Reason}
	}
	return &APIError{Code: "TOOL_INPUT_INVALID", Message: err.Error(), Details: details, HTTPCode: http.StatusUnprocessableEntity}
}

func ErrToolTimeout(err *tool.TimeoutError) *APIError {
	return &APIError{Code: "TOOL_TIMEOUT", Message: err.Error(), Retryable: true, HTTPCode: http.StatusGatewayTimeout}
}

// ErrRecordedFailure answers a replayed invocation whose original execution
// failed, with the code that execution produced.
func ErrRecordedFailure(deployment, status, msg string) *APIError {
	switch status {
	case StatusInvalidInput:
		return &APIError{Code: "TOOL_INPUT_INVALID", Message: msg, HTTPCode: http.StatusUnprocessableEntity}
	case StatusTimeout:
		return &APIError{Code: "TOOL_TIMEOUT", Message: msg, Retryable: true, HTTPCode: http.StatusGatewayTimeout}
	default:
		return ErrConnectorFailure(deployment, msg)
	}
}

func ErrConnectorUnavailable(deployment string) *APIError {
	return &APIError{Code: "CONNECTOR_UNAVAILABLE", Message: fmt.Sprintf("deployment %s has no usable credentials", deployment), HTTPCode: http.StatusConflict}
}

func ErrNotSupported(msg string) *APIError {
	return &APIError{Code: "NOT_SUPPORTED", Message: msg, HTTPCode: http.StatusNotImplemented}
}
