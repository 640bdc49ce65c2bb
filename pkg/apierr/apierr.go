// Package apierr provides a unified structured-error taxonomy for the
// operator-facing surfaces of the coordinator (the HTTP reporting API and
// startup fail-fast checks). Internal pipeline errors are plain wrapped
// Go errors; they are only classified into a ServiceError at the boundary
// that renders a response or an alert.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of failure.
type Code string

const (
	CodeInvalidInput   Code = "VAL_3001"
	CodeMissingParam   Code = "VAL_3002"
	CodeNotFound       Code = "RES_4001"
	CodeAlreadyExists  Code = "RES_4002"
	CodeConflict       Code = "RES_4003"
	CodeInternal       Code = "SVC_5001"
	CodeDatabase       Code = "SVC_5002"
	CodeUpstream       Code = "SVC_5003"
	CodeTimeout        Code = "SVC_5004"
	CodeUnauthorized   Code = "AUTH_1001"
	CodeForbidden      Code = "AUTHZ_2001"
	CodeInvariant      Code = "SVC_5005"
	CodeRateLimited    Code = "SVC_5006"
)

// ServiceError is a structured error with an HTTP status and optional detail
// map, rendered by the reporting API as {"error": {"code", "message"}}.
type ServiceError struct {
	Code       Code                   `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// WithDetail attaches one key/value pair to the error and returns it.
func (e *ServiceError) WithDetail(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New constructs a ServiceError with no wrapped cause.
func New(code Code, message string, status int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status}
}

// Wrap constructs a ServiceError around an existing error.
func Wrap(code Code, message string, status int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

func InvalidInput(field, reason string) *ServiceError {
	return New(CodeInvalidInput, "invalid input", http.StatusBadRequest).
		WithDetail("field", field).WithDetail("reason", reason)
}

func MissingParameter(name string) *ServiceError {
	return New(CodeMissingParam, "missing required parameter", http.StatusBadRequest).
		WithDetail("parameter", name)
}

func NotFound(resource, id string) *ServiceError {
	return New(CodeNotFound, "resource not found", http.StatusNotFound).
		WithDetail("resource", resource).WithDetail("id", id)
}

func Conflict(message string) *ServiceError {
	return New(CodeConflict, message, http.StatusConflict)
}

func Unauthorized(message string) *ServiceError {
	return New(CodeUnauthorized, message, http.StatusUnauthorized)
}

func Forbidden(message string) *ServiceError {
	return New(CodeForbidden, message, http.StatusForbidden)
}

func Internal(message string, err error) *ServiceError {
	return Wrap(CodeInternal, message, http.StatusInternalServerError, err)
}

func Database(operation string, err error) *ServiceError {
	return Wrap(CodeDatabase, "database operation failed", http.StatusInternalServerError, err).
		WithDetail("operation", operation)
}

func Upstream(service string, err error) *ServiceError {
	return Wrap(CodeUpstream, "upstream call failed", http.StatusBadGateway, err).
		WithDetail("service", service)
}

func Timeout(operation string) *ServiceError {
	return New(CodeTimeout, "operation timed out", http.StatusGatewayTimeout).
		WithDetail("operation", operation)
}

// Invariant signals a consistency-check failure (e.g. emission sum != 1e9).
// Callers must abort the enclosing transaction before returning it.
func Invariant(message string) *ServiceError {
	return New(CodeInvariant, message, http.StatusInternalServerError)
}

func RateLimited(limit int, window string) *ServiceError {
	return New(CodeRateLimited, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetail("limit", limit).WithDetail("window", window)
}

// As extracts a *ServiceError from an error chain, if present.
func As(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// HTTPStatus returns the HTTP status for err, defaulting to 500.
func HTTPStatus(err error) int {
	if se := As(err); se != nil {
		return se.HTTPStatus
	}
	return http.StatusInternalServerError
}
