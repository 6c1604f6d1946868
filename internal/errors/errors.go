// Package errors defines application errors with stable codes and renders
// them as gofulmen error envelopes over HTTP.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error codes shared by the CLI and HTTP surfaces.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
)

// AppError is an error with a code, an HTTP status and optional details.
type AppError struct {
	Code    string
	Status  int
	Message string
	Details map[string]any

	// RequestID is captured from the context when the error is wrapped.
	RequestID string

	Err error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// WithDetails returns e with details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

func newError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

// NewBadRequestError reports malformed client input.
func NewBadRequestError(msg string) *AppError {
	return newError(CodeBadRequest, http.StatusBadRequest, msg)
}

// NewValidationError reports input that parsed but failed validation.
func NewValidationError(msg string, err error) *AppError {
	e := newError(CodeValidation, http.StatusUnprocessableEntity, msg)
	e.Err = err
	return e
}

// NewNotFoundError reports a missing resource.
func NewNotFoundError(msg string) *AppError {
	return newError(CodeNotFound, http.StatusNotFound, msg)
}

// NewConflictError reports a request that conflicts with current state.
func NewConflictError(msg string) *AppError {
	return newError(CodeConflict, http.StatusConflict, msg)
}

// NewServiceUnavailableError reports a temporarily unusable service.
func NewServiceUnavailableError(msg string) *AppError {
	return newError(CodeServiceUnavailable, http.StatusServiceUnavailable, msg)
}

// NewExternalServiceError reports a failing dependency.
func NewExternalServiceError(msg string) *AppError {
	return newError(CodeExternalService, http.StatusBadGateway, msg)
}

// WrapInternal wraps err as an internal error, capturing the request id
// from ctx when present.
func WrapInternal(ctx context.Context, err error, msg string) *AppError {
	e := newError(CodeInternal, http.StatusInternalServerError, msg)
	e.Err = err
	e.RequestID = RequestIDFromContext(ctx)
	return e
}

// AsAppError returns the AppError in err's chain, or wraps err as internal.
func AsAppError(ctx context.Context, err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return WrapInternal(ctx, err, "internal server error")
}

type requestIDKey struct{}

// WithRequestID returns ctx carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id stored in ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
