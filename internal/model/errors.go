package model

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError reports a rejected input: bad name or path pattern,
// missing mandatory field, duplicate name or endpoint.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Invalid returns a ValidationError with a formatted message.
func Invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing document.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// NotFound returns a NotFoundError with a formatted message.
func NotFound(format string, args ...any) error {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ConflictError reports a transition that is not allowed from the current
// state. Status is 400 or 403.
type ConflictError struct {
	Status  int
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// Conflict returns a 400 ConflictError.
func Conflict(format string, args ...any) error {
	return &ConflictError{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// Forbidden returns a 403 ConflictError.
func Forbidden(format string, args ...any) error {
	return &ConflictError{Status: http.StatusForbidden, Message: fmt.Sprintf(format, args...)}
}

// UpstreamError reports a failed call to the orchestrator or to a running
// pipeline. Status is the upstream status code, or 0 when none was received.
type UpstreamError struct {
	Status  int
	Message string
	Body    []byte
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// CryptoError reports a cipher failure, including a crashed worker.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string { return "cipher: " + e.Op + ": " + e.Err.Error() }

func (e *CryptoError) Unwrap() error { return e.Err }

// HTTPStatus maps any error to the HTTP status the API responds with.
func HTTPStatus(err error) int {
	var (
		ve *ValidationError
		ne *NotFoundError
		ce *ConflictError
		ue *UpstreamError
		xe *CryptoError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &ne):
		return http.StatusNotFound
	case errors.As(err, &ce):
		if ce.Status != 0 {
			return ce.Status
		}
		return http.StatusBadRequest
	case errors.As(err, &ue):
		if ue.Status >= 400 {
			return ue.Status
		}
		return http.StatusInternalServerError
	case errors.As(err, &xe):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCodeFor returns the API error code for an HTTP status.
func ErrorCodeFor(status int) string {
	switch status {
	case http.StatusBadRequest:
		return ErrCodeInvalidInput
	case http.StatusUnauthorized:
		return ErrCodeUnauthorized
	case http.StatusForbidden:
		return ErrCodeForbidden
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusTooManyRequests:
		return ErrCodeRateLimited
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return ErrCodeUpstream
	default:
		if status >= 500 {
			return ErrCodeInternalError
		}
		return ErrCodeInvalidInput
	}
}
