package errors

import (
	"errors"
	"fmt"
)

// Error types for different domains
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeExternal   ErrorType = "external"
)

// Engine fault codes recorded on decisions and, for outbox failures, surfaced
// over HTTP. These mirror the engine_error_code values on the decision envelope.
const (
	CodeRulesetNotLoaded   = "RULESET_NOT_LOADED"
	CodeEvaluationError    = "EVALUATION_ERROR"
	CodeRedisUnavailable   = "REDIS_UNAVAILABLE"
	CodeMissingDecision    = "MISSING_DECISION"
	CodeInvalidDecision    = "INVALID_DECISION"
	CodeEventPublishFailed = "EVENT_PUBLISH_FAILED"
	CodeOutboxUnavailable  = "OUTBOX_UNAVAILABLE"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType `json:"type"`
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	Cause      error     `json:"-"`
	Retryable  bool      `json:"retryable"`
	StatusCode int       `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Error constructors
func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 400,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Retryable:  true,
		StatusCode: 500,
	}
}

// NewVelocityUnavailableError marks the velocity store as unreachable. The
// evaluator treats this as a degrade signal, never as a request failure.
func NewVelocityUnavailableError(cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       CodeRedisUnavailable,
		Message:    "velocity store unavailable",
		Cause:      cause,
		Retryable:  true,
		StatusCode: 503,
	}
}

// NewOutboxUnavailableError is the single fault that reaches the HTTP boundary
// as a 5xx: durability for AUTH decisions could not be met.
func NewOutboxUnavailableError(cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       CodeOutboxUnavailable,
		Message:    "decision outbox unavailable",
		Cause:      cause,
		Retryable:  true,
		StatusCode: 503,
	}
}

// IsVelocityUnavailable reports whether err carries the REDIS_UNAVAILABLE code.
func IsVelocityUnavailable(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == CodeRedisUnavailable
}

// GetAppError extracts an AppError from an error chain, or wraps unknown
// errors as internal.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewInternalError("unexpected error").WithCause(err)
}
