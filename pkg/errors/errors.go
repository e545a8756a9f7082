package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrorTypeTransport covers network unreachable, DNS failure, connection
	// reset and attempt deadlines where no response was received.
	ErrorTypeTransport ErrorType = "transport"
	// ErrorTypeServer is any response with status >= 500.
	ErrorTypeServer ErrorType = "server"
	// ErrorTypeRateLimit is a 429 response.
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeTimeout is a 408 response.
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeClient is any other 4xx response.
	ErrorTypeClient ErrorType = "client"
	// ErrorTypeCircuitOpen is raised by the pipeline when a breaker is open.
	ErrorTypeCircuitOpen ErrorType = "circuit_open"
	// ErrorTypeCanceled means the caller canceled the call.
	ErrorTypeCanceled   ErrorType = "canceled"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeInternal   ErrorType = "internal"
)

// AppError represents an application error with context
type AppError struct {
	Type       ErrorType         `json:"type"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
	StatusCode int               `json:"status_code,omitempty"`
	Endpoint   string            `json:"endpoint,omitempty"`
	Method     string            `json:"method,omitempty"`
	Body       []byte            `json:"-"`
	Timestamp  time.Time         `json:"timestamp"`
	Cause      error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithEndpoint records the endpoint key and method the error belongs to
func (e *AppError) WithEndpoint(method, endpoint string) *AppError {
	e.Method = method
	e.Endpoint = endpoint
	return e
}

// Common error constructors
func NewTransportError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeTransport, "TRANSPORT_ERROR", message).WithCause(cause)
}

func NewCircuitOpenError(endpoint string) *AppError {
	return NewAppError(ErrorTypeCircuitOpen, "CIRCUIT_OPEN",
		fmt.Sprintf("circuit breaker for %s is open", endpoint)).
		WithDetail("endpoint", endpoint)
}

func NewCanceledError(cause error) *AppError {
	return NewAppError(ErrorTypeCanceled, "CANCELED", "call canceled").WithCause(cause)
}

func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

// FromStatus builds the error for a non-success HTTP response. It returns nil
// for status codes below 400.
func FromStatus(statusCode int, body []byte) *AppError {
	var e *AppError
	switch {
	case statusCode < http.StatusBadRequest:
		return nil
	case statusCode >= http.StatusInternalServerError:
		e = NewAppError(ErrorTypeServer, "SERVER_ERROR", fmt.Sprintf("server responded %d", statusCode))
	case statusCode == http.StatusTooManyRequests:
		e = NewAppError(ErrorTypeRateLimit, "RATE_LIMITED", "server responded 429")
	case statusCode == http.StatusRequestTimeout:
		e = NewAppError(ErrorTypeTimeout, "REQUEST_TIMEOUT", "server responded 408")
	default:
		e = NewAppError(ErrorTypeClient, "CLIENT_ERROR", fmt.Sprintf("server responded %d", statusCode))
	}
	e.StatusCode = statusCode
	e.Body = body
	return e
}

// AsAppError returns the first *AppError in err's chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsType checks if the error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// GetType returns the error type if it's an AppError. Context errors map to
// canceled, anything else unknown to internal.
func GetType(err error) ErrorType {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeCanceled
	}
	return ErrorTypeInternal
}

// GetStatusCode returns the HTTP status carried by the error, or 0.
func GetStatusCode(err error) int {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 0
}

// IsCircuitOpen reports whether the call was rejected by an open breaker.
func IsCircuitOpen(err error) bool {
	return IsType(err, ErrorTypeCircuitOpen)
}

// Retryable reports whether a failed attempt may be re-issued.
func Retryable(err error) bool {
	switch GetType(err) {
	case ErrorTypeTransport, ErrorTypeServer, ErrorTypeRateLimit, ErrorTypeTimeout:
		return true
	default:
		return false
	}
}

// CountsAsBreakerFailure reports whether the error indicates a systemic
// failure of the endpoint. 408 and 429 are expected back-pressure and do not
// count.
func CountsAsBreakerFailure(err error) bool {
	switch GetType(err) {
	case ErrorTypeTransport, ErrorTypeServer:
		return true
	default:
		return false
	}
}
