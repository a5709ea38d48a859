package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a specific error type for better error handling
type ErrorCode string

const (
	// Configuration errors - fatal at startup, never retried
	ErrCodeConfigInvalid   ErrorCode = "CONFIG_INVALID"
	ErrCodeDependencyCycle ErrorCode = "DEPENDENCY_CYCLE"
	ErrCodeUnknownService  ErrorCode = "UNKNOWN_SERVICE"

	// Availability errors - surfaced as 503-class
	ErrCodeNoHealthyInstance ErrorCode = "NO_HEALTHY_INSTANCE"
	ErrCodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	ErrCodeDependencyUnmet   ErrorCode = "DEPENDENCY_UNMET"

	// Timeout errors - distinguish slow-downstream from down-downstream
	ErrCodeCallTimeout  ErrorCode = "CALL_TIMEOUT"
	ErrCodeQueueTimeout ErrorCode = "QUEUE_TIMEOUT"

	// Rate limiting errors
	ErrCodeRateLimited ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Proxy / downstream errors
	ErrCodeUpstream ErrorCode = "UPSTREAM_ERROR"
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// GatewayError represents a structured error with component context
type GatewayError struct {
	Code      ErrorCode              `json:"code"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Cause     error                  `json:"-"`
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
}

// Unwrap returns the underlying error
func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// Is matches errors by code
func (e *GatewayError) Is(target error) bool {
	if t, ok := target.(*GatewayError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithMetadata adds metadata to the error
func (e *GatewayError) WithMetadata(key string, value interface{}) *GatewayError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// HTTPStatusCode returns the status the gateway responds with for this error.
// Circuit-open and no-instance map to 503, rate limiting to 429, call
// timeouts to 504 so callers can tell slow from down; everything else is 500.
func (e *GatewayError) HTTPStatusCode() int {
	switch e.Code {
	case ErrCodeNoHealthyInstance, ErrCodeCircuitOpen, ErrCodeDependencyUnmet:
		return 503
	case ErrCodeRateLimited, ErrCodeQueueTimeout:
		return 429
	case ErrCodeCallTimeout:
		return 504
	default:
		return 500
	}
}

// New creates a new GatewayError
func New(code ErrorCode, component, message string) *GatewayError {
	return &GatewayError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Wrap wraps an existing error with gateway error structure
func Wrap(err error, code ErrorCode, component, message string) *GatewayError {
	if err == nil {
		return nil
	}
	return &GatewayError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
		Details:   err.Error(),
	}
}

// Common constructors

// NewCircuitOpenError indicates a breaker short-circuited the call
func NewCircuitOpenError(name string) *GatewayError {
	return New(
		ErrCodeCircuitOpen,
		"circuit_breaker",
		fmt.Sprintf("circuit breaker %q is open", name),
	).WithMetadata("breaker", name)
}

// NewCallTimeoutError indicates the wrapped operation exceeded its call timeout
func NewCallTimeoutError(name string, timeout time.Duration) *GatewayError {
	return New(
		ErrCodeCallTimeout,
		"circuit_breaker",
		fmt.Sprintf("call through breaker %q timed out after %s", name, timeout),
	).WithMetadata("breaker", name).WithMetadata("timeout", timeout.String())
}

// NewNoHealthyInstanceError indicates selection found no eligible instance
func NewNoHealthyInstanceError(service string) *GatewayError {
	return New(
		ErrCodeNoHealthyInstance,
		"load_balancer",
		fmt.Sprintf("no healthy instance available for service %q", service),
	).WithMetadata("service", service)
}

// NewRateLimitedError indicates the window budget and queue are both exhausted
func NewRateLimitedError(key string) *GatewayError {
	return New(
		ErrCodeRateLimited,
		"rate_limiter",
		fmt.Sprintf("rate limit exceeded for %q", key),
	).WithMetadata("key", key)
}

// NewQueueTimeoutError indicates a queued request timed out before the window reset
func NewQueueTimeoutError(key string, timeout time.Duration) *GatewayError {
	return New(
		ErrCodeQueueTimeout,
		"rate_limiter",
		fmt.Sprintf("queued request for %q timed out after %s", key, timeout),
	).WithMetadata("key", key)
}

// NewDependencyCycleError reports a cycle in declared service dependencies
func NewDependencyCycleError(path []string) *GatewayError {
	return New(
		ErrCodeDependencyCycle,
		"service_manager",
		fmt.Sprintf("dependency cycle detected: %v", path),
	).WithMetadata("cycle", path)
}

// NewUpstreamError wraps a non-2xx or transport failure from a proxied call
func NewUpstreamError(service string, cause error) *GatewayError {
	return Wrap(
		cause,
		ErrCodeUpstream,
		"gateway",
		fmt.Sprintf("upstream call to %q failed", service),
	).WithMetadata("service", service)
}

// Helpers

// CodeOf extracts the error code, defaulting to internal
func CodeOf(err error) ErrorCode {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Code
	}
	return ErrCodeInternal
}

// HTTPStatusOf returns the HTTP status for any error
func HTTPStatusOf(err error) int {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.HTTPStatusCode()
	}
	return 500
}

// IsCode reports whether err carries the given code
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
