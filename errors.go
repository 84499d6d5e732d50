package portal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorType classifies every error returned by the client.
type ErrorType string

const (
	ErrorTypeTransport            ErrorType = "TransportError"
	ErrorTypeHTTPStatus           ErrorType = "HttpStatusError"
	ErrorTypeAuth                 ErrorType = "AuthError"
	ErrorTypeCircuitOpen          ErrorType = "CircuitOpenError"
	ErrorTypeRateLimitTimeout     ErrorType = "RateLimitTimeout"
	ErrorTypeCancellation         ErrorType = "CancellationError"
	ErrorTypeSubscriptionProtocol ErrorType = "SubscriptionProtocolError"
	ErrorTypeGraphQL              ErrorType = "GraphQLError"
	ErrorTypeValidation           ErrorType = "ValidationError"
	ErrorTypeClientClosed         ErrorType = "ClientClosed"
)

// Sentinel errors for errors.Is. Matching is by Type only.
var (
	// ErrCircuitOpen is returned when the circuit breaker rejects a call
	ErrCircuitOpen = &ClientError{Type: ErrorTypeCircuitOpen, Message: "circuit open"}

	// ErrRateLimitTimeout is returned when admission waited longer than RateLimit.MaxWait
	ErrRateLimitTimeout = &ClientError{Type: ErrorTypeRateLimitTimeout, Message: "rate limit wait exceeded"}

	ErrCancelled         = &ClientError{Type: ErrorTypeCancellation, Message: "cancelled"}
	ErrAuth              = &ClientError{Type: ErrorTypeAuth, Message: "authentication failed"}
	ErrTransport         = &ClientError{Type: ErrorTypeTransport, Message: "transport failure"}
	ErrHTTPStatus        = &ClientError{Type: ErrorTypeHTTPStatus, Message: "unexpected status"}
	ErrSubscriptionProto = &ClientError{Type: ErrorTypeSubscriptionProtocol, Message: "subscription protocol error"}
	ErrGraphQL           = &ClientError{Type: ErrorTypeGraphQL, Message: "graphql error"}
	ErrValidation        = &ClientError{Type: ErrorTypeValidation, Message: "invalid configuration"}
	ErrClientClosed      = &ClientError{Type: ErrorTypeClientClosed, Message: "client closed"}
)

// ClientError is the single error type surfaced by public operations.
type ClientError struct {
	Type       ErrorType
	Message    string
	Cause      error
	RequestID  string
	Method     string
	Path       string
	StatusCode int
	// Code is the API error code from the response body, when present.
	Code        string
	Body        []byte
	Details     map[string]any
	Attempt     int
	MaxAttempts int
	Timestamp   time.Time
	Duration    time.Duration
	// RetryAfter is the server supplied Retry-After delay, if any.
	RetryAfter time.Duration
}

// Error implements error interface.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempt > 0 && e.MaxAttempts > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxAttempts)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*ClientError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *ClientError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.RequestID != "" {
		info += fmt.Sprintf("Request ID: %s\n", e.RequestID)
	}
	if e.Method != "" {
		info += fmt.Sprintf("Method: %s\n", e.Method)
	}
	if e.Path != "" {
		info += fmt.Sprintf("Path: %s\n", e.Path)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.Code != "" {
		info += fmt.Sprintf("Code: %s\n", e.Code)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt, e.MaxAttempts)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

func newError(t ErrorType, msg string, cause error) *ClientError {
	return &ClientError{Type: t, Message: msg, Cause: cause, Timestamp: time.Now()}
}

// ErrorTypeOf returns the classification of err, or "" when err is not a
// ClientError.
func ErrorTypeOf(err error) ErrorType {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ""
}

// IsRetryable reports whether a failed attempt may be retried.
// Transport failures and 5xx responses are retryable; everything else,
// including every 4xx, is terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClientError
	if !errors.As(err, &ce) {
		return false
	}
	switch ce.Type {
	case ErrorTypeTransport:
		return true
	case ErrorTypeHTTPStatus:
		return ce.StatusCode >= 500
	default:
		return false
	}
}

// normalizeError maps any error onto the taxonomy. ClientErrors pass through.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	var ce *ClientError
	if errors.As(err, &ce) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newError(ErrorTypeCancellation, "operation cancelled", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return newError(ErrorTypeTransport, "network error", err)
	}
	return newError(ErrorTypeTransport, "unexpected failure", err)
}
