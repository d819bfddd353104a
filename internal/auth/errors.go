package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorType categorizes an AuthError.
type ErrorType string

const (
	ErrAuthFailed              ErrorType = "AUTH_FAILED"
	ErrSessionNotFound         ErrorType = "SESSION_NOT_FOUND"
	ErrProviderNotFound        ErrorType = "PROVIDER_NOT_FOUND"
	ErrProviderDisabled        ErrorType = "PROVIDER_DISABLED"
	ErrRefreshFailed           ErrorType = "REFRESH_FAILED"
	ErrRevocationFailed        ErrorType = "REVOCATION_FAILED"
	ErrTokenExpired            ErrorType = "TOKEN_EXPIRED"
	ErrInvalidCredentials      ErrorType = "INVALID_CREDENTIALS"
	ErrAccessDenied            ErrorType = "ACCESS_DENIED"
	ErrInsufficientTrust       ErrorType = "INSUFFICIENT_TRUST"
	ErrInsufficientPermissions ErrorType = "INSUFFICIENT_PERMISSIONS"
	ErrContextNotFound         ErrorType = "CONTEXT_NOT_FOUND"
	ErrContextInvalid          ErrorType = "CONTEXT_INVALID"
	ErrContextDisabled         ErrorType = "CONTEXT_DISABLED"
	ErrRateLimited             ErrorType = "RATE_LIMITED"
	ErrConfiguration           ErrorType = "CONFIGURATION_ERROR"
	ErrNetwork                 ErrorType = "NETWORK_ERROR"
	ErrStorage                 ErrorType = "STORAGE_ERROR"
)

// AuthError is the structured error returned across the coordinator and
// security-context boundaries.
type AuthError struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`

	// Retryable is true for transient failures (network, timeouts, rate limits).
	Retryable bool `json:"retryable"`

	// RequiresReauth is set when the backend rejected the grant itself and the
	// user must authenticate again.
	RequiresReauth bool `json:"requiresReauth,omitempty"`

	// Context carries identifiers useful for diagnosis (session, provider, component).
	Context map[string]string `json:"context,omitempty"`

	// Err is the original error, if any.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	msg := string(e.Type)
	if e.Code != "" {
		msg += "(" + e.Code + ")"
	}
	msg += ": " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the original error for error chain inspection.
func (e *AuthError) Unwrap() error {
	return e.Err
}

// WithContext returns a copy of e with an additional context key.
func (e *AuthError) WithContext(key, value string) *AuthError {
	cp := *e
	cp.Context = make(map[string]string, len(e.Context)+1)
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	cp.Context[key] = value
	return &cp
}

// NewError creates an AuthError of the given type.
func NewError(t ErrorType, message string) *AuthError {
	return &AuthError{
		Type:      t,
		Message:   message,
		Retryable: t == ErrNetwork || t == ErrRateLimited,
	}
}

// Errorf creates an AuthError with a formatted message.
func Errorf(t ErrorType, format string, args ...interface{}) *AuthError {
	return NewError(t, fmt.Sprintf(format, args...))
}

// Wrap wraps err as an AuthError of the given type. Network failures and
// timeouts inside err are detected and marked retryable regardless of t.
func Wrap(err error, t ErrorType, message string) *AuthError {
	e := NewError(t, message)
	e.Err = err
	if IsNetworkFailure(err) {
		e.Retryable = true
	}
	return e
}

// AsAuthError extracts an AuthError from err's chain.
func AsAuthError(err error) (*AuthError, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// IsType reports whether err is, or wraps, an AuthError of type t.
func IsType(err error, t ErrorType) bool {
	ae, ok := AsAuthError(err)
	return ok && ae.Type == t
}

// IsRetryable reports whether err is a retryable AuthError or a network failure.
func IsRetryable(err error) bool {
	if ae, ok := AsAuthError(err); ok {
		return ae.Retryable
	}
	return IsNetworkFailure(err)
}

// IsNetworkFailure reports transport-level failures: timeouts, cancelled
// deadlines and net.Error values.
func IsNetworkFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
