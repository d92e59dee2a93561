// Package errors defines the typed application errors surfaced by SARK's
// subsystems. Every error crossing a subsystem boundary carries a machine
// code (Type) and a user-safe message; internal causes are wrapped and
// logged but never surfaced to callers.
package errors

import (
	"errors"
	"fmt"
)

// Error types
const (
	// ErrInvalidCredential is returned when a credential fails verification.
	// Deliberately uniform: wrong user and wrong password are indistinguishable.
	ErrInvalidCredential = "invalid_credential"

	// ErrInsufficientScope is returned when an authenticated principal lacks
	// a scope required by the operation
	ErrInsufficientScope = "insufficient_scope"

	// ErrTokenInvalid is returned when an access token fails signature or
	// structural validation
	ErrTokenInvalid = "token_invalid"

	// ErrTokenExpired is returned when an access token is past its expiry
	ErrTokenExpired = "token_expired"

	// ErrSessionCompromised is returned when refresh-token reuse is detected;
	// the whole session chain is revoked when this is raised
	ErrSessionCompromised = "session_compromised"

	// ErrRateLimited is returned when a token bucket is exhausted
	ErrRateLimited = "rate_limited"

	// ErrUpstreamUnavailable is returned when an identity provider, the rule
	// engine, or a SIEM destination is unreachable
	ErrUpstreamUnavailable = "upstream_unavailable"

	// ErrConfiguration is returned on startup misconfiguration
	ErrConfiguration = "configuration_error"

	// ErrInvalidInput is returned for malformed policy input or API key shape
	ErrInvalidInput = "invalid_input"

	// ErrCircuitOpen is returned when a circuit breaker fails a call fast
	ErrCircuitOpen = "circuit_open"

	// ErrNotFound is returned when a referenced entity does not exist
	ErrNotFound = "not_found"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewInvalidCredentialError creates a new invalid credential error
func NewInvalidCredentialError(message string, cause error) *Error {
	return NewError(ErrInvalidCredential, message, cause)
}

// NewInsufficientScopeError creates a new insufficient scope error
func NewInsufficientScopeError(message string, cause error) *Error {
	return NewError(ErrInsufficientScope, message, cause)
}

// NewTokenInvalidError creates a new token invalid error
func NewTokenInvalidError(message string, cause error) *Error {
	return NewError(ErrTokenInvalid, message, cause)
}

// NewTokenExpiredError creates a new token expired error
func NewTokenExpiredError(message string, cause error) *Error {
	return NewError(ErrTokenExpired, message, cause)
}

// NewSessionCompromisedError creates a new session compromised error
func NewSessionCompromisedError(message string, cause error) *Error {
	return NewError(ErrSessionCompromised, message, cause)
}

// NewRateLimitedError creates a new rate limited error
func NewRateLimitedError(message string, cause error) *Error {
	return NewError(ErrRateLimited, message, cause)
}

// NewUpstreamUnavailableError creates a new upstream unavailable error
func NewUpstreamUnavailableError(message string, cause error) *Error {
	return NewError(ErrUpstreamUnavailable, message, cause)
}

// NewConfigurationError creates a new configuration error
func NewConfigurationError(message string, cause error) *Error {
	return NewError(ErrConfiguration, message, cause)
}

// NewInvalidInputError creates a new invalid input error
func NewInvalidInputError(message string, cause error) *Error {
	return NewError(ErrInvalidInput, message, cause)
}

// NewCircuitOpenError creates a new circuit open error
func NewCircuitOpenError(message string, cause error) *Error {
	return NewError(ErrCircuitOpen, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// isType checks if the error (or any error in its chain) has the given type
func isType(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}

// TypeOf returns the error type of err, or ErrInternal if err is not an
// application error.
func TypeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrInternal
}

// IsInvalidCredential checks if the error is an invalid credential error
func IsInvalidCredential(err error) bool {
	return isType(err, ErrInvalidCredential)
}

// IsInsufficientScope checks if the error is an insufficient scope error
func IsInsufficientScope(err error) bool {
	return isType(err, ErrInsufficientScope)
}

// IsTokenInvalid checks if the error is a token invalid error
func IsTokenInvalid(err error) bool {
	return isType(err, ErrTokenInvalid)
}

// IsTokenExpired checks if the error is a token expired error
func IsTokenExpired(err error) bool {
	return isType(err, ErrTokenExpired)
}

// IsSessionCompromised checks if the error is a session compromised error
func IsSessionCompromised(err error) bool {
	return isType(err, ErrSessionCompromised)
}

// IsRateLimited checks if the error is a rate limited error
func IsRateLimited(err error) bool {
	return isType(err, ErrRateLimited)
}

// IsUpstreamUnavailable checks if the error is an upstream unavailable error
func IsUpstreamUnavailable(err error) bool {
	return isType(err, ErrUpstreamUnavailable)
}

// IsConfiguration checks if the error is a configuration error
func IsConfiguration(err error) bool {
	return isType(err, ErrConfiguration)
}

// IsInvalidInput checks if the error is an invalid input error
func IsInvalidInput(err error) bool {
	return isType(err, ErrInvalidInput)
}

// IsCircuitOpen checks if the error is a circuit open error
func IsCircuitOpen(err error) bool {
	return isType(err, ErrCircuitOpen)
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return isType(err, ErrNotFound)
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return isType(err, ErrInternal)
}
