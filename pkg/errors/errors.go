// Package errors defines the error taxonomy shared by every keygate
// subsystem. Lower layers classify failures exactly once; the API layer maps
// the type to an HTTP status and never reinterprets causes.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Error types
const (
	// ErrValidation is returned when request input fails validation
	ErrValidation = "validation_failed"

	// ErrAuthentication is returned when credentials are missing, malformed or wrong
	ErrAuthentication = "authentication_failed"

	// ErrAccessDenied is returned when an authenticated principal lacks permission
	ErrAccessDenied = "access_denied"

	// ErrNotFound is returned when the referenced entity does not exist
	ErrNotFound = "not_found"

	// ErrConflict is returned when the entity already exists or the state disallows the operation
	ErrConflict = "conflict"

	// ErrInvalidTransition is returned when a lifecycle state change is not allowed
	ErrInvalidTransition = "invalid_transition"

	// ErrBackendUnavailable is returned when a backing store cannot be reached
	ErrBackendUnavailable = "backend_unavailable"

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

// NewValidationError creates a new validation error
func NewValidationError(message string, cause error) *Error {
	return NewError(ErrValidation, message, cause)
}

// NewAuthenticationError creates a new authentication error
func NewAuthenticationError(message string, cause error) *Error {
	return NewError(ErrAuthentication, message, cause)
}

// NewAccessDeniedError creates a new access denied error
func NewAccessDeniedError(message string, cause error) *Error {
	return NewError(ErrAccessDenied, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewConflictError creates a new conflict error
func NewConflictError(message string, cause error) *Error {
	return NewError(ErrConflict, message, cause)
}

// NewInvalidTransitionError creates a new invalid transition error
func NewInvalidTransitionError(message string, cause error) *Error {
	return NewError(ErrInvalidTransition, message, cause)
}

// NewBackendUnavailableError creates a new backend unavailable error
func NewBackendUnavailableError(message string, cause error) *Error {
	return NewError(ErrBackendUnavailable, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// asError unwraps err looking for an *Error so classification survives
// fmt.Errorf("%w") wrapping at call sites.
func asError(err error) (*Error, bool) {
	var e *Error
	ok := stderrors.As(err, &e)
	return e, ok
}

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool {
	e, ok := asError(err)
	return ok && e.Type == ErrValidation
}

// IsAuthentication checks if the error is an authentication error
func IsAuthentication(err error) bool {
	e, ok := asError(err)
	return ok && e.Type == ErrAuthentication
}

// IsAccessDenied checks if the error is an access denied error
func IsAccessDenied(err error) bool {
	e, ok := asError(err)
	return ok && e.Type == ErrAccessDenied
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	e, ok := asError(err)
	return ok && e.Type == ErrNotFound
}

// IsConflict checks if the error is a conflict error
func IsConflict(err error) bool {
	e, ok := asError(err)
	return ok && e.Type == ErrConflict
}

// IsInvalidTransition checks if the error is an invalid transition error
func IsInvalidTransition(err error) bool {
	e, ok := asError(err)
	return ok && e.Type == ErrInvalidTransition
}

// IsBackendUnavailable checks if the error is a backend unavailable error
func IsBackendUnavailable(err error) bool {
	e, ok := asError(err)
	return ok && e.Type == ErrBackendUnavailable
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	e, ok := asError(err)
	return ok && e.Type == ErrInternal
}

// HTTPStatus maps an error to the HTTP status code the API returns for it.
// Errors that carry no type map to 500.
func HTTPStatus(err error) int {
	e, ok := asError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Type {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrAuthentication:
		return http.StatusUnauthorized
	case ErrAccessDenied:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict, ErrInvalidTransition:
		return http.StatusConflict
	case ErrBackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
