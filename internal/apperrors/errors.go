// Package apperrors carries the coded service errors shared by the user and channel services.
package apperrors

import (
	"errors"
	"fmt"
)

// Kinds an HTTP layer maps to status codes. Match them with errors.Is.
var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrUnavailable   = errors.New("dependency unavailable")
	ErrMissingConfig = errors.New("missing configuration")
)

// ServiceError is a coded error of the form "<package>.<operation>.<reason>".
type ServiceError struct {
	code string
	kind error
	err  error
}

// New builds a ServiceError for operation and reason. kind is one of the package
// sentinels and cause is the underlying error, if any.
func New(operation, reason string, kind, cause error) error {
	return &ServiceError{
		code: fmt.Sprintf("%s.%s", operation, reason),
		kind: kind,
		err:  cause,
	}
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Is matches the error's kind in addition to the wrapped cause.
func (e *ServiceError) Is(target error) bool {
	return e.kind != nil && target == e.kind
}

func (e *ServiceError) Code() string {
	return e.code
}

// Code extracts the service error code from err, or "" when err carries none.
func Code(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.code
	}
	return ""
}
