package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the application.
var (
	ErrNotFound         = errors.New("resource not found")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrConflict         = errors.New("resource already exists")
	ErrInternal         = errors.New("internal error")
	ErrValidation       = errors.New("invalid input")
	ErrTransport        = errors.New("backend unreachable")

	ErrInvalidOperation = fmt.Errorf("%w: invalid operation", ErrValidation)
)

// Error carries the backend's error code alongside the sentinel it maps to.
type Error struct {
	Kind    error
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%v: %s (code %s)", e.Kind, e.Message, e.Code)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Kind }
