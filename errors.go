package chatsync

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned when the server rejects the bearer credential (401/403).
	// It is fatal to the session.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotConnected is returned when a command is emitted without an open push channel.
	ErrNotConnected = errors.New("not connected")

	// ErrNoSelection is returned when an action needs an active conversation and none is selected.
	ErrNoSelection = errors.New("no active conversation")

	// ErrNoIdentity is returned when an operation needs an authenticated identity.
	ErrNoIdentity = errors.New("no identity")

	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("validation failed")
)

// ValidationError reports a rejected input, detected before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
