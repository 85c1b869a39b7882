package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrUnauthorized  = errors.New("not authorized")
	ErrConflict      = errors.New("invalid state transition")
	ErrValidation    = errors.New("validation failed")
	ErrStoreConflict = errors.New("store contention")
	ErrNotFound      = errors.New("not found")
)

// AuthorizationError is returned when the user does not manage a prison the
// request touches.
type AuthorizationError struct {
	User    string
	Prisons []PrisonID
}

func (e *AuthorizationError) Error() string {
	ids := make([]string, len(e.Prisons))
	for i, p := range e.Prisons {
		ids[i] = string(p)
	}
	return fmt.Sprintf("user %s does not manage prison(s) %s", e.User, strings.Join(ids, ", "))
}

func (e *AuthorizationError) Unwrap() error {
	return ErrUnauthorized
}

// ConflictError carries the ids whose current state rejects the transition.
type ConflictError struct {
	Msg string
	IDs []uuid.UUID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %d transaction(s)", e.Msg, len(e.IDs))
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// StoreConflictError is returned once the retry budget for a contended store
// operation is spent.
type StoreConflictError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *StoreConflictError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *StoreConflictError) Unwrap() []error {
	return []error{ErrStoreConflict, e.Err}
}

func NewValidationError(field, msg string) error {
	return &ValidationError{Field: field, Msg: msg}
}
