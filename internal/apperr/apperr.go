// Package apperr defines the error taxonomy shared by the store, coordinator,
// dispatcher and lifecycle manager.
//
// Use errors.Is against the sentinels for classification, or errors.As with
// *ValidationError / *StorageError for details. KindOf collapses any error to
// the Kind reported on the wire.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors for errors.Is() checking.
var (
	ErrValidation     = errors.New("validation error")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrAlreadyRunning = errors.New("server already running")
	ErrNotRunning     = errors.New("server not running")
	ErrInvalidState   = errors.New("invalid state")
	ErrStorage        = errors.New("storage error")
	ErrBind           = errors.New("bind error")
	ErrInternal       = errors.New("internal error")
)

// Kind is the wire-level classification of an error.
type Kind string

const (
	KindValidation     Kind = "validation_error"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindAlreadyRunning Kind = "already_running"
	KindNotRunning     Kind = "not_running"
	KindInvalidState   Kind = "invalid_state"
	KindStorage        Kind = "storage_error"
	KindCanceled       Kind = "canceled"
	KindInternal       Kind = "internal_error"
)

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrAlreadyRunning):
		return KindAlreadyRunning
	case errors.Is(err, ErrNotRunning):
		return KindNotRunning
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrStorage):
		return KindStorage
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindInternal
	}
}

// ValidationError provides programmatic access to field-level validation failures.
type ValidationError struct {
	Fields map[string]string
}

// Validation builds a ValidationError for a single field.
func Validation(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// Add records another field failure and returns e.
func (e *ValidationError) Add(field, msg string) *ValidationError {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = msg
	return e
}

// OrNil returns nil when no field failed, so callers can build errors incrementally.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for field := range e.Fields {
		keys = append(keys, field)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, field := range keys {
		parts = append(parts, field+": "+e.Fields[field])
	}
	return fmt.Sprintf("%s: %s", ErrValidation.Error(), strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// StorageError wraps a failure of the durable store.
type StorageError struct {
	Op        string
	Err       error
	Transient bool
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStorage.Error(), e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// NotFound returns an error wrapping ErrNotFound for the given entity.
func NotFound(entity string, id any) error {
	return fmt.Errorf("%s %v: %w", entity, id, ErrNotFound)
}

// Conflict returns an error wrapping ErrConflict.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrConflict)
}

// IsTransient reports whether err is a StorageError worth retrying.
func IsTransient(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Transient
}
