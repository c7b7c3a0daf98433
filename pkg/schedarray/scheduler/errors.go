// Package scheduler – errors.go defines the classified error type shared by
// the scheduler, its store, the worker pool and the CLI.
package scheduler

import (
	"errors"
	"fmt"
)

// Kind classifies a scheduler error for programmatic handling.
type Kind string

// Error kinds surfaced to callers.
const (
	KindValidation        Kind = "ValidationError"
	KindNotFound          Kind = "NotFound"
	KindIllegalTransition Kind = "IllegalTransition"
	KindStore             Kind = "StoreError"
	KindProcessSpawn      Kind = "ProcessSpawnError"
	KindTimeout           Kind = "Timeout"
	KindOrphaned          Kind = "Orphaned"
)

// Error is a classified scheduler error: a kind for dispatch, a message for
// humans and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause to errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so comparisons like
// errors.Is(err, ErrNotFound) work regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// Kind sentinels for errors.Is.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrIllegalTransition = &Error{Kind: KindIllegalTransition}
	ErrStore             = &Error{Kind: KindStore}
	ErrProcessSpawn      = &Error{Kind: KindProcessSpawn}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrOrphaned          = &Error{Kind: KindOrphaned}
)

// KindOf extracts the kind from an error chain, or "" when unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func notFound(id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("job %s not found", id)}
}

func illegalTransition(id string, from, to JobState) *Error {
	return &Error{
		Kind:    KindIllegalTransition,
		Message: fmt.Sprintf("job %s cannot move from %s to %s", id, from, to),
	}
}

func storeErr(op string, err error) *Error {
	return &Error{Kind: KindStore, Message: op, Err: err}
}
