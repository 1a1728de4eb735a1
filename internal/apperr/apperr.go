// Package apperr carries the error taxonomy shared by the managers and the
// HTTP layer.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindInvalidTransition Kind = "invalid_transition"
	KindInvalidState      Kind = "invalid_state"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindTransient         Kind = "transient"
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...), nil)
}

func InvalidTransition(from, to string) *Error {
	return New(KindInvalidTransition, fmt.Sprintf("cannot move from %s to %s", from, to), nil)
}

func InvalidState(format string, args ...any) *Error {
	return New(KindInvalidState, fmt.Sprintf(format, args...), nil)
}

func NotFound(what string, err error) *Error {
	return New(KindNotFound, what+" not found", err)
}

func Conflict(message string, err error) *Error {
	return New(KindConflict, message, err)
}

func Transient(message string, err error) *Error {
	return New(KindTransient, message, err)
}

// KindOf reports the taxonomy kind of err, or "" for unclassified errors.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
