package session

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindGone       Kind = "gone"
	KindForbidden  Kind = "forbidden"
	KindBadRequest Kind = "bad_request"
	KindMalformed  Kind = "malformed"
	KindInternal   Kind = "internal"
)

// Error is the engine error. Code is stable and machine readable; Reason is
// meant for people.
type Error struct {
	Kind   Kind
	Code   string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, code, reason string) *Error {
	return &Error{Kind: kind, Code: code, Reason: reason}
}

func internalError(reason string, err error) *Error {
	return &Error{Kind: KindInternal, Code: "server_error", Reason: reason, Err: err}
}

// KindOf classifies err; anything that is not an *Error is internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Store adapters report these; the engine turns them into kinds.
var (
	ErrNoSession           = errors.New("session not found")
	ErrActiveSessionExists = errors.New("active session exists")
	ErrAlreadyAttended     = errors.New("student already attended")
	ErrSessionInactive     = errors.New("session inactive")
)

// Roster adapters report these.
var (
	ErrUnknownSection = errors.New("section not found")
	ErrUnknownCourse  = errors.New("course not found")
	ErrUnknownStudent = errors.New("student not found")
)
