// Package apperr defines the error taxonomy of spec §7: kinds, not type
// names, so callers branch on Kind rather than on concrete Go types.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the error categories the harness distinguishes.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindNotFound         Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindConcurrency      Kind = "concurrency"
	KindAgentTimeout     Kind = "agent_timeout"
	KindAgentError       Kind = "agent_error"
	KindAgentFailed      Kind = "agent_failed"
	KindStore            Kind = "store_error"
	KindVerification     Kind = "verification_error"
)

// Error is the harness's single error type; Kind drives caller behavior
// (retry, surface, halt), following the propagation policy in spec §7.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

func Validation(msg string) *Error         { return New(KindValidation, msg) }
func NotFound(msg string) *Error           { return New(KindNotFound, msg) }
func InvalidTransition(msg string) *Error  { return New(KindInvalidTransition, msg) }
func Concurrency(msg string) *Error        { return New(KindConcurrency, msg) }
func Store(msg string, err error) *Error   { return Wrap(KindStore, msg, err) }
func Verification(msg string) *Error       { return New(KindVerification, msg) }
