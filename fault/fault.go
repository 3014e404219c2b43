// Package fault defines the error taxonomy shared by the escrow pipeline.
// Repositories and services return *Error values so the HTTP boundary can map
// them to status codes without string matching.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an operation failure.
type Kind int

const (
	// KindInternal covers unexpected failures; the entity must be left
	// consistent with its recorded history.
	KindInternal Kind = iota
	// KindValidation covers malformed input. Never retried.
	KindValidation
	// KindConflict covers operations attempted against the wrong entity
	// state. Carries the actual current state so callers can resync.
	KindConflict
	// KindAuthorization covers actors that are not a party to the entity.
	KindAuthorization
	// KindGateway covers payment adapter failures. Safe to retry with the
	// same idempotency reference.
	KindGateway
	// KindNotFound covers missing entities.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindAuthorization:
		return "authorization"
	case KindGateway:
		return "gateway"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Error is the single error type crossing package boundaries.
type Error struct {
	Kind Kind
	Msg  string
	// CurrentState is populated on conflicts with the entity's actual status.
	CurrentState string
	Err          error
}

func (e *Error) Error() string {
	if e.CurrentState != "" {
		return fmt.Sprintf("%s: %s (current state %s)", e.Kind, e.Msg, e.CurrentState)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Validationf builds a validation error.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// Conflictf builds a conflict error carrying the entity's current state.
func Conflictf(currentState, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...), CurrentState: currentState}
}

// Authorizationf builds an authorization error.
func Authorizationf(format string, args ...any) *Error {
	return &Error{Kind: KindAuthorization, Msg: fmt.Sprintf(format, args...)}
}

// Gateway wraps a payment adapter failure.
func Gateway(msg string, err error) *Error {
	return &Error{Kind: KindGateway, Msg: msg, Err: err}
}

// NotFoundf builds a not-found error.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected failure.
func Internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Msg: msg, Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}

// CurrentState returns the conflicting entity state recorded on err, if any.
func CurrentState(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.CurrentState
	}
	return ""
}
