// Package apperr defines the error kinds every feeder operation resolves to,
// and the single mapping from those kinds to user-facing messages.
//
// Packages declare their own sentinels wrapping one of the kinds:
//
//	var ErrInvalidAmount = fmt.Errorf("%w: feed amount out of range", apperr.ErrValidation)
//
// so callers can test for the precise error or for the kind with errors.Is.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds.
var (
	// ErrAuth covers bad credentials and expired or invalid sessions.
	ErrAuth = errors.New("authentication failed")

	// ErrPermissionDenied is returned when a local capability check fails.
	// It is always produced before any store call.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrTransport is returned once transport retries are exhausted or the
	// overall operation budget runs out.
	ErrTransport = errors.New("transport failure")

	// ErrNotFound is returned when an expected record is absent.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned when input is rejected before any I/O.
	ErrValidation = errors.New("validation failed")
)

// Kind names an error kind for APIs and logs.
type Kind string

// Kind values.
const (
	KindNone             Kind = ""
	KindAuth             Kind = "auth"
	KindPermissionDenied Kind = "permission_denied"
	KindTransport        Kind = "transport"
	KindNotFound         Kind = "not_found"
	KindValidation       Kind = "validation"
	KindInternal         Kind = "internal"
)

// KindOf classifies err. Unrecognised errors are KindInternal; nil is KindNone.
// Context cancellation and deadline errors count as transport failures.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTransport),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindTransport
	default:
		return KindInternal
	}
}

// Message returns the text shown to the user for err.
//
// Validation errors carry their own user-facing detail (the text after the
// kind prefix); every other kind maps to a fixed message so backend error
// text never reaches the user.
func Message(err error) string {
	switch KindOf(err) {
	case KindNone:
		return ""
	case KindAuth:
		return "Your session is no longer valid. Please sign in again."
	case KindPermissionDenied:
		return "You don't have permission to do that."
	case KindTransport:
		return "Can't reach the feeder service. Please try again."
	case KindNotFound:
		return "That item no longer exists."
	case KindValidation:
		if d := detail(err); d != "" {
			return d
		}
		return "Please check the values you entered."
	default:
		return "Something went wrong. Please try again."
	}
}

// Validationf builds a validation error whose text is safe to show.
func Validationf(format string, args ...any) error {
	return Sentinel(ErrValidation, fmt.Sprintf(format, args...))
}

// detail finds the user-facing text carried by err's chain, if any.
func detail(err error) string {
	var ue userError
	if errors.As(err, &ue) {
		return ue.UserMessage()
	}
	return ""
}

// userError is implemented by errors that carry their own safe message.
type userError interface {
	error
	UserMessage() string
}

// Sentinel creates a package-level sentinel of the given kind whose text is
// safe to show the user when the kind is ErrValidation.
func Sentinel(kind error, userText string) error {
	return &sentinel{kind: kind, text: userText}
}

type sentinel struct {
	kind error
	text string
}

func (s *sentinel) Error() string       { return s.kind.Error() + ": " + s.text }
func (s *sentinel) Unwrap() error       { return s.kind }
func (s *sentinel) UserMessage() string { return s.text }
