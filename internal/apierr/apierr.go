// Package apierr defines the error taxonomy shared by the object API and the
// template linkage engine.
package apierr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error.
type Kind int

const (
	// KindParameters marks caller supplied data that is invalid or would break an invariant.
	KindParameters Kind = iota + 1
	// KindPermission marks a failed authorization check.
	KindPermission
	// KindInternal marks a cascading operation that was expected to succeed but did not.
	KindInternal
	// KindCircular is the parameter error raised when a template link would form a cycle.
	KindCircular
)

func (k Kind) String() string {
	switch k {
	case KindParameters:
		return "parameters"
	case KindPermission:
		return "permission"
	case KindInternal:
		return "internal"
	case KindCircular:
		return "circular"
	default:
		return "unknown"
	}
}

// PermissionMessage is the only text a permission failure ever carries.
const PermissionMessage = "No permission to referred object or it does not exist"

// Error is a classified, user facing error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Msg == "" {
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by kind. A circular link error also matches
// ErrParameters since it is a parameter error variant.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Msg != "" {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	return t.Kind == KindParameters && e.Kind == KindCircular
}

// Sentinels for errors.Is.
var (
	ErrParameters = &Error{Kind: KindParameters}
	ErrPermission = &Error{Kind: KindPermission}
	ErrInternal   = &Error{Kind: KindInternal}
	ErrCircular   = &Error{Kind: KindCircular}
)

// Parameters builds a parameter error.
func Parameters(format string, args ...any) error {
	return &Error{Kind: KindParameters, Msg: fmt.Sprintf(format, args...)}
}

// Permission builds a permission error. The message never names the object.
func Permission() error {
	return &Error{Kind: KindPermission, Msg: PermissionMessage}
}

// Internal builds an internal error wrapping cause, which may be nil.
func Internal(cause error, format string, args ...any) error {
	return &Error{Kind: KindInternal, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// Circular builds a circular link error.
func Circular(format string, args ...any) error {
	return &Error{Kind: KindCircular, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
