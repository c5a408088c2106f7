// Package ferrors defines the fleet manager's closed error-kind taxonomy.
// Every error that crosses a component boundary is either one of these
// typed sentinels (wrapped with context via fmt.Errorf's %w) or a plain
// wrapped error for conditions callers are not expected to branch on.
package ferrors

import "fmt"

// Kind identifies a caller-visible failure category.
type Kind string

const (
	KindLaunchFailed     Kind = "LaunchFailed"
	KindPoolExhausted    Kind = "PoolExhausted"
	KindProfileLocked    Kind = "ProfileLocked"
	KindProfileNotFound  Kind = "ProfileNotFound"
	KindProfileExists    Kind = "ProfileExists"
	KindSessionNotFound  Kind = "SessionNotFound"
	KindInstanceNotFound Kind = "InstanceNotFound"
	KindNavigationFailed Kind = "NavigationFailed"
	KindTimeout          Kind = "TimeoutError"
	KindScriptForbidden  Kind = "ScriptForbidden"
	KindScriptExecutionFailed Kind = "ScriptExecutionFailed"
	KindHealthFailed     Kind = "HealthFailed"
	KindIOError          Kind = "IOError"
)

// retryable mirrors the taxonomy in spec section 7. PoolExhausted is
// retryable "later" (a fresh acquire may succeed once a slot frees up);
// HealthFailed is internal-only and never surfaces to a caller directly.
var retryable = map[Kind]bool{
	KindLaunchFailed:     false,
	KindPoolExhausted:    true,
	KindProfileLocked:    false,
	KindProfileNotFound:  false,
	KindProfileExists:    false,
	KindSessionNotFound:  false,
	KindInstanceNotFound: false,
	KindNavigationFailed: true,
	KindTimeout:          true,
	KindScriptForbidden:  false,
	KindScriptExecutionFailed: false,
	KindHealthFailed:     false,
	KindIOError:          false,
}

// Error is a typed, wrappable error carrying a Kind for callers that need
// to branch on failure category rather than parse message text.
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

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether a fresh attempt might succeed where this one
// failed, per the taxonomy table.
func (e *Error) Retryable() bool { return retryable[e.Kind] }

// New constructs an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error wrapping an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err is a *Error of the given kind, unwrapping as
// needed. Mirrors the errors.Is contract without requiring a sentinel
// value per kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if fe, ok := err.(*Error); ok {
			if fe.Kind == kind {
				return true
			}
			err = fe.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
