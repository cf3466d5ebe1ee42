// internal/errs/errs.go
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	// KindDirectoryUnavailable marks a transient failure reaching the
	// storage grid. Callers retry with backoff.
	KindDirectoryUnavailable Kind = "DIRECTORY_UNAVAILABLE"

	// KindMalformedSnapshot marks a snapshot whose metadata cannot be
	// parsed or is structurally invalid. Terminal: dropped, never retried.
	KindMalformedSnapshot Kind = "MALFORMED_SNAPSHOT"

	// KindSignatureInvalid marks a snapshot whose author signature does
	// not verify. Terminal: dropped, never retried, never applied.
	KindSignatureInvalid Kind = "SIGNATURE_INVALID"

	// KindIncompleteHistory marks a missing ancestor during traversal.
	// This is an invariant violation in the download ordering, not a
	// user-facing condition.
	KindIncompleteHistory Kind = "INCOMPLETE_HISTORY"

	KindNotFound Kind = "NOT_FOUND"
)

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

func DirectoryUnavailable(message string, err error) *Error {
	return &Error{Kind: KindDirectoryUnavailable, Message: message, Err: err}
}

func MalformedSnapshot(message string, err error) *Error {
	return &Error{Kind: KindMalformedSnapshot, Message: message, Err: err}
}

func SignatureInvalid(message string) *Error {
	return &Error{Kind: KindSignatureInvalid, Message: message}
}

func IncompleteHistory(message string) *Error {
	return &Error{Kind: KindIncompleteHistory, Message: message}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// HasKind reports whether err or anything it wraps is an *Error of the
// given kind.
func HasKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsTerminal reports whether err means the capability can never be
// trusted: the download service drops it instead of retrying.
func IsTerminal(err error) bool {
	return HasKind(err, KindMalformedSnapshot) || HasKind(err, KindSignatureInvalid)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return HasKind(err, KindDirectoryUnavailable)
}

func IsNotFound(err error) bool {
	return HasKind(err, KindNotFound)
}
