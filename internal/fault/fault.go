// Package fault defines the coded errors returned by OpenAerie core
// operations. Every error carries a class (mapped to an HTTP status by the
// API layer) and a stable machine-readable reason code.
package fault

import (
	"errors"
	"fmt"
)

// Class groups errors by caller-visible semantics.
type Class int

const (
	// ClassNotFound: a node/server/user/revision/device lookup missed.
	ClassNotFound Class = iota
	// ClassConflict: a uniqueness or limit constraint was violated.
	ClassConflict
	// ClassBadRequest: the request itself was malformed or incomplete.
	ClassBadRequest
)

// Error is a coded core error.
type Error struct {
	Class  Class
	Reason string
	err    error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.err)
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.err }

// NotFound returns a lookup-miss error with the given reason code.
func NotFound(reason string) *Error {
	return &Error{Class: ClassNotFound, Reason: reason}
}

// Conflict returns a constraint-violation error with the given reason code.
func Conflict(reason string) *Error {
	return &Error{Class: ClassConflict, Reason: reason}
}

// BadRequest returns a malformed-request error with the given reason code.
func BadRequest(reason string) *Error {
	return &Error{Class: ClassBadRequest, Reason: reason}
}

// Wrap attaches an underlying cause while keeping the class and reason.
func (e *Error) Wrap(err error) *Error {
	return &Error{Class: e.Class, Reason: e.Reason, err: err}
}

// As extracts a *Error from err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// IsClass reports whether err is a fault of the given class.
func IsClass(err error, c Class) bool {
	fe, ok := As(err)
	return ok && fe.Class == c
}
