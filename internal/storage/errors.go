// Package storage defines the engine contract consumed by the element
// store and the structured error taxonomy surfaced to callers.
//
// The concrete engine lives in the sqlite sub-package. Consumers depend on
// the interfaces here rather than on the concrete type so that alternative
// engines (mocks, proxies) can be substituted.
package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors, matched with errors.Is. Every structured *Error wraps
// exactly one of these.
var (
	// ErrNotFound is returned when a requested element does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned for duplicate names/dependencies and
	// optimistic-concurrency failures.
	ErrConflict = errors.New("conflict")

	// ErrConstraint is returned when an operation violates an element
	// invariant: immutable element, type mismatch, invalid status
	// transition, membership rules, dependency cycles.
	ErrConstraint = errors.New("constraint violation")

	// ErrValidation is returned for bad input or missing required fields.
	ErrValidation = errors.New("validation failed")

	// ErrStorage is returned for engine-level failures such as corrupt rows.
	ErrStorage = errors.New("storage error")
)

// Error carries the kind, operation, and subject of a failure.
type Error struct {
	Kind error  // one of the sentinels above
	Op   string // operation that failed, e.g. "store.Update"
	ID   string // element id when known
	Msg  string
	Err  error // underlying cause, may be nil
}

// Error implements error.
func (e *Error) Error() string {
	s := e.Msg
	if s == "" && e.Err != nil {
		s = e.Err.Error()
	}
	if e.ID != "" {
		return fmt.Sprintf("%s: %s: %s (%s)", e.Op, e.Kind, e.ID, s)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, s)
}

// Unwrap exposes both the kind sentinel and the underlying cause to
// errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// NotFound builds a not-found error for id.
func NotFound(op, id string) *Error {
	return &Error{Kind: ErrNotFound, Op: op, ID: id, Msg: "element not found"}
}

// Conflict builds a conflict error.
func Conflict(op, id, msg string) *Error {
	return &Error{Kind: ErrConflict, Op: op, ID: id, Msg: msg}
}

// Constraint builds a constraint error.
func Constraint(op, id, msg string) *Error {
	return &Error{Kind: ErrConstraint, Op: op, ID: id, Msg: msg}
}

// Validation builds a validation error.
func Validation(op, msg string) *Error {
	return &Error{Kind: ErrValidation, Op: op, Msg: msg}
}

// Internal wraps an engine failure.
func Internal(op string, err error) *Error {
	return &Error{Kind: ErrStorage, Op: op, Err: err}
}

// IsNotFound reports whether err is a not-found failure.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is a conflict failure.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsConstraint reports whether err is a constraint violation.
func IsConstraint(err error) bool { return errors.Is(err, ErrConstraint) }
