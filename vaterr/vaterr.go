// Package vaterr defines the error taxonomy shared across this module,
// per the kinds spec.md §7 distinguishes: initialization, connector/IO,
// translation, encoding, and not-found. Errors compose with the standard
// errors package via Unwrap, the way internal/initx's ExitError and
// internal/hv's sentinel Err* values do in the teacher codebase.
package vaterr

import "fmt"

// Kind tags the broad category of failure so callers can branch on it
// without parsing Message.
type Kind int

const (
	// KindInitialization covers kernel-not-found, unsupported architecture,
	// and missing required offsets.
	KindInitialization Kind = iota
	// KindConnector covers physical read/write failures at the provider
	// layer, including a connector plugin returning an error.
	KindConnector
	// KindTranslation covers an unmapped virtual address or a malformed
	// page-table entry encountered while walking.
	KindTranslation
	// KindEncoding covers bytes that were expected to be ASCII/UTF-8 (or
	// transcodable UTF-16) but were not.
	KindEncoding
	// KindNotFound covers a process or module absent by the requested
	// selector.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindInitialization:
		return "initialization"
	case KindConnector:
		return "connector"
	case KindTranslation:
		return "translation"
	case KindEncoding:
		return "encoding"
	case KindNotFound:
		return "not found"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the concrete error type returned across package boundaries in
// this module. Cause may be nil.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error wrapping cause. If cause is nil, Wrap returns nil,
// so it is safe to use as `return vaterr.Wrap(Kind, "...", err)` at the
// tail of a function.
func Wrap(kind Kind, message string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is a *Error of the given kind, unwrapping as
// needed.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind == kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
