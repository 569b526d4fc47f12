// Package primitive enumerates the closed set of page mutation primitives,
// their payload shapes and their structural validation. Primitives arrive as
// JSON payloads from the model decomposer or from direct edits; Decode turns
// them into typed payloads and reports structural problems with stable error
// codes before the reducer ever sees them.
package primitive

import (
	"errors"
	"fmt"
)

// Code identifies a validation or consistency failure. Codes are stable and
// appear verbatim in diagnostics frames and flight records.
type Code string

// Validation and consistency codes.
const (
	CodeBadPayload          Code = "BAD_PAYLOAD"
	CodeUnknownPrimitive    Code = "UNKNOWN_PRIMITIVE"
	CodeIDInvalid           Code = "ID_INVALID"
	CodeIDAlreadyExists     Code = "ID_ALREADY_EXISTS"
	CodeParentNotFound      Code = "PARENT_NOT_FOUND"
	CodeUnknownDisplay      Code = "UNKNOWN_DISPLAY"
	CodeRefNotFound         Code = "REF_NOT_FOUND"
	CodeRefRemoved          Code = "REF_REMOVED"
	CodeRootImmutable       Code = "ROOT_IMMUTABLE"
	CodeCycle               Code = "CYCLE"
	CodeNotAPermutation     Code = "NOT_A_PERMUTATION"
	CodeCardinalityConflict Code = "CARDINALITY_CONFLICT"
	CodeUnknownCardinality  Code = "UNKNOWN_CARDINALITY"
	CodeEdgeNotFound        Code = "EDGE_NOT_FOUND"
	CodeUnknownTimezone     Code = "UNKNOWN_TIMEZONE"
	CodeNoteRequired        Code = "NOTE_REQUIRED"
	CodeUnknownRule         Code = "UNKNOWN_RULE"
	CodeReservedKey         Code = "RESERVED_KEY"
	CodeLimitExceeded       Code = "LIMIT_EXCEEDED"
)

// Error is a structured primitive failure. It carries a stable code for
// machine consumption, a human-readable message and an optional cause so
// callers can chain through errors.Is/As.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// NewError constructs an Error with the given code and formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError constructs an Error wrapping an underlying cause.
func WrapError(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// CodeOf extracts the primitive code from an error chain, or empty when the
// chain carries none.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
