// Package errors provides the unified error taxonomy for the compliance
// engine. Every error surfaced across a component boundary carries one of
// the codes below so callers can branch without string matching.
package errors

import (
	"errors"
	"fmt"
)

// Code classifies an engine error.
type Code string

const (
	// Input errors: surfaced to the caller, never retried.
	CodeInvalidEvent  Code = "INVALID_EVENT"
	CodeDuplicate     Code = "DUPLICATE"
	CodeTenantUnknown Code = "TENANT_UNKNOWN"

	// Transient external errors: the engine continues per tenant policy.
	CodeScreeningUnavailable Code = "SCREENING_UNAVAILABLE"

	// Resource exhaustion: caller may retry later.
	CodeOverloaded       Code = "OVERLOADED"
	CodeDeadlineExceeded Code = "DEADLINE_EXCEEDED"

	// State conflicts: reviewer must re-read and retry.
	CodeStateConflict Code = "STATE_CONFLICT"
	CodeCaseNotFound  Code = "CASE_NOT_FOUND"

	// Integrity errors: fatal for the affected tenant.
	CodeAuditChainBroken Code = "AUDIT_CHAIN_BROKEN"

	// Programming errors caught at the task boundary.
	CodeProcessingFailed Code = "PROCESSING_FAILED"
)

// Error is a coded engine error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two coded errors by code, so errors.Is(err, New(CodeDuplicate, ""))
// works regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a code. Returns nil when err is nil.
func Wrap(code Code, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the code from err, or empty string when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsInput reports whether err is an input error (not retriable, not a failure).
func IsInput(err error) bool {
	switch CodeOf(err) {
	case CodeInvalidEvent, CodeDuplicate, CodeTenantUnknown:
		return true
	}
	return false
}

// IsRetriable reports whether the caller may retry later.
func IsRetriable(err error) bool {
	switch CodeOf(err) {
	case CodeOverloaded, CodeDeadlineExceeded, CodeScreeningUnavailable:
		return true
	}
	return false
}
