package errors

import (
	"errors"
	"fmt"
)

// Code groups errors by the layer that produced them.
type Code string

const (
	// CodeTransport covers relay connection failures, server errors and missing replies.
	CodeTransport Code = "TRANSPORT"

	// CodeHandshake covers peer channel races and channel state violations.
	CodeHandshake Code = "HANDSHAKE"

	// CodeSession covers membership errors and joins after a terminal state.
	CodeSession Code = "SESSION"

	// CodeCeremony covers participant validation, signature verification and math library errors.
	CodeCeremony Code = "CEREMONY"

	// CodeInfrastructure covers I/O, encoding and channel-send failures.
	CodeInfrastructure Code = "INFRASTRUCTURE"
)

// Severity represents how an error affects the operation that raised it.
type Severity string

const (
	// SeverityFatal aborts the ceremony or connection.
	SeverityFatal Severity = "FATAL"

	// SeverityRecoverable fails the single operation only.
	SeverityRecoverable Severity = "RECOVERABLE"
)

// Error is a classified error. Sentinels are declared per package with New and
// compared with errors.Is, which matches on code and message so that a
// sentinel carrying a cause still compares equal to the bare sentinel.
type Error struct {
	Code     Code     `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Cause    error    `json:"-"`
}

// New creates a classified error with the default severity for its code.
func New(code Code, message string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Severity: determineSeverity(code),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a classified error with the same code and message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// WithCause returns a copy of e carrying cause.
func (e *Error) WithCause(cause error) *Error {
	cp := *e
	cp.Cause = cause
	return &cp
}

// WithSeverity overrides the default severity.
func (e *Error) WithSeverity(severity Severity) *Error {
	cp := *e
	cp.Severity = severity
	return &cp
}

// IsRetryable returns true if a caller may retry the failed operation.
func (e *Error) IsRetryable() bool {
	return e.Code == CodeTransport && e.Severity != SeverityFatal
}

func determineSeverity(code Code) Severity {
	switch code {
	case CodeCeremony, CodeInfrastructure:
		return SeverityFatal
	default:
		return SeverityRecoverable
	}
}

// CodeOf returns the code of the first classified error in err's chain, or
// CodeInfrastructure when err carries no classification.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInfrastructure
}

// IsCode checks if err is a classified error with the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsRetryable checks if err may be retried by a caller.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.IsRetryable()
	}
	return false
}
