// Package errors provides the kinded error type shared by the exchange core.
// Errors compare equal under errors.Is when their kinds match, so callers
// test against the package sentinels rather than message text.
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Kinds
const (
	KindInsufficientFunds         = "InsufficientFunds"
	KindInvalidOrderState         = "InvalidOrderState"
	KindTradeExecutionFailed      = "TradeExecutionFailed"
	KindBalanceInvariantViolation = "BalanceInvariantViolation"
	KindNotFound                  = "NotFound"
	KindInvalid                   = "Invalid"
	KindUnavailable               = "Unavailable"
	KindOverflow                  = "Overflow"
	KindForbidden                 = "Forbidden"
	KindUnknown                   = "Unknown"
)

var (
	InsufficientFunds         = NewWithKind(KindInsufficientFunds)
	InvalidOrderState         = NewWithKind(KindInvalidOrderState)
	TradeExecutionFailed      = NewWithKind(KindTradeExecutionFailed)
	BalanceInvariantViolation = NewWithKind(KindBalanceInvariantViolation)
	NotFound                  = NewWithKind(KindNotFound)
	Invalid                   = NewWithKind(KindInvalid)
	Unavailable               = NewWithKind(KindUnavailable)
	Overflow                  = NewWithKind(KindOverflow)
	Forbidden                 = NewWithKind(KindForbidden)
)

// FieldError represents a validation error for a specific field
type FieldError struct {
	Kind    string `json:"kind"`
	Field   string `json:"field"`
	Message string `json:"message,omitempty"`
}

func (f *FieldError) Error() string {
	return fmt.Sprintf("%s (%s): %s", f.Field, f.Kind, f.Message)
}

func NewFieldError(kind, field, reason string) FieldError {
	return FieldError{Kind: kind, Field: field, Message: reason}
}

// Error is a custom error type for passing more information
type Error struct {
	// Kind is the returned error type
	Kind string `json:"kind"`
	// Message is the human readable string that indicate the error
	Message string `json:"message"`
	// Fields used when there's validation error for a field.
	Fields []FieldError `json:"fields,omitempty"`

	trace []byte
	cause error
}

var _ error = (*Error)(nil)

func New(message string) *Error {
	return &Error{Kind: KindUnknown, Message: message}
}

func NewWithKind(kind string) *Error {
	return &Error{Kind: kind}
}

// Wrap returns an error of unknown kind caused by err.
func Wrap(err error) *Error {
	return &Error{Kind: KindUnknown, cause: err}
}

// Error implements error
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] ", e.Kind)
	if e.Message != "" {
		str += e.Message
	}
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	if len(e.trace) > 0 {
		str += fmt.Sprintf("\n\nTrace: %s", string(e.trace))
	}
	return str
}

// Reason returns a copy of the error with kind set to given value
func (e *Error) Reason(kind string) *Error {
	err := *e
	err.Kind = kind
	return &err
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Wrap returns a copy of the error caused by cause.
func (e *Error) Wrap(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

// Explain makes a copy of the error with given message
func (e *Error) Explain(message string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(message, args...)
	return &err
}

// Trace sets the error stack trace
func (e *Error) Trace() *Error {
	stack := make([]byte, 2048)
	n := runtime.Stack(stack, false)
	err := *e
	err.trace = stack[:n]
	return &err
}

// WithField returns a copy of error with a field error appended.
func (e *Error) WithField(kind, field, message string) *Error {
	err := *e
	err.Fields = append(append([]FieldError(nil), e.Fields...), NewFieldError(kind, field, message))
	return &err
}

// Is implements the needed interface for errors.Is.
// Two *Error values match when their kinds are equal.
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if other, ok := target.(*Error); ok {
		return other.Kind == e.Kind
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) string {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
