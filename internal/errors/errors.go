// Package errors defines the typed error taxonomy surfaced by procedures,
// transactions and queues. Every error carries a machine-readable code,
// structured data and a human-readable message.
package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// Code classifies an engine error.
type Code string

const (
	// CodeNotAuthorized means a permission or role requirement is unmet.
	CodeNotAuthorized Code = "NotAuthorized"

	// CodeValidation means a domain precondition failed while preparing.
	CodeValidation Code = "ValidationError"

	// CodeUnmetPrerequisite means a required earlier step did not complete.
	CodeUnmetPrerequisite Code = "UnmetPrerequisite"

	// CodeDataUnavailable means expected chain state or event data is missing.
	CodeDataUnavailable Code = "DataUnavailable"

	// CodeTransactionRejected means the signer declined to sign.
	CodeTransactionRejected Code = "TransactionRejected"

	// CodeTransactionFailed means the ledger executed the call but it failed.
	CodeTransactionFailed Code = "TransactionFailed"

	// CodeTimeout means a chain read or inclusion wait exceeded its bound.
	CodeTimeout Code = "Timeout"

	// CodeTransactionAborted means the caller cancelled the transaction.
	CodeTransactionAborted Code = "TransactionAborted"

	// CodeUnexpected covers failures outside the taxonomy.
	CodeUnexpected Code = "UnexpectedError"
)

// Error is the concrete engine error.
type Error struct {
	Code    Code
	Message string
	Data    map[string]any
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Data) > 0 {
		keys := make([]string, 0, len(e.Data))
		for k := range e.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Data[k])
		}
		b.WriteString(")")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same code. A target with
// an empty code matches any *Error.
func (e *Error) Is(target error) bool {
	var t *Error
	if !stderrors.As(target, &t) {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// With returns a copy of e with key set in its data.
func (e *Error) With(key string, value any) *Error {
	data := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data[key] = value
	cp := *e
	cp.Data = data
	return &cp
}

// New creates an error with the given code.
func New(code Code, message string, data map[string]any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// Wrap creates an error with the given code around cause. An existing *Error
// cause is returned unchanged so codes assigned closer to the failure win.
func Wrap(code Code, cause error, message string) *Error {
	if cause == nil {
		return New(code, message, nil)
	}
	var existing *Error
	if stderrors.As(cause, &existing) {
		return existing
	}
	return &Error{Code: code, Message: message, Cause: cause}
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotAuthorized       = &Error{Code: CodeNotAuthorized}
	ErrValidation          = &Error{Code: CodeValidation}
	ErrUnmetPrerequisite   = &Error{Code: CodeUnmetPrerequisite}
	ErrDataUnavailable     = &Error{Code: CodeDataUnavailable}
	ErrTransactionRejected = &Error{Code: CodeTransactionRejected}
	ErrTransactionFailed   = &Error{Code: CodeTransactionFailed}
	ErrTimeout             = &Error{Code: CodeTimeout}
	ErrTransactionAborted  = &Error{Code: CodeTransactionAborted}
)

// NotAuthorized creates a NotAuthorized error.
func NotAuthorized(message string, data map[string]any) *Error {
	return New(CodeNotAuthorized, message, data)
}

// Validation creates a ValidationError.
func Validation(message string, data map[string]any) *Error {
	return New(CodeValidation, message, data)
}

// UnmetPrerequisite creates an UnmetPrerequisite error.
func UnmetPrerequisite(message string, data map[string]any) *Error {
	return New(CodeUnmetPrerequisite, message, data)
}

// DataUnavailable creates a DataUnavailable error.
func DataUnavailable(message string, data map[string]any) *Error {
	return New(CodeDataUnavailable, message, data)
}

// TransactionRejected creates a TransactionRejected error.
func TransactionRejected(message string, cause error) *Error {
	return &Error{Code: CodeTransactionRejected, Message: message, Cause: cause}
}

// TransactionFailed creates a TransactionFailed error.
func TransactionFailed(message string, data map[string]any) *Error {
	return New(CodeTransactionFailed, message, data)
}

// Timeout creates a Timeout error.
func Timeout(message string, cause error) *Error {
	return &Error{Code: CodeTimeout, Message: message, Cause: cause}
}

// Aborted creates a TransactionAborted error.
func Aborted(message string) *Error {
	return New(CodeTransactionAborted, message, nil)
}

// CodeOf returns the code of the first *Error in err's chain, or
// CodeUnexpected when there is none.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return CodeUnexpected
}

// Has reports whether err carries the given code.
func Has(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// As is errors.As from the standard library.
func As(err error, target any) bool { return stderrors.As(err, target) }

// Is is errors.Is from the standard library.
func Is(err, target error) bool { return stderrors.Is(err, target) }
