package errors

import (
	"context"
	"errors"
	"fmt"
)

// Code is the machine-readable error code carried across the router boundary.
type Code string

// Error codes.
const (
	// CodeUnknownType indicates create or hydrate with an unregistered type.
	CodeUnknownType Code = "UnknownType"

	// CodeNotFound indicates an unknown object id.
	CodeNotFound Code = "NotFound"

	// CodeInvalidState indicates a request against a terminating or terminated object.
	CodeInvalidState Code = "InvalidState"

	// CodeUnknownAction indicates an action missing from the type's action table.
	CodeUnknownAction Code = "UnknownAction"

	// CodeHandlerError indicates a handler failed or panicked.
	CodeHandlerError Code = "HandlerError"

	// CodeValidation indicates a malformed request payload.
	CodeValidation Code = "ValidationError"

	// CodeStoreError indicates a persistence read or write failure.
	CodeStoreError Code = "StoreError"

	// CodeTimeout indicates the caller's deadline expired.
	CodeTimeout Code = "Timeout"

	// CodeConfig indicates invalid registration or configuration.
	CodeConfig Code = "ConfigError"
)

// Error is the structured error returned by every durable operation.
type Error struct {
	// Code classifies the failure.
	Code Code

	// ObjectID is the object involved, if any.
	ObjectID string

	// Op is the operation that failed (e.g. "create", "process", "persist").
	Op string

	// Message is a human-readable description safe to show callers.
	Message string

	// Err is the underlying cause. It is never exposed across the router.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.ObjectID != "" {
		msg += fmt.Sprintf(" [%s]", e.ObjectID)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
// This lets callers match on a bare code value: errors.Is(err, &Error{Code: CodeNotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.ObjectID == "" && t.Op == ""
}

// New creates an error with the given code.
func New(code Code, op, objectID, message string) *Error {
	return &Error{Code: code, Op: op, ObjectID: objectID, Message: message}
}

// Wrap creates an error with the given code wrapping err.
func Wrap(code Code, op, objectID string, err error) *Error {
	return &Error{Code: code, Op: op, ObjectID: objectID, Err: err}
}

// UnknownType reports an unregistered type name.
func UnknownType(op, typeName string) *Error {
	return &Error{Code: CodeUnknownType, Op: op, Message: fmt.Sprintf("type %q is not registered", typeName)}
}

// NotFound reports an unknown object id.
func NotFound(op, objectID string) *Error {
	return &Error{Code: CodeNotFound, Op: op, ObjectID: objectID, Message: "object not found"}
}

// InvalidState reports a request the object's status does not allow.
func InvalidState(op, objectID, status string) *Error {
	return &Error{Code: CodeInvalidState, Op: op, ObjectID: objectID, Message: fmt.Sprintf("object is %s", status)}
}

// UnknownAction reports an action missing from the dispatch table.
func UnknownAction(objectID, action string) *Error {
	return &Error{Code: CodeUnknownAction, Op: "process", ObjectID: objectID, Message: fmt.Sprintf("unknown action %q", action)}
}

// HandlerFailed wraps an error raised by an action or event handler.
func HandlerFailed(op, objectID string, err error) *Error {
	return &Error{Code: CodeHandlerError, Op: op, ObjectID: objectID, Message: "handler failed", Err: err}
}

// Validation reports a malformed payload.
func Validation(field, message string) *Error {
	if field != "" {
		message = field + ": " + message
	}
	return &Error{Code: CodeValidation, Message: message}
}

// Store wraps a persistence failure.
func Store(op, objectID string, err error) *Error {
	return &Error{Code: CodeStoreError, Op: op, ObjectID: objectID, Message: "persistence failed", Err: err}
}

// Timeout reports an expired deadline.
func Timeout(op, objectID string, err error) *Error {
	return &Error{Code: CodeTimeout, Op: op, ObjectID: objectID, Message: "deadline exceeded", Err: err}
}

// Config reports invalid registration or configuration.
func Config(message string) *Error {
	return &Error{Code: CodeConfig, Message: message}
}

// CodeOf extracts the code from err.
// Context deadline errors map to CodeTimeout; other unclassified errors map to CodeHandlerError.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CodeTimeout
	}
	return CodeHandlerError
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// MessageOf returns the caller-safe message for err.
// Underlying causes are omitted so internal details never leak.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		return string(e.Code)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "deadline exceeded"
	}
	return "internal error"
}

// FromContext converts a context error into a Timeout error, or returns nil.
func FromContext(ctx context.Context, op, objectID string) error {
	if err := ctx.Err(); err != nil {
		return Timeout(op, objectID, err)
	}
	return nil
}
