package message

import (
	"errors"
	"fmt"
)

// Code classifies a failure reported by the remote side of a call.
type Code string

const (
	CodeMethodNotFound   Code = "method_not_found"
	CodeHandlerFailure   Code = "handler_failure"
	CodeBadRequest       Code = "bad_request"
	CodeUnauthorized     Code = "unauthorized"
	CodeRateLimited      Code = "rate_limited"
	CodeDeadlineExceeded Code = "deadline_exceeded"
)

// Error is a typed failure that travels inside a tagged reply. Handlers
// return it to choose the code the caller sees; the caller's Call returns it
// unchanged.
type Error struct {
	Code    Code
	Message string
}

var (
	ErrMethodNotFound = &Error{Code: CodeMethodNotFound}
	ErrHandlerFailure = &Error{Code: CodeHandlerFailure}
	ErrUnauthorized   = &Error{Code: CodeUnauthorized}
	ErrRateLimited    = &Error{Code: CodeRateLimited}
)

// NewError returns an Error with a formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return "rpc: " + string(e.Code)
	}
	return "rpc: " + string(e.Code) + ": " + e.Message
}

// Is matches on code, so errors.Is(err, ErrMethodNotFound) holds for any
// method_not_found reply regardless of its message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// AsError converts err to a typed failure. Errors that already carry an
// *Error keep it; anything else becomes a handler failure.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeHandlerFailure, Message: err.Error()}
}
