package responses

import (
	"fmt"
)

// Machine readable error codes served by the API.
const (
	ErrorCodeNotFound     = "not-found"
	ErrorCodeUnauthorized = "unauthorized"
	ErrorCodeConflict     = "conflict"
	ErrorCodeInvalid      = "invalid"
	ErrorCodeUpstream     = "upstream-error"
	ErrorCodeInternal     = "internal"
)

// Error describes an error for humans and machines
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e Error) Error() string {
	return fmt.Sprintf("code: %q, message: %q", e.Code, e.Message)
}

// NewError - a brand new error
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// ErrorEnvelope wraps an error the way pub clients expect it on the wire.
type ErrorEnvelope struct {
	Error Error `json:"error"`
}
