package router

import (
	"errors"

	"github.com/sells-group/cartrouter/internal/token"
)

// Code is the stable, caller-facing error identifier.
type Code string

const (
	CodeNoProviders    Code = "NO_PROVIDERS"
	CodeNoValidQuotes  Code = "NO_VALID_QUOTES"
	CodeInvalidRequest Code = "INVALID_REQUEST"
	CodeInternal       Code = "INTERNAL_ERROR"
	CodeTokenNotFound  Code = "TOKEN_NOT_FOUND"
	CodeTokenConflict  Code = "TOKEN_CONFLICT"
	CodeTokenExpired   Code = "TOKEN_EXPIRED"

	CodeProviderNotFound Code = "PROVIDER_NOT_FOUND"
)

// Error is a failed operation with a user-safe message. Err keeps the
// underlying cause for logs.
type Error struct {
	Code    Code
	Message string
	Details any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts a *Error, wrapping anything else as INTERNAL_ERROR.
func AsError(err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return &Error{Code: CodeInternal, Message: "internal error", Err: err}
}

func tokenError(err error) error {
	switch {
	case errors.Is(err, token.ErrNotFound):
		return &Error{Code: CodeTokenNotFound, Message: "confirmation token not found", Err: err}
	case errors.Is(err, token.ErrExpired):
		return &Error{Code: CodeTokenExpired, Message: "confirmation token has expired", Err: err}
	case errors.Is(err, token.ErrConflict):
		return &Error{Code: CodeTokenConflict, Message: "confirmation token was already used", Err: err}
	default:
		return &Error{Code: CodeInternal, Message: "token update failed", Err: err}
	}
}
