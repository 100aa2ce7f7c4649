package gateway

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error code surfaced to callers. Provider
// level failures (timeouts, auth, rate limits) are recovered internally via
// fallback and never reach callers with these codes.
type Code string

const (
	CodeInvalidInput          Code = "invalid_input"
	CodeBudgetExceeded        Code = "budget_exceeded"
	CodeProviderUnavailable   Code = "provider_unavailable"
	CodeAllProvidersExhausted Code = "all_providers_exhausted"
)

// Error is a structured gateway failure with a stable code.
type Error struct {
	Code    Code
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.err
}

// NewError creates a gateway error with a stable code.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError attaches a cause to a gateway error.
func WrapError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, err: err}
}

// CodeOf extracts the gateway code from an error chain. Returns empty when
// the error is not a gateway error.
func CodeOf(err error) Code {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}
