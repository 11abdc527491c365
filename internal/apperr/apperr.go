// Package apperr defines the error taxonomy shared by the streaming core.
package apperr

import (
	"errors"
	"fmt"
)

// Code classifies an error for callers (HTTP status, gateway error events, chat replies).
type Code string

const (
	CodeValidation      Code = "VALIDATION_ERROR"
	CodeNotFound        Code = "NOT_FOUND"
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
	CodeNotInRoom       Code = "NOT_IN_ROOM"
	CodeRateLimited     Code = "RATE_LIMIT_EXCEEDED"
	CodePlatformAuth    Code = "PLATFORM_AUTH_ERROR"
	CodePlatformRefresh Code = "PLATFORM_REFRESH_ERROR"
	CodeConfig          Code = "CONFIG_ERROR"
	CodeForbidden       Code = "FORBIDDEN"
	CodeInternal        Code = "INTERNAL_ERROR"
)

// Error is a classified error. Message is safe to show to the caller.
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

// New creates a classified error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap classifies err under code. A nil err still yields a classified error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func Validation(message string) *Error { return New(CodeValidation, message) }

func NotFound(message string) *Error { return New(CodeNotFound, message) }

func SessionNotFound() *Error { return New(CodeSessionNotFound, "broadcast session not found") }

func RateLimited(message string) *Error { return New(CodeRateLimited, message) }

func Config(message string) *Error { return New(CodeConfig, message) }

func Internal(err error) *Error { return Wrap(CodeInternal, "internal error", err) }

// CodeOf returns the code of the first classified error in err's chain,
// or CodeInternal when none is present.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf returns a caller-safe message for err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != CodeInternal {
		return e.Message
	}
	return "internal error"
}

// IsNotFound reports whether err is any not-found flavour.
func IsNotFound(err error) bool {
	switch CodeOf(err) {
	case CodeNotFound, CodeSessionNotFound:
		return true
	}
	return false
}
