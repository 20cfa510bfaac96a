package x402

import (
	"errors"
	"fmt"
	"net/http"
)

// Themed error codes used across the swarm API. Each maps to exactly one HTTP status.
var errorCodes = map[int]string{
	http.StatusBadRequest:          "CRACKED_SHELL",
	http.StatusUnauthorized:        "NO_EXOSKELETON",
	http.StatusPaymentRequired:     "PAYMENT_REQUIRED",
	http.StatusForbidden:           "SHELL_REJECTED",
	http.StatusNotFound:            "EMPTY_TIDE_POOL",
	http.StatusConflict:            "SHELL_CONFLICT",
	http.StatusTooManyRequests:     "CLAW_CRAMP",
	http.StatusInternalServerError: "SHELL_SHATTER",
	http.StatusServiceUnavailable:  "MOLTING_IN_PROGRESS",
}

// Sentinel kinds for proof validation failures.
var (
	ErrMalformedProof     = errors.New("malformed payment proof")
	ErrResourceMismatch   = errors.New("resource mismatch")
	ErrInsufficientAmount = errors.New("insufficient payment amount")
	ErrExpired            = errors.New("payment expired (ttl exceeded)")
	ErrClockSkew          = errors.New("payment timestamp in the future")
	ErrBadSignature       = errors.New("payment signature rejected")
	ErrProofReused        = errors.New("payment proof already redeemed")
)

// ErrorCode returns the symbolic code for an HTTP status.
func ErrorCode(status int) string {
	if code, ok := errorCodes[status]; ok {
		return code
	}
	return errorCodes[http.StatusInternalServerError]
}

// Error is the single structured domain error carried out of the gate and the engines.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"error"`
	Message string `json:"message"`

	kind error
}

// NewError builds an Error for status. An empty message falls back to the code.
func NewError(status int, format string, args ...any) *Error {
	code := ErrorCode(status)
	msg := code
	if format != "" {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Status: status, Code: code, Message: msg}
}

// WithKind tags the error so errors.Is matches kind.
func (e *Error) WithKind(kind error) *Error {
	e.kind = kind
	return e
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.kind }

// Body returns the uniform JSON error envelope.
func (e *Error) Body() map[string]any {
	return map[string]any{
		"error":   e.Code,
		"status":  e.Status,
		"message": e.Message,
	}
}

func BadRequest(format string, args ...any) *Error {
	return NewError(http.StatusBadRequest, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return NewError(http.StatusForbidden, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return NewError(http.StatusNotFound, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return NewError(http.StatusConflict, format, args...)
}

func Internal(format string, args ...any) *Error {
	return NewError(http.StatusInternalServerError, format, args...)
}

// AsError converts any error into an *Error. Foreign errors become 500s.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("%s", err.Error())
}
