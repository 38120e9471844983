package penny

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Code identifies an error class surfaced to callers. Codes are stable wire
// values: they appear in HTTP responses, stream error events, and tool
// execution records.
type Code string

const (
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeTenantDisabled  Code = "TENANT_DISABLED"

	CodeInvalidParams Code = "INVALID_PARAMS"
	CodeInvalidResult Code = "INVALID_RESULT"
	CodeToolNotFound  Code = "TOOL_NOT_FOUND"
	CodeNotFound      Code = "NOT_FOUND"
	CodeConflict      Code = "CONFLICT"

	CodeRateLimited Code = "RATE_LIMIT_EXCEEDED"
	CodeQueueFull   Code = "QUEUE_FULL"

	CodeTimeout     Code = "TIMEOUT"
	CodeNetwork     Code = "NETWORK_ERROR"
	CodeTemporary   Code = "TEMPORARY_ERROR"
	CodeUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeOverloaded  Code = "OVERLOADED"
	CodeUpstream    Code = "UPSTREAM"

	CodeAuth       Code = "AUTH"
	CodeBadRequest Code = "BAD_REQUEST"

	CodeMemoryLimit     Code = "MEMORY_LIMIT_EXCEEDED"
	CodeCPULimit        Code = "CPU_LIMIT_EXCEEDED"
	CodePolicyViolation Code = "POLICY_VIOLATION"

	CodeCancelled  Code = "CANCELLED"
	CodeNoProvider Code = "NO_PROVIDER"
	CodeInternal   Code = "INTERNAL"
)

// retryableCodes are the classes the server may retry with backoff.
// RATE_LIMIT_EXCEEDED and QUEUE_FULL are retryable by the client only;
// they are still marked retryable so the flag reaches the wire.
var retryableCodes = map[Code]bool{
	CodeRateLimited: true,
	CodeQueueFull:   true,
	CodeTimeout:     true,
	CodeNetwork:     true,
	CodeTemporary:   true,
	CodeUnavailable: true,
	CodeOverloaded:  true,
	CodeUpstream:    true,
}

// Error is the coded error carried across every component boundary.
// User-visible failures serialize {code, message, retryable}; the wrapped
// cause stays in internal logs only.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
	// RetryAfter is a server-suggested delay (from a 429/503 Retry-After
	// header). Zero when the upstream gave none.
	RetryAfter time.Duration

	cause error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Errf builds a coded error with a formatted message. Retryability follows
// the code's default class.
func Errf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Retryable: retryableCodes[code]}
}

// WrapErr attaches a code to an underlying error, preserving the cause for
// errors.Is/As chains.
func WrapErr(code Code, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: err.Error(), Retryable: retryableCodes[code], cause: err}
}

// CodeOf extracts the error code, mapping context errors to their platform
// codes. Unknown errors report INTERNAL.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeInternal
}

// IsRetryable reports whether the server may retry the failed operation.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return retryableCodes[CodeOf(err)]
}

// RetryAfterOf extracts the upstream's suggested retry delay, or 0.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
