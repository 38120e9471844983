package penny

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrfMessage(t *testing.T) {
	err := Errf(CodeInvalidParams, "field %q is bad", "name")
	if got := err.Error(); got != `INVALID_PARAMS: field "name" is bad` {
		t.Errorf("Error() = %q", got)
	}
	if err.Retryable {
		t.Error("INVALID_PARAMS must not be retryable")
	}
}

func TestWrapErrPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := WrapErr(CodeNetwork, fmt.Errorf("dial upstream: %w", cause))
	if !errors.Is(err, cause) {
		t.Error("wrapped cause lost from the chain")
	}
	if CodeOf(err) != CodeNetwork {
		t.Errorf("code = %s", CodeOf(err))
	}
	if !err.Retryable {
		t.Error("NETWORK_ERROR should be retryable")
	}
}

func TestWrapErrNil(t *testing.T) {
	if WrapErr(CodeInternal, nil) != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestCodeOf(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{nil, ""},
		{Errf(CodeTimeout, "x"), CodeTimeout},
		{fmt.Errorf("outer: %w", Errf(CodeRateLimited, "x")), CodeRateLimited},
		{context.Canceled, CodeCancelled},
		{context.DeadlineExceeded, CodeTimeout},
		{errors.New("mystery"), CodeInternal},
	}
	for _, tc := range cases {
		if got := CodeOf(tc.err); got != tc.want {
			t.Errorf("CodeOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestRetryableClasses(t *testing.T) {
	retryable := []Code{
		CodeRateLimited, CodeQueueFull, CodeTimeout, CodeNetwork,
		CodeTemporary, CodeUnavailable, CodeOverloaded, CodeUpstream,
	}
	for _, c := range retryable {
		if !IsRetryable(Errf(c, "x")) {
			t.Errorf("%s should be retryable", c)
		}
	}
	terminal := []Code{
		CodeUnauthenticated, CodeUnauthorized, CodeInvalidParams,
		CodeNotFound, CodeConflict, CodePolicyViolation, CodeCancelled,
		CodeInternal, CodeMemoryLimit, CodeCPULimit,
	}
	for _, c := range terminal {
		if IsRetryable(Errf(c, "x")) {
			t.Errorf("%s must not be retryable", c)
		}
	}
}

func TestRetryAfterOf(t *testing.T) {
	e := Errf(CodeRateLimited, "slow down")
	e.RetryAfter = 7 * time.Second
	if got := RetryAfterOf(fmt.Errorf("wrapped: %w", e)); got != 7*time.Second {
		t.Errorf("RetryAfterOf = %v", got)
	}
	if RetryAfterOf(errors.New("plain")) != 0 {
		t.Error("plain errors carry no retry-after")
	}
}

func TestErrorChunk(t *testing.T) {
	c := ErrorChunk(Errf(CodeUpstream, "bad gateway"))
	if c.Type != ChunkError || c.Code != CodeUpstream || c.Message != "bad gateway" {
		t.Errorf("chunk = %+v", c)
	}
	// The code prefix from Error() must not leak into Message.
	c = ErrorChunk(errors.New("raw failure"))
	if c.Code != CodeInternal || c.Message != "raw failure" {
		t.Errorf("chunk = %+v", c)
	}
}
