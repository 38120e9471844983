package penny

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// maxBackoff caps every computed retry delay.
const maxBackoff = 30 * time.Second

// retryProvider wraps a Provider and automatically retries retryable
// failures (RATE_LIMITED, OVERLOADED, TIMEOUT, UPSTREAM and friends) with
// exponential backoff.
type retryProvider struct {
	inner       Provider
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration // overall timeout across all attempts; 0 = no limit
	logger      *slog.Logger  // nil = nopLogger
}

// RetryOption configures a retryProvider.
type RetryOption func(*retryProvider)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryProvider) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.baseDelay = d }
}

// RetryTimeout sets the overall timeout for the entire retry sequence.
// The zero value (default) disables it.
func RetryTimeout(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.timeout = d }
}

// RetryLogger sets the structured logger for retry events. Retries log at
// WARN; final failures after exhausting attempts log at ERROR.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryProvider) { r.logger = l }
}

// WithRetry wraps p with automatic retry on retryable errors. Delays use
// exponential backoff with jitter, capped at 30s; a server Retry-After is
// honored as a floor. Compose with any Provider:
//
//	llm = penny.WithRetry(openaicompat.New(key, model))
//	llm = penny.WithRetry(openaicompat.New(key, model), penny.RetryMaxAttempts(5))
func WithRetry(p Provider, opts ...RetryOption) Provider {
	r := &retryProvider{
		inner:       p,
		maxAttempts: 3,
		baseDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

func (r *retryProvider) Name() string                          { return r.inner.Name() }
func (r *retryProvider) Models() []ModelInfo                   { return r.inner.Models() }
func (r *retryProvider) Available(ctx context.Context) bool    { return r.inner.Available(ctx) }

func (r *retryProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return retryCall(ctx, r.maxAttempts, r.baseDelay, r.inner.Name(), r.logger, func() (CompletionResponse, error) {
		return r.inner.Complete(ctx, req)
	})
}

// Stream implements Provider with retry. Retries are only performed if no
// chunks have been forwarded yet; once streaming has started, errors pass
// through immediately to avoid sending duplicate content. ch is always
// closed before returning.
func (r *retryProvider) Stream(ctx context.Context, req CompletionRequest, ch chan<- Chunk) (CompletionResponse, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	var lastErr error
	for i := 0; i < r.maxAttempts; i++ {
		mid := make(chan Chunk, 64)
		var (
			resp      CompletionResponse
			streamErr error
		)
		done := make(chan struct{})
		go func() {
			defer close(done)
			resp, streamErr = r.inner.Stream(ctx, req, mid)
		}()

		// Terminal chunks are withheld until we know the attempt stands:
		// a failed first attempt must not leak its error chunk.
		var forwarded bool
		var terminal *Chunk
		for c := range mid {
			if c.Type == ChunkDone || c.Type == ChunkError {
				cc := c
				terminal = &cc
				continue
			}
			forwarded = true
			ch <- c
		}
		<-done

		if streamErr == nil || !IsRetryable(streamErr) || forwarded {
			if terminal != nil {
				ch <- *terminal
			}
			close(ch)
			return resp, streamErr
		}

		lastErr = streamErr
		r.logger.Warn("retrying retryable stream error",
			"provider", r.inner.Name(),
			"code", CodeOf(streamErr),
			"attempt", i+1,
			"max_attempts", r.maxAttempts)
		if i < r.maxAttempts-1 {
			timer := time.NewTimer(retryDelay(r.baseDelay, i, streamErr))
			select {
			case <-ctx.Done():
				timer.Stop()
				ch <- ErrorChunk(ctx.Err())
				close(ch)
				return CompletionResponse{}, WrapErr(CodeCancelled, ctx.Err())
			case <-timer.C:
			}
		}
	}
	r.logger.Error("all retry attempts exhausted (stream)",
		"provider", r.inner.Name(),
		"attempts", r.maxAttempts,
		"error", lastErr)
	ch <- ErrorChunk(lastErr)
	close(ch)
	return CompletionResponse{}, lastErr
}

// withTimeout returns a child context with a deadline if r.timeout is set.
// If timeout is zero or ctx already has an earlier deadline, returns ctx
// unchanged.
func (r *retryProvider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	deadline := time.Now().Add(r.timeout)
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}

// retryDelay computes the delay before retry attempt i, using exponential
// backoff as a floor and the server's Retry-After value (if present) as a
// minimum.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, i)
	if ra := RetryAfterOf(err); ra > backoff {
		backoff = ra
	}
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// retryCall calls fn up to maxAttempts times, sleeping between retryable
// failures.
func retryCall[T any](ctx context.Context, maxAttempts int, base time.Duration, name string, logger *slog.Logger, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < maxAttempts; i++ {
		result, err := fn()
		if err == nil || !IsRetryable(err) {
			return result, err
		}
		last = err
		logger.Warn("retrying retryable error",
			"provider", name,
			"code", CodeOf(err),
			"attempt", i+1,
			"max_attempts", maxAttempts)
		if i < maxAttempts-1 {
			timer := time.NewTimer(retryDelay(base, i, err))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, WrapErr(CodeCancelled, ctx.Err())
			case <-timer.C:
			}
		}
	}
	logger.Error("all retry attempts exhausted",
		"provider", name,
		"attempts", maxAttempts,
		"error", last)
	return zero, last
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter, capped at 30s.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	if exp > maxBackoff {
		exp = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	d := exp + jitter
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// compile-time check
var _ Provider = (*retryProvider)(nil)
