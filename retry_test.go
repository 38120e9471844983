package penny

import (
	"context"
	"testing"
	"time"
)

// scriptedProvider drives retry and pacing tests: each call is dispatched to
// a per-call script with the 1-based call number.
type scriptedProvider struct {
	name     string
	models   []ModelInfo
	calls    int
	complete func(call int) (CompletionResponse, error)
	stream   func(call int, ch chan<- Chunk) (CompletionResponse, error)
}

var _ Provider = (*scriptedProvider)(nil)

func (p *scriptedProvider) Name() string                   { return p.name }
func (p *scriptedProvider) Models() []ModelInfo            { return p.models }
func (p *scriptedProvider) Available(context.Context) bool { return true }

func (p *scriptedProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	p.calls++
	return p.complete(p.calls)
}

func (p *scriptedProvider) Stream(ctx context.Context, req CompletionRequest, ch chan<- Chunk) (CompletionResponse, error) {
	p.calls++
	return p.stream(p.calls, ch)
}

func TestRetryCompleteEventuallySucceeds(t *testing.T) {
	inner := &scriptedProvider{name: "flaky", complete: func(call int) (CompletionResponse, error) {
		if call < 3 {
			return CompletionResponse{}, Errf(CodeOverloaded, "busy")
		}
		return CompletionResponse{Content: "ok"}, nil
	}}
	p := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	resp, err := p.Complete(context.Background(), CompletionRequest{})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Content != "ok" || inner.calls != 3 {
		t.Errorf("content=%q calls=%d", resp.Content, inner.calls)
	}
}

func TestRetryCompleteNonRetryableReturnsImmediately(t *testing.T) {
	inner := &scriptedProvider{name: "strict", complete: func(call int) (CompletionResponse, error) {
		return CompletionResponse{}, Errf(CodeInvalidParams, "bad request")
	}}
	p := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	_, err := p.Complete(context.Background(), CompletionRequest{})
	if CodeOf(err) != CodeInvalidParams {
		t.Fatalf("err = %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1", inner.calls)
	}
}

func TestRetryCompleteExhaustsAttempts(t *testing.T) {
	inner := &scriptedProvider{name: "down", complete: func(call int) (CompletionResponse, error) {
		return CompletionResponse{}, Errf(CodeUpstream, "bad gateway")
	}}
	p := WithRetry(inner, RetryMaxAttempts(2), RetryBaseDelay(time.Millisecond))

	_, err := p.Complete(context.Background(), CompletionRequest{})
	if CodeOf(err) != CodeUpstream {
		t.Fatalf("err = %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("calls = %d, want 2", inner.calls)
	}
}

func TestRetryStreamRetriesBeforeFirstChunk(t *testing.T) {
	inner := &scriptedProvider{name: "flaky", stream: func(call int, ch chan<- Chunk) (CompletionResponse, error) {
		if call == 1 {
			err := Errf(CodeOverloaded, "busy")
			ch <- ErrorChunk(err)
			close(ch)
			return CompletionResponse{}, err
		}
		ch <- Chunk{Type: ChunkContent, Content: "hello"}
		ch <- Chunk{Type: ChunkDone}
		close(ch)
		return CompletionResponse{Content: "hello"}, nil
	}}
	p := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	ch := make(chan Chunk, 16)
	resp, err := p.Stream(context.Background(), CompletionRequest{}, ch)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if resp.Content != "hello" || inner.calls != 2 {
		t.Errorf("content=%q calls=%d", resp.Content, inner.calls)
	}

	var got []Chunk
	for c := range ch {
		got = append(got, c)
	}
	// The failed first attempt's error chunk must not leak to the caller.
	if len(got) != 2 || got[0].Type != ChunkContent || got[1].Type != ChunkDone {
		t.Errorf("chunks = %+v", got)
	}
}

func TestRetryStreamNoRetryAfterContentForwarded(t *testing.T) {
	inner := &scriptedProvider{name: "flaky", stream: func(call int, ch chan<- Chunk) (CompletionResponse, error) {
		err := Errf(CodeUpstream, "mid-stream drop")
		ch <- Chunk{Type: ChunkContent, Content: "partial"}
		ch <- ErrorChunk(err)
		close(ch)
		return CompletionResponse{}, err
	}}
	p := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	ch := make(chan Chunk, 16)
	_, err := p.Stream(context.Background(), CompletionRequest{}, ch)
	if CodeOf(err) != CodeUpstream {
		t.Fatalf("err = %v", err)
	}
	// Content already reached the caller; a retry would duplicate it.
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1", inner.calls)
	}

	var got []Chunk
	for c := range ch {
		got = append(got, c)
	}
	if len(got) != 2 || got[0].Content != "partial" || got[1].Type != ChunkError {
		t.Errorf("chunks = %+v", got)
	}
}

func TestRetryStreamExhaustedEmitsErrorChunk(t *testing.T) {
	inner := &scriptedProvider{name: "down", stream: func(call int, ch chan<- Chunk) (CompletionResponse, error) {
		close(ch)
		return CompletionResponse{}, Errf(CodeUnavailable, "maintenance")
	}}
	p := WithRetry(inner, RetryMaxAttempts(2), RetryBaseDelay(time.Millisecond))

	ch := make(chan Chunk, 16)
	_, err := p.Stream(context.Background(), CompletionRequest{}, ch)
	if CodeOf(err) != CodeUnavailable {
		t.Fatalf("err = %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("calls = %d, want 2", inner.calls)
	}

	var got []Chunk
	for c := range ch {
		got = append(got, c)
	}
	if len(got) != 1 || got[0].Type != ChunkError || got[0].Code != CodeUnavailable {
		t.Errorf("chunks = %+v", got)
	}
}

func TestRetryBackoffGrowsAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	for i, bounds := range []struct{ lo, hi time.Duration }{
		{100 * time.Millisecond, 150 * time.Millisecond},
		{200 * time.Millisecond, 300 * time.Millisecond},
		{400 * time.Millisecond, 600 * time.Millisecond},
	} {
		d := retryBackoff(base, i)
		if d < bounds.lo || d > bounds.hi {
			t.Errorf("retry %d: delay %v outside [%v, %v]", i, d, bounds.lo, bounds.hi)
		}
	}
	if d := retryBackoff(20*time.Second, 4); d > maxBackoff {
		t.Errorf("delay %v exceeds cap %v", d, maxBackoff)
	}
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	e := Errf(CodeRateLimited, "slow down")
	e.RetryAfter = 5 * time.Second
	if d := retryDelay(time.Millisecond, 0, e); d != 5*time.Second {
		t.Errorf("delay = %v, want the server's 5s floor", d)
	}
}
