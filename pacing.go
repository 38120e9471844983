package penny

import (
	"context"
	"sync"
	"time"
)

// pacedProvider wraps a Provider with proactive self rate limiting against
// the upstream's published budget. Requests block until the budget allows
// them to proceed. This is distinct from the admission Limiter, which
// rejects; pacing smooths our own outbound call rate.
type pacedProvider struct {
	inner Provider
	mu    sync.Mutex

	// RPM state: sliding window of request timestamps.
	rpm       int
	rpmWindow []time.Time

	// TPM state: sliding window of (timestamp, tokenCount) pairs.
	tpm       int
	tpmWindow []tpmEntry
}

type tpmEntry struct {
	at     time.Time
	tokens int
}

// PacingOption configures a pacedProvider.
type PacingOption func(*pacedProvider)

// RPM sets the maximum requests per minute.
func RPM(n int) PacingOption {
	return func(p *pacedProvider) { p.rpm = n }
}

// TPM sets the maximum tokens per minute (input + output combined). Token
// counts are recorded from response usage after each request. This is a
// soft limit: the request that exceeds the budget completes, but subsequent
// requests block until the window slides.
func TPM(n int) PacingOption {
	return func(p *pacedProvider) { p.tpm = n }
}

// WithPacing wraps p with proactive upstream rate limiting. Compose with
// other wrappers:
//
//	llm = penny.WithPacing(provider, penny.RPM(60))
//	llm = penny.WithPacing(penny.WithRetry(provider), penny.RPM(60), penny.TPM(100000))
func WithPacing(p Provider, opts ...PacingOption) Provider {
	pp := &pacedProvider{inner: p}
	for _, opt := range opts {
		opt(pp)
	}
	return pp
}

func (p *pacedProvider) Name() string                       { return p.inner.Name() }
func (p *pacedProvider) Models() []ModelInfo                { return p.inner.Models() }
func (p *pacedProvider) Available(ctx context.Context) bool { return p.inner.Available(ctx) }

func (p *pacedProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if err := p.waitForBudget(ctx); err != nil {
		return CompletionResponse{}, err
	}
	resp, err := p.inner.Complete(ctx, req)
	if err == nil {
		p.recordUsage(resp.Usage)
	}
	return resp, err
}

func (p *pacedProvider) Stream(ctx context.Context, req CompletionRequest, ch chan<- Chunk) (CompletionResponse, error) {
	if err := p.waitForBudget(ctx); err != nil {
		ch <- ErrorChunk(err)
		close(ch)
		return CompletionResponse{}, err
	}
	resp, err := p.inner.Stream(ctx, req, ch)
	if err == nil {
		p.recordUsage(resp.Usage)
	}
	return resp, err
}

// waitForBudget blocks until both RPM and TPM budgets allow a request.
// Returns a CANCELLED error if the context is cancelled while waiting.
func (p *pacedProvider) waitForBudget(ctx context.Context) error {
	for {
		p.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Minute)

		p.rpmWindow = pruneTimes(p.rpmWindow, cutoff)
		p.tpmWindow = pruneTpm(p.tpmWindow, cutoff)

		rpmOK := p.rpm <= 0 || len(p.rpmWindow) < p.rpm

		tpmOK := true
		if p.tpm > 0 {
			var total int
			for _, e := range p.tpmWindow {
				total += e.tokens
			}
			tpmOK = total < p.tpm
		}

		if rpmOK && tpmOK {
			if p.rpm > 0 {
				p.rpmWindow = append(p.rpmWindow, now)
			}
			p.mu.Unlock()
			return nil
		}

		// Wait until the oldest entry in the blocking window expires.
		var wait time.Duration
		if !rpmOK && len(p.rpmWindow) > 0 {
			wait = p.rpmWindow[0].Add(time.Minute).Sub(now)
		}
		if !tpmOK && len(p.tpmWindow) > 0 {
			w := p.tpmWindow[0].at.Add(time.Minute).Sub(now)
			if wait == 0 || w < wait {
				wait = w
			}
		}
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		p.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return WrapErr(CodeCancelled, ctx.Err())
		case <-timer.C:
		}
	}
}

func (p *pacedProvider) recordUsage(u Usage) {
	if p.tpm <= 0 {
		return
	}
	total := u.InputTokens + u.OutputTokens
	if total <= 0 {
		return
	}
	p.mu.Lock()
	p.tpmWindow = append(p.tpmWindow, tpmEntry{at: time.Now(), tokens: total})
	p.mu.Unlock()
}

func pruneTimes(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}

func pruneTpm(s []tpmEntry, cutoff time.Time) []tpmEntry {
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	return s[i:]
}

// compile-time check
var _ Provider = (*pacedProvider)(nil)
