package penny

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// LimiterKey identifies one admission bucket. Scope is a tool name or a
// logical surface like "messages"; PrincipalID may be empty for
// tenant-wide budgets.
type LimiterKey struct {
	TenantID    string
	Scope       string
	PrincipalID string
}

func (k LimiterKey) String() string {
	return fmt.Sprintf("ratelimit:%s:%s:%s", k.TenantID, k.Scope, k.PrincipalID)
}

// bucket is in-process token-bucket state. Tokens refill continuously at
// requests/window; capacity is burst when set, else requests.
type bucket struct {
	tokens   float64
	lastFill time.Time
	lastUsed time.Time
}

// Limiter is the synchronous admission gate. Allow either deducts one token
// or rejects with RATE_LIMIT_EXCEEDED. When a redis client is configured it
// holds the cross-process counters; the in-process map is the fallback and
// resets on restart.
type Limiter struct {
	mu      sync.Mutex
	buckets map[LimiterKey]*bucket

	rdb    redis.UniversalClient
	logger *slog.Logger
	now    func() time.Time
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// LimiterRedis backs the limiter with a shared redis counter.
func LimiterRedis(rdb redis.UniversalClient) LimiterOption {
	return func(l *Limiter) { l.rdb = rdb }
}

// LimiterLogger sets the structured logger.
func LimiterLogger(lg *slog.Logger) LimiterOption {
	return func(l *Limiter) { l.logger = lg }
}

func NewLimiter(opts ...LimiterOption) *Limiter {
	l := &Limiter{
		buckets: make(map[LimiterKey]*bucket),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = nopLogger
	}
	return l
}

// Allow admits or rejects one request against the key's budget. On redis
// errors the in-process state decides; availability beats strictness.
func (l *Limiter) Allow(ctx context.Context, key LimiterKey, spec RateLimitSpec) error {
	if spec.Requests <= 0 || spec.WindowSec <= 0 {
		return nil
	}
	if l.rdb != nil {
		ok, err := l.allowRedis(ctx, key, spec)
		if err == nil {
			if ok {
				return nil
			}
			return rateLimitedErr(key, spec)
		}
		l.logger.Warn("redis rate limit check failed, falling back to local",
			"key", key.String(), "error", err)
	}
	if l.allowLocal(key, spec) {
		return nil
	}
	return rateLimitedErr(key, spec)
}

func rateLimitedErr(key LimiterKey, spec RateLimitSpec) *Error {
	e := Errf(CodeRateLimited, "rate limit exceeded for %s", key.Scope)
	e.RetryAfter = time.Duration(spec.WindowSec) * time.Second / time.Duration(spec.Requests)
	return e
}

// allowRedis runs a fixed-window counter: INCR + first-hit EXPIRE at
// 2x window so idle keys age out.
func (l *Limiter) allowRedis(ctx context.Context, key LimiterKey, spec RateLimitSpec) (bool, error) {
	window := l.now().Unix() / int64(spec.WindowSec)
	rkey := fmt.Sprintf("%s:%d", key.String(), window)

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, rkey)
	pipe.Expire(ctx, rkey, 2*time.Duration(spec.WindowSec)*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return incr.Val() <= int64(capacityOf(spec)), nil
}

// allowLocal runs the in-process continuous-refill token bucket.
func (l *Limiter) allowLocal(key LimiterKey, spec RateLimitSpec) bool {
	capacity := float64(capacityOf(spec))
	refillPerSec := float64(spec.Requests) / float64(spec.WindowSec)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: capacity, lastFill: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * refillPerSec
		if b.tokens > capacity {
			b.tokens = capacity
		}
		b.lastFill = now
	}
	b.lastUsed = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func capacityOf(spec RateLimitSpec) int {
	if spec.Burst > 0 {
		return spec.Burst
	}
	return spec.Requests
}

// Sweep drops local buckets idle longer than 2x their window. Called
// periodically by the owner; windows vary per call so the caller passes the
// longest window it uses.
func (l *Limiter) Sweep(maxWindow time.Duration) {
	cutoff := l.now().Add(-2 * maxWindow)
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		if b.lastUsed.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
}
