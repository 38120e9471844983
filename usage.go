package penny

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// UsageHook observes every recorded entry. Wired to the OTel instruments at
// boot; must not block.
type UsageHook func(rec UsageRecord)

// UsageRecorder appends usage entries and maintains per-tenant rolling
// counters. Recording never fails the caller: store, redis, and hook
// failures are logged and swallowed.
type UsageRecorder struct {
	store  Store
	rdb    redis.UniversalClient
	hook   UsageHook
	logger *slog.Logger

	mu       sync.RWMutex
	counters map[string]map[UsageMetric]float64 // tenantID -> metric -> total since start
}

// UsageOption configures a UsageRecorder.
type UsageOption func(*UsageRecorder)

// UsageRedis mirrors daily per-tenant totals into a shared redis counter.
func UsageRedis(rdb redis.UniversalClient) UsageOption {
	return func(u *UsageRecorder) { u.rdb = rdb }
}

func UsageWithHook(h UsageHook) UsageOption {
	return func(u *UsageRecorder) { u.hook = h }
}

func UsageLogger(l *slog.Logger) UsageOption {
	return func(u *UsageRecorder) { u.logger = l }
}

func NewUsageRecorder(store Store, opts ...UsageOption) *UsageRecorder {
	u := &UsageRecorder{
		store:    store,
		counters: make(map[string]map[UsageMetric]float64),
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.logger == nil {
		u.logger = nopLogger
	}
	return u
}

// Record appends one usage entry. Errors never propagate.
func (u *UsageRecorder) Record(ctx context.Context, rec UsageRecord) {
	if rec.Timestamp == 0 {
		rec.Timestamp = NowUnix()
	}

	u.mu.Lock()
	m, ok := u.counters[rec.TenantID]
	if !ok {
		m = make(map[UsageMetric]float64)
		u.counters[rec.TenantID] = m
	}
	m[rec.Metric] += rec.Value
	u.mu.Unlock()

	if u.store != nil {
		if err := u.store.AppendUsage(ctx, rec); err != nil {
			u.logger.Warn("usage append failed", "tenant_id", rec.TenantID, "metric", rec.Metric, "error", err)
		}
	}
	if u.rdb != nil {
		u.incrDaily(ctx, rec)
	}
	if u.hook != nil {
		u.hook(rec)
	}
}

// incrDaily bumps the cross-process per-tenant daily total. Keys carry the
// UTC date and expire after 48h.
func (u *UsageRecorder) incrDaily(ctx context.Context, rec UsageRecord) {
	day := time.Unix(rec.Timestamp, 0).UTC().Format("2006-01-02")
	key := fmt.Sprintf("usage:%s:%s:%s", rec.TenantID, rec.Metric, day)
	pipe := u.rdb.TxPipeline()
	pipe.IncrByFloat(ctx, key, rec.Value)
	pipe.Expire(ctx, key, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		u.logger.Warn("usage redis incr failed", "key", key, "error", err)
	}
}

// Counter returns the in-process rolling total for a tenant metric. Resets
// on restart; DailyTotal is the durable view.
func (u *UsageRecorder) Counter(tenantID string, metric UsageMetric) float64 {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.counters[tenantID][metric]
}

// DailyTotal reads the shared daily total for a tenant metric. Falls back
// to the store aggregate when redis is absent.
func (u *UsageRecorder) DailyTotal(ctx context.Context, tenantID string, metric UsageMetric, day time.Time) (float64, error) {
	if u.rdb != nil {
		key := fmt.Sprintf("usage:%s:%s:%s", tenantID, metric, day.UTC().Format("2006-01-02"))
		v, err := u.rdb.Get(ctx, key).Float64()
		if err == nil {
			return v, nil
		}
		if err != redis.Nil {
			u.logger.Warn("usage redis read failed", "key", key, "error", err)
		}
	}
	if u.store == nil {
		return 0, nil
	}
	since := day.UTC().Truncate(24 * time.Hour).Unix()
	return u.store.SumUsage(ctx, tenantID, metric, since)
}
