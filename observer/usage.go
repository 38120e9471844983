package observer

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/pennylabs/penny"
)

// UsageHook returns a hook that mirrors every usage record into OTel
// counters. Wire it via penny.UsageWithHook at boot. The hook never blocks.
func UsageHook(inst *Instruments) penny.UsageHook {
	return func(rec penny.UsageRecord) {
		ctx := context.Background()
		attrs := metric.WithAttributes(
			AttrTenantID.String(rec.TenantID),
			AttrMetric.String(string(rec.Metric)),
		)
		inst.UsageRecords.Add(ctx, 1, attrs)

		switch rec.Metric {
		case penny.MetricTokensIn, penny.MetricTokensOut:
			inst.TokenUsage.Add(ctx, int64(rec.Value), attrs)
		case penny.MetricCost:
			inst.CostTotal.Add(ctx, rec.Value, metric.WithAttributes(
				AttrTenantID.String(rec.TenantID),
			))
		}
	}
}
