package observer

import (
	"context"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"

	"github.com/pennylabs/penny"
)

// ExecutionEvents returns a registry event handler that records tool
// execution lifecycle metrics. Subscribe it to the execution:* events at
// boot. Handlers run sequentially on the emitter's goroutine, so this does
// minimal work.
func ExecutionEvents(inst *Instruments) penny.EventHandler {
	return func(event penny.RegistryEvent, payload any) {
		exec, ok := payload.(penny.ToolExecution)
		if !ok {
			return
		}
		ctx := context.Background()

		inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
			AttrToolName.String(exec.ToolName),
			AttrToolEvent.String(string(event)),
		))

		if !exec.Status.Terminal() {
			return
		}

		inst.ToolDuration.Record(ctx, float64(exec.DurationMs), metric.WithAttributes(
			AttrToolName.String(exec.ToolName),
		))

		var rec otellog.Record
		rec.SetSeverity(otellog.SeverityInfo)
		if exec.Status != penny.ExecCompleted {
			rec.SetSeverity(otellog.SeverityWarn)
		}
		rec.SetBody(otellog.StringValue("tool execution finished"))
		rec.AddAttributes(
			otellog.String("tool.name", exec.ToolName),
			otellog.String("tool.status", string(exec.Status)),
			otellog.String("tenant.id", exec.TenantID),
			otellog.Int64("tool.duration_ms", exec.DurationMs),
			otellog.Int("tool.retries", exec.Retries),
		)
		if exec.Error != "" {
			rec.AddAttributes(otellog.String("tool.error", exec.Error))
		}
		inst.Logger.Emit(ctx, rec)
	}
}

// SubscribeExecutionEvents attaches the handler to every execution event.
func SubscribeExecutionEvents(registry *penny.Registry, inst *Instruments) {
	h := ExecutionEvents(inst)
	for _, ev := range []penny.RegistryEvent{
		penny.EventQueued,
		penny.EventRunning,
		penny.EventRetrying,
		penny.EventCompleted,
		penny.EventFailed,
		penny.EventTimeout,
		penny.EventCancelled,
	} {
		registry.Subscribe(ev, h)
	}
}
