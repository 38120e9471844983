package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pennylabs/penny"
)

// ObservedProcessor wraps a penny.Processor to emit a parent span per
// processed message. Inner operations (LLM calls, tool executions) become
// child spans via context propagation.
type ObservedProcessor struct {
	inner *penny.Processor
	inst  *Instruments
}

// WrapProcessor returns an instrumented processor.
func WrapProcessor(inner *penny.Processor, inst *Instruments) *ObservedProcessor {
	return &ObservedProcessor{inner: inner, inst: inst}
}

// Process runs the inner processor under a request.process span.
func (o *ObservedProcessor) Process(ctx context.Context, tenant penny.Tenant, principal penny.Principal, userMsg penny.Message, opts penny.ProcessOptions, ch chan<- penny.Chunk) (penny.Message, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "request.process", trace.WithAttributes(
		AttrTenantID.String(tenant.ID),
		AttrLLMModel.String(opts.Model),
	))
	defer span.End()
	start := time.Now()

	span.AddEvent("request.started")

	assistant, err := o.inner.Process(ctx, tenant, principal, userMsg, opts, ch)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	switch {
	case err != nil && penny.CodeOf(err) == penny.CodeCancelled:
		status = "cancelled"
		span.AddEvent("request.cancelled")
		span.SetStatus(codes.Error, "cancelled")
	case err != nil:
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	default:
		span.AddEvent("request.completed")
	}

	span.SetAttributes(AttrRequestStatus.String(status))

	o.inst.Requests.Add(ctx, 1, metric.WithAttributes(
		AttrTenantID.String(tenant.ID),
		AttrRequestStatus.String(status),
	))
	o.inst.ProcessDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrTenantID.String(tenant.ID),
	))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("message processed"))
	rec.AddAttributes(
		otellog.String("tenant.id", tenant.ID),
		otellog.String("conversation.id", userMsg.ConversationID),
		otellog.String("request.status", status),
		otellog.Float64("duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return assistant, err
}
