package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new span with the given name and attributes
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// SpanFromContext returns the current span from context
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// SetSpanError marks the span as errored
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Common attribute keys for vbrowserpool spans
var (
	AttrPoolID     = attribute.Key("vbrowserpool.pool.id")
	AttrVMID       = attribute.Key("vbrowserpool.vm.id")
	AttrRoomID     = attribute.Key("vbrowserpool.room.id")
	AttrState      = attribute.Key("vbrowserpool.vm.state")
	AttrRequestID  = attribute.Key("vbrowserpool.request_id")
	AttrDurationMs = attribute.Key("vbrowserpool.duration_ms")
	AttrWarm       = attribute.Key("vbrowserpool.warm_lease")
)
