package observability

import "context"

// GetTraceID returns the current trace id as a string, or "" when the
// context carries no recording span. The public API's assignment-failure
// log line attaches it so a span in the trace backend can be joined
// against the controller's logs.
func GetTraceID(ctx context.Context) string {
	span := SpanFromContext(ctx)
	if !span.SpanContext().HasTraceID() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// GetSpanID returns the current span id as a string, or "" when the
// context carries no recording span.
func GetSpanID(ctx context.Context) string {
	span := SpanFromContext(ctx)
	if !span.SpanContext().HasSpanID() {
		return ""
	}
	return span.SpanContext().SpanID().String()
}
