package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by spans and metrics.
var (
	AttrThreadID = attribute.Key("taskbridge.thread.id")
	AttrTaskID   = attribute.Key("taskbridge.task.id")
	AttrListID   = attribute.Key("taskbridge.list.id")
	AttrAction   = attribute.Key("taskbridge.action")
	AttrPageID   = attribute.Key("taskbridge.page.id")
	AttrReason   = attribute.Key("taskbridge.reason")
	AttrOutcome  = attribute.Key("taskbridge.outcome")
	AttrHTTPPath = attribute.Key("taskbridge.http.path")
)

func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway action.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound task service call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
