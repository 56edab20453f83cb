package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for task spans and metrics.
var (
	AttrTaskID      = attribute.Key("powblocs.task.id")
	AttrActionName  = attribute.Key("powblocs.task.action")
	AttrEngine      = attribute.Key("powblocs.sandbox.engine")
	AttrState       = attribute.Key("powblocs.task.state")
	AttrErrorKind   = attribute.Key("powblocs.task.error_kind")
	AttrPermKind    = attribute.Key("powblocs.permission.kind")
	AttrPermAccess  = attribute.Key("powblocs.permission.access")
	AttrPermOutcome = attribute.Key("powblocs.permission.response")
	AttrRPCMethod   = attribute.Key("powblocs.rpc.method")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
