package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for devsync spans and metrics.
var (
	AttrTaskID      = attribute.Key("devsync.task.id")
	AttrTaskStatus  = attribute.Key("devsync.task.status")
	AttrAction      = attribute.Key("devsync.action")
	AttrStateKey    = attribute.Key("devsync.state.key")
	AttrLockKey     = attribute.Key("devsync.lock.key")
	AttrMessageType = attribute.Key("devsync.ws.message_type")
	AttrOperation   = attribute.Key("devsync.http.operation")
	AttrInstanceID  = attribute.Key("devsync.instance.id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call to the backend.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
