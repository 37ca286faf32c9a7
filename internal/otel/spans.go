package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for agentbox spans and metric points.
var (
	AttrProject     = attribute.Key("agentbox.project")
	AttrEnvironment = attribute.Key("agentbox.environment")
	AttrSandbox     = attribute.Key("agentbox.sandbox")
	AttrTool        = attribute.Key("agentbox.tool")
	AttrStatus      = attribute.Key("agentbox.status")
	AttrConnID      = attribute.Key("agentbox.conn.id")
	AttrDirection   = attribute.Key("agentbox.direction")
	AttrRoute       = attribute.Key("agentbox.route")
)

// EnvAttrs is the attribute pair every environment-scoped span carries.
func EnvAttrs(project, env string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrProject.String(project), AttrEnvironment.String(env)}
}

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (docker engine, git remote).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// RecordError marks span as failed when err is non-nil.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
