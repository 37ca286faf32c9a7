package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type projectKey struct{}
type environmentKey struct{}
type connIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithEnvironment attaches the (project, environment) pair an operation acts on.
func WithEnvironment(ctx context.Context, project, env string) context.Context {
	ctx = context.WithValue(ctx, projectKey{}, project)
	return context.WithValue(ctx, environmentKey{}, env)
}

// Environment extracts the (project, environment) pair. Empty strings if absent.
func Environment(ctx context.Context) (project, env string) {
	project, _ = ctx.Value(projectKey{}).(string)
	env, _ = ctx.Value(environmentKey{}).(string)
	return project, env
}

// WithConnID attaches a streaming connection id to the context.
func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey{}, id)
}

// ConnID extracts the streaming connection id. Returns "" if absent.
func ConnID(ctx context.Context) string {
	if v, ok := ctx.Value(connIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewConnID generates a new connection id.
func NewConnID() string {
	return uuid.NewString()
}
