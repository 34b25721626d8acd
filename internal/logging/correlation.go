package logging

import (
	"context"

	"go.uber.org/zap"
)

type contextKey string

const correlationIDContextKey contextKey = "correlation_id"

// WithCorrelationID returns a child context carrying the correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDContextKey, id)
}

// CorrelationID returns the correlation id carried by ctx, or "" if none.
func CorrelationID(ctx context.Context) string {
	value, _ := ctx.Value(correlationIDContextKey).(string)
	return value
}

// FromContext scopes base to the context's correlation id so every line logged
// while processing the request carries it. Contexts without one (the worker
// loop, startup) get base unchanged.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if id := CorrelationID(ctx); id != "" {
		return base.With("correlation_id", id)
	}
	return base
}
