// Package requestctx carries request-scoped identity through contexts.
package requestctx

import "context"

// CorrelationHeader is the HTTP header that carries the correlation ID
// between clients, the orchestrator, and collaborator services.
const CorrelationHeader = "X-Correlation-ID"

// correlationIDContextKey is the context key for the request correlation ID.
type correlationIDContextKey struct{}

// WithCorrelationID stores a correlation identifier in context.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, correlationIDContextKey{}, correlationID)
}

// CorrelationIDFromContext returns the correlation identifier stored in context.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(correlationIDContextKey{}).(string)
	return value
}
