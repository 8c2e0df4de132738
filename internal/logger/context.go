package logger

import "context"

// contextKey is a private type to prevent collisions with other context keys.
type contextKey struct{}

// dispatchIDKey is the context key for the dispatch ID, the identifier of
// one dispatcher invocation as it flows through the loop and adapters.
var dispatchIDKey = contextKey{}

// WithDispatchID returns a new context with the given dispatch ID stored.
func WithDispatchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, dispatchIDKey, id)
}

// DispatchID extracts the dispatch ID from the context.
// Returns an empty string if no dispatch ID is set.
func DispatchID(ctx context.Context) string {
	id, _ := ctx.Value(dispatchIDKey).(string)
	return id
}
