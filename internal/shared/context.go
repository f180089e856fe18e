package shared

import "context"

// Caller is the minimal identity established by the credential stage.
type Caller struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
}

type callerContextKey struct{}

// ContextWithCaller stores the authenticated caller in context.
func ContextWithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// CallerFromContext extracts the authenticated caller from context.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	caller, ok := ctx.Value(callerContextKey{}).(Caller)
	return caller, ok
}
