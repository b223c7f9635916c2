package auth

import "context"

type contextKey struct{}

// ContextWithToken stashes a transport-level bearer token. Tool and resource
// handlers fall back to it when a request carries no explicit token.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, token)
}

// TokenFromContext returns the bearer token stashed by the transport layer,
// or "" when the connection carried none.
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(contextKey{}).(string)
	return token
}
