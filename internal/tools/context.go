package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hivemux/hivemux/internal/auth"
	"github.com/hivemux/hivemux/internal/models"
)

type sessionKey struct{}

// ContextWithSessionID records the MCP session the request arrived on.
func ContextWithSessionID(ctx context.Context, sid string) context.Context {
	if sid == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey{}, sid)
}

// SessionIDFromContext returns the MCP session id for the request, or "".
func SessionIDFromContext(ctx context.Context) string {
	sid, _ := ctx.Value(sessionKey{}).(string)
	return sid
}

// caller resolves the requester's identity. The token argument wins over the
// transport-level bearer token so one connection can act for several
// identities; operator clients pass agent tokens this way when driving an
// agent by hand.
func (r *Registry) caller(ctx context.Context, req mcp.CallToolRequest) (actorID string, isAdmin bool, err error) {
	token := req.GetString("token", "")
	if token == "" {
		token = auth.TokenFromContext(ctx)
	}
	return r.deps.Auth.Identify(token)
}

// requireAdmin identifies the caller and rejects non-admin tokens.
func (r *Registry) requireAdmin(ctx context.Context, req mcp.CallToolRequest) error {
	_, isAdmin, err := r.caller(ctx, req)
	if err != nil {
		return err
	}
	if !isAdmin {
		return models.Authf("admin token required")
	}
	return nil
}
