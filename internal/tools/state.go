package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hivemux/hivemux/internal/models"
)

// sessionStateTools persist per-agent scratch state across disconnects, so a
// recovered agent can pick up where it stopped.
func (r *Registry) sessionStateTools() []Tool {
	return []Tool{
		{
			Category: CategorySessionState,
			Def: mcp.NewTool("save_session_state",
				mcp.WithDescription("Save a keyed state value for yourself. Survives disconnects; optional TTL."),
				mcp.WithString("key", mcp.Required(), mcp.Description("State key, e.g. current_plan")),
				mcp.WithObject("value", mcp.Description("The value to store; any JSON value is accepted")),
				mcp.WithNumber("ttl_seconds", mcp.Description("Seconds until the entry expires; omit for no expiry")),
				tokenParam,
			),
			Handler: r.saveStateHandler(),
		},
		{
			Category: CategorySessionState,
			Def: mcp.NewTool("get_session_state",
				mcp.WithDescription("Read your saved state: one entry by key, or every live entry when key is omitted."),
				mcp.WithString("key", mcp.Description("State key; omit to list all")),
				tokenParam,
			),
			Handler: r.getStateHandler(),
		},
		{
			Category: CategorySessionState,
			Def: mcp.NewTool("clear_session_state",
				mcp.WithDescription("Delete your saved state: one entry by key, or everything when key is omitted."),
				mcp.WithString("key", mcp.Description("State key; omit to clear all")),
				tokenParam,
			),
			Handler: r.clearStateHandler(),
		},
	}
}

func (r *Registry) saveStateHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		actor, _, err := r.caller(ctx, req)
		if err != nil {
			return errResult(err)
		}
		key, err := req.RequireString("key")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		raw, ok := req.GetArguments()["value"]
		if !ok {
			return errResult(models.Validationf("value is required"))
		}
		value, err := json.Marshal(raw)
		if err != nil {
			return errResult(models.Validationf("value is not serializable: %v", err))
		}

		state := &models.SessionState{
			AgentID:   actor,
			SessionID: SessionIDFromContext(ctx),
			Key:       key,
			Value:     value,
		}
		if ttl := req.GetInt("ttl_seconds", 0); ttl > 0 {
			expires := time.Now().UTC().Add(time.Duration(ttl) * time.Second)
			state.ExpiresAt = &expires
		}
		if err := r.deps.Store.SaveSessionState(ctx, state); err != nil {
			return errResult(err)
		}
		return textResult(state), nil
	}
}

func (r *Registry) getStateHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		actor, _, err := r.caller(ctx, req)
		if err != nil {
			return errResult(err)
		}
		if key := req.GetString("key", ""); key != "" {
			state, err := r.deps.Store.GetSessionState(ctx, actor, key)
			if err != nil {
				return errResult(err)
			}
			return textResult(state), nil
		}
		states, err := r.deps.Store.ListSessionState(ctx, actor)
		if err != nil {
			return errResult(err)
		}
		return textResult(map[string]interface{}{
			"count":   len(states),
			"entries": states,
		}), nil
	}
}

func (r *Registry) clearStateHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		actor, _, err := r.caller(ctx, req)
		if err != nil {
			return errResult(err)
		}
		cleared, err := r.deps.Store.ClearSessionState(ctx, actor, req.GetString("key", ""))
		if err != nil {
			return errResult(err)
		}
		return textResult(map[string]interface{}{
			"cleared": cleared,
		}), nil
	}
}
