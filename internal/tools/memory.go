package tools

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hivemux/hivemux/internal/events"
	"github.com/hivemux/hivemux/internal/models"
)

// memoryTools read and write the shared project context: durable knowledge
// agents leave behind for each other (API designs, decisions, findings).
func (r *Registry) memoryTools() []Tool {
	return []Tool{
		{
			Category: CategoryMemory,
			Def: mcp.NewTool("set_project_context",
				mcp.WithDescription("Write a project context entry. Last writer wins; the value may be any JSON shape."),
				mcp.WithString("key", mcp.Required(), mcp.Description("Context key, e.g. api_design")),
				mcp.WithObject("value", mcp.Description("The value to store; any JSON value is accepted")),
				mcp.WithString("description", mcp.Description("One-line summary of what the entry holds")),
				tokenParam,
			),
			Handler: r.setContextHandler(),
		},
		{
			Category: CategoryMemory,
			Def: mcp.NewTool("get_project_context",
				mcp.WithDescription("Read one project context entry by key."),
				mcp.WithString("key", mcp.Required(), mcp.Description("Context key to read")),
				tokenParam,
			),
			Handler: r.getContextHandler(),
		},
		{
			Category: CategoryMemory,
			Def: mcp.NewTool("list_project_context",
				mcp.WithDescription("List project context entries, most recently updated first."),
				mcp.WithBoolean("include_archived", mcp.Description("Include archived entries (default false)")),
				tokenParam,
			),
			Handler: r.listContextHandler(),
		},
		{
			Category: CategoryMemory,
			Def: mcp.NewTool("archive_project_context",
				mcp.WithDescription("Archive a context entry: the value moves under an archived key and the original is removed, atomically."),
				mcp.WithString("key", mcp.Required(), mcp.Description("Context key to archive")),
				tokenParam,
			),
			Handler: r.archiveContextHandler(),
		},
	}
}

func (r *Registry) setContextHandler() server.ToolHandlerFunc {
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

		entry, err := r.deps.Store.UpsertContext(ctx, key, value, req.GetString("description", ""), actor)
		if err != nil {
			return errResult(err)
		}
		r.recordAction(ctx, actor, "set_project_context", nil, map[string]interface{}{"key": key})
		r.publish(ctx, events.ContextUpdated, map[string]interface{}{
			"key":        key,
			"updated_by": actor,
		})
		return textResult(entry), nil
	}
}

func (r *Registry) getContextHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if _, _, err := r.caller(ctx, req); err != nil {
			return errResult(err)
		}
		key, err := req.RequireString("key")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		entry, err := r.deps.Store.GetContext(ctx, key)
		if err != nil {
			return errResult(err)
		}
		return textResult(entry), nil
	}
}

func (r *Registry) listContextHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if _, _, err := r.caller(ctx, req); err != nil {
			return errResult(err)
		}
		entries, err := r.deps.Store.ListContext(ctx, req.GetBool("include_archived", false))
		if err != nil {
			return errResult(err)
		}
		return textResult(map[string]interface{}{
			"count":   len(entries),
			"entries": entries,
		}), nil
	}
}

func (r *Registry) archiveContextHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		actor, _, err := r.caller(ctx, req)
		if err != nil {
			return errResult(err)
		}
		key, err := req.RequireString("key")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		archivedKey, err := r.deps.Store.ArchiveContext(ctx, key, actor)
		if err != nil {
			return errResult(err)
		}
		r.recordAction(ctx, actor, "archive_project_context", nil, map[string]interface{}{
			"key":          key,
			"archived_key": archivedKey,
		})
		r.publish(ctx, events.ContextArchived, map[string]interface{}{
			"key":          key,
			"archived_key": archivedKey,
			"archived_by":  actor,
		})
		return textResult(map[string]interface{}{
			"key":          key,
			"archived_key": archivedKey,
		}), nil
	}
}
