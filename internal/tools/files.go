package tools

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hivemux/hivemux/internal/events"
	"github.com/hivemux/hivemux/internal/models"
)

// fileManagementTools track which agent touched which file. Agents use the
// claim report to avoid stepping on each other's edits.
func (r *Registry) fileManagementTools() []Tool {
	return []Tool{
		{
			Category: CategoryFileManagement,
			Def: mcp.NewTool("update_file_metadata",
				mcp.WithDescription("Record metadata for a file you modified: purpose, exports, content hash. Marks you as the most recent editor."),
				mcp.WithString("filepath", mcp.Required(), mcp.Description("Repository-relative file path")),
				mcp.WithObject("metadata", mcp.Description("Arbitrary metadata object, e.g. {\"purpose\": \"auth middleware\"}")),
				mcp.WithString("content_hash", mcp.Description("Hash of the file contents after the edit")),
				tokenParam,
			),
			Handler: r.updateFileMetadataHandler(),
		},
		{
			Category: CategoryFileManagement,
			Def: mcp.NewTool("get_file_metadata",
				mcp.WithDescription("Read the recorded metadata for one file."),
				mcp.WithString("filepath", mcp.Required(), mcp.Description("Repository-relative file path")),
				tokenParam,
			),
			Handler: r.getFileMetadataHandler(),
		},
		{
			Category: CategoryFileManagement,
			Def: mcp.NewTool("check_file_status",
				mcp.WithDescription("Check whether a file is already claimed by another agent before editing it."),
				mcp.WithString("filepath", mcp.Required(), mcp.Description("Repository-relative file path")),
				tokenParam,
			),
			Handler: r.checkFileStatusHandler(),
		},
	}
}

func (r *Registry) updateFileMetadataHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		actor, _, err := r.caller(ctx, req)
		if err != nil {
			return errResult(err)
		}
		path, err := req.RequireString("filepath")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		metadata, _ := req.GetArguments()["metadata"].(map[string]interface{})

		record, err := r.deps.Store.UpsertFileMetadata(ctx, path, metadata, req.GetString("content_hash", ""), actor)
		if err != nil {
			return errResult(err)
		}
		r.recordAction(ctx, actor, "update_file_metadata", nil, map[string]interface{}{"filepath": path})
		r.publish(ctx, events.FileMetadataUpdated, map[string]interface{}{
			"filepath":   path,
			"updated_by": actor,
		})
		return textResult(record), nil
	}
}

func (r *Registry) getFileMetadataHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if _, _, err := r.caller(ctx, req); err != nil {
			return errResult(err)
		}
		path, err := req.RequireString("filepath")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		record, err := r.deps.Store.GetFileMetadata(ctx, path)
		if err != nil {
			return errResult(err)
		}
		return textResult(record), nil
	}
}

func (r *Registry) checkFileStatusHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		actor, _, err := r.caller(ctx, req)
		if err != nil {
			return errResult(err)
		}
		path, err := req.RequireString("filepath")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		record, err := r.deps.Store.GetFileMetadata(ctx, path)
		switch {
		case errors.Is(err, models.ErrNotFound):
			return textResult(map[string]interface{}{
				"filepath": path,
				"status":   "unclaimed",
			}), nil
		case err != nil:
			return errResult(err)
		}

		status := "claimed"
		if models.CanonicalActor(record.UpdatedBy) == models.CanonicalActor(actor) {
			status = "yours"
		}
		return textResult(map[string]interface{}{
			"filepath":     path,
			"status":       status,
			"owner":        record.UpdatedBy,
			"last_updated": record.UpdatedAt,
			"content_hash": record.ContentHash,
		}), nil
	}
}
