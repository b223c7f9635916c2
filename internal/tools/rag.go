package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// ragTools expose the retrieval index. They are only cataloged when an
// embedding endpoint is configured; see New.
func (r *Registry) ragTools() []Tool {
	return []Tool{
		{
			Category: CategoryRAG,
			Def: mcp.NewTool("ask_project_rag",
				mcp.WithDescription("Search indexed project knowledge by semantic similarity."),
				mcp.WithString("query", mcp.Required(), mcp.Description("Natural-language question or search phrase")),
				mcp.WithNumber("top_k", mcp.Description("Maximum results to return (default 5)")),
				tokenParam,
			),
			Handler: r.askRAGHandler(),
		},
		{
			Category: CategoryRAG,
			Def: mcp.NewTool("index_project_context",
				mcp.WithDescription("Add a knowledge snippet to the retrieval index so future searches can find it."),
				mcp.WithString("content", mcp.Required(), mcp.Description("The text to index")),
				mcp.WithString("id", mcp.Description("Document id; re-using an id replaces the document")),
				mcp.WithObject("metadata", mcp.Description("String-valued metadata, e.g. {\"topic\": \"auth\"}")),
				tokenParam,
			),
			Handler: r.indexRAGHandler(),
		},
	}
}

func (r *Registry) askRAGHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if _, _, err := r.caller(ctx, req); err != nil {
			return errResult(err)
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		results, err := r.deps.RAG.Query(ctx, query, req.GetInt("top_k", 0))
		if err != nil {
			return errResult(err)
		}
		return textResult(map[string]interface{}{
			"count":   len(results),
			"results": results,
		}), nil
	}
}

func (r *Registry) indexRAGHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		actor, _, err := r.caller(ctx, req)
		if err != nil {
			return errResult(err)
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		metadata := map[string]string{"indexed_by": actor}
		if obj, ok := req.GetArguments()["metadata"].(map[string]interface{}); ok {
			for k, v := range obj {
				metadata[k] = fmt.Sprintf("%v", v)
			}
		}
		id, err := r.deps.RAG.Add(ctx, req.GetString("id", ""), content, metadata)
		if err != nil {
			return errResult(err)
		}
		r.recordAction(ctx, actor, "index_project_context", nil, map[string]interface{}{"document_id": id})
		return textResult(map[string]interface{}{
			"document_id": id,
			"documents":   r.deps.RAG.Count(),
		}), nil
	}
}
