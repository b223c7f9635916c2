package tools

import (
	"context"
	"runtime"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hivemux/hivemux/internal/common/constants"
)

// basicTools is the always-on category: liveness, fleet statistics, and
// category introspection. None of these require a token.
func (r *Registry) basicTools() []Tool {
	return []Tool{
		{
			Category: CategoryBasic,
			Def: mcp.NewTool("health_check",
				mcp.WithDescription("Check server health: storage reachability, uptime, and entity counts."),
			),
			Handler: r.healthCheckHandler(),
		},
		{
			Category: CategoryBasic,
			Def: mcp.NewTool("get_server_stats",
				mcp.WithDescription("Detailed server statistics: agents, tasks, and sessions by status, recent activity, live connections, and process memory."),
			),
			Handler: r.serverStatsHandler(),
		},
		{
			Category: CategoryBasic,
			Def: mcp.NewTool("list_tool_categories",
				mcp.WithDescription("List every tool category, whether it is enabled, and the tools it contains."),
			),
			Handler: r.listCategoriesHandler(),
		},
	}
}

func (r *Registry) healthCheckHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status, storage := "ok", "ok"
		agents, err := r.deps.Store.CountAgentsByStatus(ctx)
		if err != nil {
			status, storage = "degraded", err.Error()
		}
		tasks, _ := r.deps.Store.CountTasksByStatus(ctx)
		sessions, _ := r.deps.Store.CountSessionsByStatus(ctx)

		return textResult(map[string]interface{}{
			"status":     status,
			"storage":    storage,
			"uptime":     time.Since(r.deps.StartedAt).Round(time.Second).String(),
			"agents":     agents,
			"tasks":      tasks,
			"sessions":   sessions,
			"categories": r.EnabledCategories(),
		}), nil
	}
}

func (r *Registry) serverStatsHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agents, err := r.deps.Store.CountAgentsByStatus(ctx)
		if err != nil {
			return errResult(err)
		}
		tasks, err := r.deps.Store.CountTasksByStatus(ctx)
		if err != nil {
			return errResult(err)
		}
		sessions, err := r.deps.Store.CountSessionsByStatus(ctx)
		if err != nil {
			return errResult(err)
		}
		actions, err := r.deps.Store.CountActionsSince(ctx, time.Now().Add(-constants.AuditWindow))
		if err != nil {
			return errResult(err)
		}
		unread, err := r.deps.Store.CountUnreadMessages(ctx)
		if err != nil {
			return errResult(err)
		}

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		stats := map[string]interface{}{
			"uptime":             time.Since(r.deps.StartedAt).Round(time.Second).String(),
			"agents_by_status":   agents,
			"tasks_by_status":    tasks,
			"sessions_by_status": sessions,
			"actions_last_hour":  actions,
			"unread_messages":    unread,
			"tools_enabled":      len(r.List()),
			"goroutines":         runtime.NumGoroutine(),
			"heap_alloc_bytes":   mem.HeapAlloc,
		}
		if r.deps.Sessions != nil {
			stats["live_connections"] = r.deps.Sessions.ActiveCount()
		}
		return textResult(stats), nil
	}
}

func (r *Registry) listCategoriesHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return textResult(r.Categories()), nil
	}
}
