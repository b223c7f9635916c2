package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hivemux/hivemux/internal/supervisor"
)

// tokenParam is accepted by every authenticated tool. Connections that carry
// an Authorization header may omit it.
var tokenParam = mcp.WithString("token",
	mcp.Description("Bearer token identifying the caller. Optional when the connection carries an Authorization header."),
)

// agentManagementTools are the admin-only fleet operations.
func (r *Registry) agentManagementTools() []Tool {
	return []Tool{
		{
			Category: CategoryAgentManagement,
			Def: mcp.NewTool("create_agent",
				mcp.WithDescription("Create an agent: store its record, mint its bearer token, and launch a tmux session with the runtime attached. Admin only."),
				mcp.WithString("agent_id",
					mcp.Required(),
					mcp.Description("Unique agent identifier, e.g. worker-1"),
				),
				mcp.WithArray("capabilities",
					mcp.Description("Capability tags used for task routing, e.g. [\"go\", \"review\"]"),
				),
				mcp.WithString("working_directory",
					mcp.Description("Directory the agent session starts in (defaults to the project directory)"),
				),
				mcp.WithString("prompt",
					mcp.Description("Extra instructions appended to the boot prompt"),
				),
				tokenParam,
			),
			Handler: r.createAgentHandler(),
		},
		{
			Category: CategoryAgentManagement,
			Def: mcp.NewTool("terminate_agent",
				mcp.WithDescription("Terminate an agent: mark it terminated, kill its tmux session, and revoke its token. Admin only."),
				mcp.WithString("agent_id",
					mcp.Required(),
					mcp.Description("The agent to terminate"),
				),
				tokenParam,
			),
			Handler: r.terminateAgentHandler(),
		},
		{
			Category: CategoryAgentManagement,
			Def: mcp.NewTool("list_agents",
				mcp.WithDescription("List agents with status, capabilities, and current task. Admin only."),
				mcp.WithBoolean("include_terminated",
					mcp.Description("Include terminated agents (default false)"),
				),
				tokenParam,
			),
			Handler: r.listAgentsHandler(),
		},
		{
			Category: CategoryAgentManagement,
			Def: mcp.NewTool("get_agent_status",
				mcp.WithDescription("Fetch one agent's record plus a capture of its tmux pane when available. Admin only."),
				mcp.WithString("agent_id",
					mcp.Required(),
					mcp.Description("The agent to inspect"),
				),
				tokenParam,
			),
			Handler: r.agentStatusHandler(),
		},
		{
			Category: CategoryAgentManagement,
			Def: mcp.NewTool("relaunch_agent",
				mcp.WithDescription("Restart an agent's runtime, reusing its tmux session when it survived. Admin only."),
				mcp.WithString("agent_id",
					mcp.Required(),
					mcp.Description("The agent to relaunch"),
				),
				tokenParam,
			),
			Handler: r.relaunchAgentHandler(),
		},
	}
}

func (r *Registry) createAgentHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := r.requireAdmin(ctx, req); err != nil {
			return errResult(err)
		}
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		agent, err := r.deps.Supervisor.CreateAgent(ctx, supervisor.CreateAgentParams{
			ID:               agentID,
			Capabilities:     req.GetStringSlice("capabilities", nil),
			WorkingDirectory: req.GetString("working_directory", ""),
			Prompt:           req.GetString("prompt", ""),
		})
		if err != nil {
			return errResult(err)
		}
		// The token never appears in the agent's JSON form. Surface it once
		// here so the admin can hand it to an externally managed runtime.
		return textResult(map[string]interface{}{
			"agent":        agent,
			"token":        agent.Token,
			"tmux_session": agent.TmuxSession,
		}), nil
	}
}

func (r *Registry) terminateAgentHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := r.requireAdmin(ctx, req); err != nil {
			return errResult(err)
		}
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := r.deps.Supervisor.TerminateAgent(ctx, agentID); err != nil {
			return errResult(err)
		}
		return textResult(map[string]interface{}{
			"agent_id": agentID,
			"status":   "terminated",
		}), nil
	}
}

func (r *Registry) listAgentsHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := r.requireAdmin(ctx, req); err != nil {
			return errResult(err)
		}
		agents, err := r.deps.Store.ListAgents(ctx, req.GetBool("include_terminated", false))
		if err != nil {
			return errResult(err)
		}
		return textResult(map[string]interface{}{
			"count":  len(agents),
			"agents": agents,
		}), nil
	}
}

func (r *Registry) agentStatusHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := r.requireAdmin(ctx, req); err != nil {
			return errResult(err)
		}
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		agent, err := r.deps.Store.GetAgent(ctx, agentID)
		if err != nil {
			return errResult(err)
		}
		report := map[string]interface{}{"agent": agent}
		// A pane capture is best effort: the session may be gone or tmux
		// unavailable, and the record is still worth returning.
		if r.deps.Tmux != nil && agent.TmuxSession != "" {
			if pane, capErr := r.deps.Tmux.CapturePane(ctx, agent.TmuxSession, 40); capErr == nil {
				report["pane"] = pane
			}
		}
		return textResult(report), nil
	}
}

func (r *Registry) relaunchAgentHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := r.requireAdmin(ctx, req); err != nil {
			return errResult(err)
		}
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		agent, err := r.deps.Supervisor.RelaunchAgent(ctx, agentID)
		if err != nil {
			return errResult(err)
		}
		return textResult(map[string]interface{}{
			"agent":        agent,
			"tmux_session": agent.TmuxSession,
		}), nil
	}
}
