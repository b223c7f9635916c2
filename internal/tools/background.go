package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hivemux/hivemux/internal/models"
	"github.com/hivemux/hivemux/internal/supervisor"
)

// backgroundCapability tags agents launched through the background tools so
// list_background_agents can find them.
const backgroundCapability = "background"

// backgroundAgentTools launch and enumerate unattended agents. Background
// agents take their prompt immediately instead of waiting out the runtime
// startup delay, because nothing interactive watches them boot.
func (r *Registry) backgroundAgentTools() []Tool {
	return []Tool{
		{
			Category: CategoryBackgroundAgents,
			Def: mcp.NewTool("launch_background_agent",
				mcp.WithDescription("Launch an unattended agent from a template. Monitors watch the fleet and report; workers poll for assigned tasks. Admin only."),
				mcp.WithString("agent_id",
					mcp.Required(),
					mcp.Description("Unique agent identifier, e.g. bg-monitor"),
				),
				mcp.WithString("template",
					mcp.Description("Boot prompt template: monitor or worker (default worker)"),
				),
				mcp.WithArray("capabilities",
					mcp.Description("Extra capability tags beyond the background marker"),
				),
				mcp.WithString("working_directory",
					mcp.Description("Directory the agent session starts in"),
				),
				mcp.WithString("prompt",
					mcp.Description("Extra instructions appended to the template prompt"),
				),
				tokenParam,
			),
			Handler: r.launchBackgroundHandler(),
		},
		{
			Category: CategoryBackgroundAgents,
			Def: mcp.NewTool("list_background_agents",
				mcp.WithDescription("List agents launched through launch_background_agent."),
				tokenParam,
			),
			Handler: r.listBackgroundHandler(),
		},
	}
}

func (r *Registry) launchBackgroundHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := r.requireAdmin(ctx, req); err != nil {
			return errResult(err)
		}
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		template := req.GetString("template", supervisor.TemplateWorker)
		if template != supervisor.TemplateMonitor && template != supervisor.TemplateWorker {
			return errResult(models.Validationf("unknown agent template %q", template))
		}
		capabilities := append(req.GetStringSlice("capabilities", nil), backgroundCapability, template)
		agent, err := r.deps.Supervisor.CreateAgent(ctx, supervisor.CreateAgentParams{
			ID:               agentID,
			Capabilities:     capabilities,
			WorkingDirectory: req.GetString("working_directory", ""),
			Prompt:           req.GetString("prompt", ""),
			Template:         template,
			Background:       true,
		})
		if err != nil {
			return errResult(err)
		}
		return textResult(map[string]interface{}{
			"agent":        agent,
			"token":        agent.Token,
			"tmux_session": agent.TmuxSession,
			"template":     template,
		}), nil
	}
}

func (r *Registry) listBackgroundHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if _, _, err := r.caller(ctx, req); err != nil {
			return errResult(err)
		}
		agents, err := r.deps.Store.ListAgents(ctx, false)
		if err != nil {
			return errResult(err)
		}
		background := make([]*models.Agent, 0, len(agents))
		for _, a := range agents {
			for _, c := range a.Capabilities {
				if c == backgroundCapability {
					background = append(background, a)
					break
				}
			}
		}
		return textResult(map[string]interface{}{
			"count":  len(background),
			"agents": background,
		}), nil
	}
}
