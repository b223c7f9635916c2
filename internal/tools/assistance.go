package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/hivemux/hivemux/internal/events"
	"github.com/hivemux/hivemux/internal/models"
)

// assistanceTools let a stuck agent escalate to the admin and let the admin
// work the queue. A request fans out into three records: the request row,
// a high-priority task assigned to the admin, and a message in the admin's
// inbox.
func (r *Registry) assistanceTools() []Tool {
	return []Tool{
		{
			Category: CategoryAssistanceRequest,
			Def: mcp.NewTool("request_assistance",
				mcp.WithDescription("Ask the admin for help when you are blocked. Creates a high-priority task for the admin and drops a message in their inbox."),
				mcp.WithString("description", mcp.Required(), mcp.Description("What you are blocked on and what you already tried")),
				mcp.WithString("task_id", mcp.Description("The task you are blocked on, if any")),
				tokenParam,
			),
			Handler: r.requestAssistanceHandler(),
		},
		{
			Category: CategoryAssistanceRequest,
			Def: mcp.NewTool("list_assistance_requests",
				mcp.WithDescription("List assistance requests, newest first. Admin only."),
				mcp.WithBoolean("pending_only", mcp.Description("Only return unresolved requests (default true)")),
				tokenParam,
			),
			Handler: r.listAssistanceHandler(),
		},
		{
			Category: CategoryAssistanceRequest,
			Def: mcp.NewTool("resolve_assistance",
				mcp.WithDescription("Resolve an assistance request and message the answer back to the requester. Admin only."),
				mcp.WithString("request_id", mcp.Required(), mcp.Description("The request to resolve")),
				mcp.WithString("resolution", mcp.Required(), mcp.Description("The answer or decision for the blocked agent")),
				tokenParam,
			),
			Handler: r.resolveAssistanceHandler(),
		},
	}
}

func (r *Registry) requestAssistanceHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		actor, _, err := r.caller(ctx, req)
		if err != nil {
			return errResult(err)
		}
		description, err := req.RequireString("description")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		request := &models.AssistanceRequest{
			AgentID: actor,
			Reason:  description,
		}
		var parent *string
		if taskID := req.GetString("task_id", ""); taskID != "" {
			request.TaskID = &taskID
			parent = &taskID
		}
		if err := r.deps.Store.CreateAssistanceRequest(ctx, request); err != nil {
			return errResult(err)
		}

		// The admin works from the task board, so the escalation lands there
		// too. Assigned directly; the admin has no agent row to update.
		adminID := models.AdminID
		task := &models.Task{
			Title:       fmt.Sprintf("Assist %s", actor),
			Description: description,
			CreatedBy:   actor,
			AssignedTo:  &adminID,
			Status:      models.TaskStatusPending,
			Priority:    models.TaskPriorityHigh,
			ParentTask:  parent,
		}
		if err := r.deps.Store.CreateTask(ctx, task); err != nil {
			return errResult(err)
		}

		msg := &models.AgentMessage{
			SenderID:    actor,
			RecipientID: models.AdminID,
			Content:     fmt.Sprintf("Assistance requested by %s: %s", actor, description),
			Type:        models.MessageTypeAssistance,
			Priority:    models.MessagePriorityHigh,
		}
		if err := r.deps.Store.InsertMessage(ctx, msg); err != nil {
			return errResult(err)
		}

		r.recordAction(ctx, actor, "request_assistance", request.TaskID, map[string]interface{}{
			"request_id":    request.ID,
			"admin_task_id": task.ID,
		})
		r.publish(ctx, events.AssistanceRequested, map[string]interface{}{
			"request_id": request.ID,
			"agent_id":   actor,
			"task_id":    task.ID,
		})
		return textResult(map[string]interface{}{
			"request":       request,
			"admin_task_id": task.ID,
		}), nil
	}
}

func (r *Registry) listAssistanceHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := r.requireAdmin(ctx, req); err != nil {
			return errResult(err)
		}
		requests, err := r.deps.Store.ListAssistanceRequests(ctx, req.GetBool("pending_only", true))
		if err != nil {
			return errResult(err)
		}
		return textResult(map[string]interface{}{
			"count":    len(requests),
			"requests": requests,
		}), nil
	}
}

func (r *Registry) resolveAssistanceHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := r.requireAdmin(ctx, req); err != nil {
			return errResult(err)
		}
		requestID, err := req.RequireString("request_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		resolution, err := req.RequireString("resolution")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		request, err := r.deps.Store.GetAssistanceRequest(ctx, requestID)
		if err != nil {
			return errResult(err)
		}
		if err := r.deps.Store.ResolveAssistanceRequest(ctx, requestID, resolution); err != nil {
			return errResult(err)
		}

		// Route the answer back to the requester's inbox.
		msg := &models.AgentMessage{
			SenderID:    models.AdminID,
			RecipientID: request.AgentID,
			Content:     fmt.Sprintf("Your assistance request was resolved: %s", resolution),
			Type:        models.MessageTypeAssistance,
			Priority:    models.MessagePriorityNormal,
		}
		if err := r.deps.Store.InsertMessage(ctx, msg); err != nil {
			r.logger.Warn("Could not message assistance resolution", zap.Error(err))
		}

		r.recordAction(ctx, models.AdminID, "resolve_assistance", request.TaskID, map[string]interface{}{
			"request_id": requestID,
		})
		r.publish(ctx, events.AssistanceResolved, map[string]interface{}{
			"request_id": requestID,
			"agent_id":   request.AgentID,
		})
		return textResult(map[string]interface{}{
			"request_id": requestID,
			"status":     string(models.AssistanceResolved),
		}), nil
	}
}
