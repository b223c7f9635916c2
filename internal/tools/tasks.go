package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hivemux/hivemux/internal/events"
	"github.com/hivemux/hivemux/internal/models"
	"github.com/hivemux/hivemux/internal/store"
)

// taskManagementTools cover the task lifecycle. Any authenticated caller may
// use them; agents normally touch only their own assignments, but that is a
// convention, not an enforcement point.
func (r *Registry) taskManagementTools() []Tool {
	return []Tool{
		{
			Category: CategoryTaskManagement,
			Def: mcp.NewTool("create_task",
				mcp.WithDescription("Create a task, optionally assigning it to an agent in the same call."),
				mcp.WithString("title",
					mcp.Required(),
					mcp.Description("Short task title"),
				),
				mcp.WithString("description",
					mcp.Description("Full task description; agents read this as their work order"),
				),
				mcp.WithString("priority",
					mcp.Description("low, medium, or high (default medium)"),
				),
				mcp.WithString("parent_task",
					mcp.Description("Parent task id for subtasks"),
				),
				mcp.WithArray("depends_on",
					mcp.Description("Task ids that must complete before this one starts"),
				),
				mcp.WithString("assigned_to",
					mcp.Description("Agent to assign the task to immediately"),
				),
				mcp.WithString("task_id",
					mcp.Description("Explicit task id; omit to generate one"),
				),
				tokenParam,
			),
			Handler: r.createTaskHandler(),
		},
		{
			Category: CategoryTaskManagement,
			Def: mcp.NewTool("assign_task",
				mcp.WithDescription("Assign a task to an agent: sets the assignee, moves the task to pending, and updates the agent's current task."),
				mcp.WithString("task_id", mcp.Required(), mcp.Description("The task to assign")),
				mcp.WithString("agent_id", mcp.Required(), mcp.Description("The agent receiving the task")),
				tokenParam,
			),
			Handler: r.assignTaskHandler(),
		},
		{
			Category: CategoryTaskManagement,
			Def: mcp.NewTool("get_task",
				mcp.WithDescription("Fetch one task with its dependencies and notes."),
				mcp.WithString("task_id", mcp.Required(), mcp.Description("The task to fetch")),
				tokenParam,
			),
			Handler: r.getTaskHandler(),
		},
		{
			Category: CategoryTaskManagement,
			Def: mcp.NewTool("list_tasks",
				mcp.WithDescription("List tasks, oldest first, filtered by any combination of status, assignee, creator, and parent."),
				mcp.WithString("status", mcp.Description("Filter: created, pending, in_progress, completed, cancelled, or failed")),
				mcp.WithString("assigned_to", mcp.Description("Filter: agent id the task is assigned to")),
				mcp.WithString("created_by", mcp.Description("Filter: actor that created the task")),
				mcp.WithString("parent_task", mcp.Description("Filter: parent task id")),
				tokenParam,
			),
			Handler: r.listTasksHandler(),
		},
		{
			Category: CategoryTaskManagement,
			Def: mcp.NewTool("list_agent_tasks",
				mcp.WithDescription("List every task an agent is assigned to or has acted on, oldest first."),
				mcp.WithString("agent_id", mcp.Description("Agent to report on; omit for the calling agent")),
				tokenParam,
			),
			Handler: r.listAgentTasksHandler(),
		},
		{
			Category: CategoryTaskManagement,
			Def: mcp.NewTool("update_task_status",
				mcp.WithDescription("Move a task to a new status. Completed, cancelled, and failed are terminal. Setting completed triggers validation of the work."),
				mcp.WithString("task_id", mcp.Required(), mcp.Description("The task to update")),
				mcp.WithString("status", mcp.Required(), mcp.Description("New status: created, pending, in_progress, completed, cancelled, or failed")),
				tokenParam,
			),
			Handler: r.updateTaskStatusHandler(),
		},
		{
			Category: CategoryTaskManagement,
			Def: mcp.NewTool("complete_task",
				mcp.WithDescription("Mark a task completed. A testing agent is spawned afterwards to audit the work."),
				mcp.WithString("task_id", mcp.Required(), mcp.Description("The task to complete")),
				tokenParam,
			),
			Handler: r.completeTaskHandler(),
		},
		{
			Category: CategoryTaskManagement,
			Def: mcp.NewTool("add_task_note",
				mcp.WithDescription("Append a note to a task's ordered note log."),
				mcp.WithString("task_id", mcp.Required(), mcp.Description("The task to annotate")),
				mcp.WithString("content", mcp.Required(), mcp.Description("Note text")),
				tokenParam,
			),
			Handler: r.addTaskNoteHandler(),
		},
		{
			Category: CategoryTaskManagement,
			Def: mcp.NewTool("delete_task",
				mcp.WithDescription("Delete a task. Subtasks are detached, not deleted."),
				mcp.WithString("task_id", mcp.Required(), mcp.Description("The task to delete")),
				tokenParam,
			),
			Handler: r.deleteTaskHandler(),
		},
	}
}

func (r *Registry) createTaskHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		actor, _, err := r.caller(ctx, req)
		if err != nil {
			return errResult(err)
		}
		title, err := req.RequireString("title")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		priority := models.TaskPriority(req.GetString("priority", string(models.TaskPriorityMedium)))
		if !models.ValidTaskPriority(priority) {
			return errResult(models.Validationf("invalid priority %q", priority))
		}

		task := &models.Task{
			ID:          req.GetString("task_id", ""),
			Title:       title,
			Description: req.GetString("description", ""),
			CreatedBy:   actor,
			Priority:    priority,
			DependsOn:   req.GetStringSlice("depends_on", nil),
		}
		if parent := req.GetString("parent_task", ""); parent != "" {
			task.ParentTask = &parent
		}
		if err := r.deps.Store.CreateTask(ctx, task); err != nil {
			return errResult(err)
		}

		r.recordAction(ctx, actor, "create_task", &task.ID, map[string]interface{}{
			"title":    task.Title,
			"priority": string(task.Priority),
		})
		r.publish(ctx, events.TaskCreated, map[string]interface{}{
			"task_id":    task.ID,
			"title":      task.Title,
			"created_by": actor,
		})

		if assignee := req.GetString("assigned_to", ""); assignee != "" {
			assigned, err := r.deps.Supervisor.AssignTask(ctx, task.ID, assignee, actor)
			if err != nil {
				// The task exists; report the assignment problem without
				// pretending the create failed.
				return textResult(map[string]interface{}{
					"task":             task,
					"assignment_error": err.Error(),
				}), nil
			}
			task = assigned
		}
		return textResult(task), nil
	}
}

func (r *Registry) assignTaskHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		actor, _, err := r.caller(ctx, req)
		if err != nil {
			return errResult(err)
		}
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		task, err := r.deps.Supervisor.AssignTask(ctx, taskID, agentID, actor)
		if err != nil {
			return errResult(err)
		}
		return textResult(task), nil
	}
}

func (r *Registry) getTaskHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if _, _, err := r.caller(ctx, req); err != nil {
			return errResult(err)
		}
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		task, err := r.deps.Store.GetTask(ctx, taskID)
		if err != nil {
			return errResult(err)
		}
		return textResult(task), nil
	}
}

func (r *Registry) listTasksHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if _, _, err := r.caller(ctx, req); err != nil {
			return errResult(err)
		}
		filter := store.TaskFilter{
			AssignedTo: req.GetString("assigned_to", ""),
			CreatedBy:  req.GetString("created_by", ""),
			ParentTask: req.GetString("parent_task", ""),
		}
		if status := req.GetString("status", ""); status != "" {
			st := models.TaskStatus(status)
			if !models.ValidTaskStatus(st) {
				return errResult(models.Validationf("invalid task status %q", status))
			}
			filter.Status = st
		}
		tasks, err := r.deps.Store.ListTasks(ctx, filter)
		if err != nil {
			return errResult(err)
		}
		return textResult(map[string]interface{}{
			"count": len(tasks),
			"tasks": tasks,
		}), nil
	}
}

func (r *Registry) listAgentTasksHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		actor, _, err := r.caller(ctx, req)
		if err != nil {
			return errResult(err)
		}
		agentID := req.GetString("agent_id", "")
		if agentID == "" {
			agentID = actor
		}
		tasks, err := r.deps.Store.ListTasksForAgent(ctx, agentID)
		if err != nil {
			return errResult(err)
		}
		return textResult(map[string]interface{}{
			"agent_id": models.CanonicalActor(agentID),
			"count":    len(tasks),
			"tasks":    tasks,
		}), nil
	}
}

func (r *Registry) updateTaskStatusHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		actor, _, err := r.caller(ctx, req)
		if err != nil {
			return errResult(err)
		}
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		statusArg, err := req.RequireString("status")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		status := models.TaskStatus(statusArg)
		if !models.ValidTaskStatus(status) {
			return errResult(models.Validationf("invalid task status %q", statusArg))
		}

		// Completion runs the full completion path so the work gets audited.
		if status == models.TaskStatusCompleted {
			task, err := r.deps.Supervisor.CompleteTask(ctx, taskID, actor)
			if err != nil {
				return errResult(err)
			}
			return textResult(task), nil
		}

		task, err := r.deps.Store.UpdateTaskStatus(ctx, taskID, status)
		if err != nil {
			return errResult(err)
		}
		r.recordAction(ctx, actor, "update_task_status", &taskID, map[string]interface{}{
			"status": string(status),
		})
		r.publish(ctx, events.TaskStatusChanged, map[string]interface{}{
			"task_id": taskID,
			"status":  string(status),
			"actor":   actor,
		})
		return textResult(task), nil
	}
}

func (r *Registry) completeTaskHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		actor, _, err := r.caller(ctx, req)
		if err != nil {
			return errResult(err)
		}
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		task, err := r.deps.Supervisor.CompleteTask(ctx, taskID, actor)
		if err != nil {
			return errResult(err)
		}
		return textResult(task), nil
	}
}

func (r *Registry) addTaskNoteHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		actor, _, err := r.caller(ctx, req)
		if err != nil {
			return errResult(err)
		}
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		note, err := r.deps.Store.AddTaskNote(ctx, taskID, actor, content)
		if err != nil {
			return errResult(err)
		}
		r.recordAction(ctx, actor, "add_task_note", &taskID, nil)
		r.publish(ctx, events.TaskNoteAdded, map[string]interface{}{
			"task_id": taskID,
			"author":  actor,
		})
		return textResult(note), nil
	}
}

func (r *Registry) deleteTaskHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		actor, _, err := r.caller(ctx, req)
		if err != nil {
			return errResult(err)
		}
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := r.deps.Store.DeleteTask(ctx, taskID); err != nil {
			return errResult(err)
		}
		r.recordAction(ctx, actor, "delete_task", &taskID, nil)
		r.publish(ctx, events.TaskDeleted, map[string]interface{}{
			"task_id": taskID,
			"actor":   actor,
		})
		return textResult(map[string]interface{}{
			"task_id": taskID,
			"deleted": true,
		}), nil
	}
}
