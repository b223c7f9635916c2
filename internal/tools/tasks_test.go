package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemux/hivemux/internal/common/config"
	"github.com/hivemux/hivemux/internal/models"
)

func TestCreateTaskAndGetTask(t *testing.T) {
	reg, env := newTestRegistry(t, config.ToolsConfig{Mode: "full"})

	created := call(t, reg, "create_task", map[string]interface{}{
		"token":       env.agentToken,
		"title":       "Wire the auth middleware",
		"description": "Bearer tokens on every route.",
		"priority":    "high",
	})
	taskID := created["task_id"].(string)
	require.NotEmpty(t, taskID)
	assert.Equal(t, "worker-1", created["created_by"])
	assert.Equal(t, "created", created["status"])
	assert.Equal(t, "high", created["priority"])

	fetched := call(t, reg, "get_task", map[string]interface{}{
		"token":   env.agentToken,
		"task_id": taskID,
	})
	assert.Equal(t, "Wire the auth middleware", fetched["title"])
}

func TestCreateTaskHonorsExplicitIDAndParent(t *testing.T) {
	reg, env := newTestRegistry(t, config.ToolsConfig{Mode: "full"})

	call(t, reg, "create_task", map[string]interface{}{
		"token":   env.adminToken,
		"title":   "Epic",
		"task_id": "epic-1",
	})
	sub := call(t, reg, "create_task", map[string]interface{}{
		"token":       env.adminToken,
		"title":       "Subtask",
		"task_id":     "epic-1-a",
		"parent_task": "epic-1",
	})
	assert.Equal(t, "epic-1-a", sub["task_id"])
	assert.Equal(t, "epic-1", sub["parent_task"])

	msg := callErr(t, reg, "create_task", map[string]interface{}{
		"token":       env.adminToken,
		"title":       "Orphan",
		"parent_task": "missing-parent",
	})
	assert.Contains(t, msg, "missing-parent")
}

func TestCreateTaskValidation(t *testing.T) {
	reg, env := newTestRegistry(t, config.ToolsConfig{Mode: "full"})

	res, err := reg.Execute(context.Background(), "create_task", map[string]interface{}{
		"token": env.agentToken,
	})
	require.NoError(t, err)
	assert.True(t, res.IsError, "title is required")

	msg := callErr(t, reg, "create_task", map[string]interface{}{
		"token":    env.agentToken,
		"title":    "x",
		"priority": "urgent",
	})
	assert.Contains(t, msg, "invalid priority")
}

func TestCreateTaskWithImmediateAssignment(t *testing.T) {
	reg, env := newTestRegistry(t, config.ToolsConfig{Mode: "full"})

	created := call(t, reg, "create_task", map[string]interface{}{
		"token":       env.adminToken,
		"title":       "Build the parser",
		"assigned_to": env.agentID,
	})
	assert.Equal(t, env.agentID, created["assigned_to"])
	assert.Equal(t, "pending", created["status"])

	agent, err := env.store.GetAgent(context.Background(), env.agentID)
	require.NoError(t, err)
	require.NotNil(t, agent.CurrentTask)
	assert.Equal(t, created["task_id"], *agent.CurrentTask)
}

func TestCreateTaskReportsAssignmentProblemSeparately(t *testing.T) {
	reg, env := newTestRegistry(t, config.ToolsConfig{Mode: "full"})

	out := call(t, reg, "create_task", map[string]interface{}{
		"token":       env.adminToken,
		"title":       "Unroutable",
		"assigned_to": "nobody-here",
	})
	// The task was created even though the assignee does not exist.
	task := out["task"].(map[string]interface{})
	assert.NotEmpty(t, task["task_id"])
	assert.Contains(t, out["assignment_error"], "nobody-here")
}

func TestAssignTaskAndListFilters(t *testing.T) {
	reg, env := newTestRegistry(t, config.ToolsConfig{Mode: "full"})

	call(t, reg, "create_task", map[string]interface{}{
		"token": env.adminToken, "title": "A", "task_id": "task-a",
	})
	call(t, reg, "create_task", map[string]interface{}{
		"token": env.adminToken, "title": "B", "task_id": "task-b",
	})

	assigned := call(t, reg, "assign_task", map[string]interface{}{
		"token": env.adminToken, "task_id": "task-a", "agent_id": env.agentID,
	})
	assert.Equal(t, "pending", assigned["status"])

	mine := call(t, reg, "list_tasks", map[string]interface{}{
		"token": env.agentToken, "assigned_to": env.agentID,
	})
	assert.EqualValues(t, 1, mine["count"])

	pending := call(t, reg, "list_tasks", map[string]interface{}{
		"token": env.agentToken, "status": "pending",
	})
	assert.EqualValues(t, 1, pending["count"])

	msg := callErr(t, reg, "list_tasks", map[string]interface{}{
		"token": env.agentToken, "status": "someday",
	})
	assert.Contains(t, msg, "invalid task status")
}

func TestUpdateTaskStatus(t *testing.T) {
	reg, env := newTestRegistry(t, config.ToolsConfig{Mode: "full"})

	call(t, reg, "create_task", map[string]interface{}{
		"token": env.adminToken, "title": "C", "task_id": "task-c",
	})
	updated := call(t, reg, "update_task_status", map[string]interface{}{
		"token": env.agentToken, "task_id": "task-c", "status": "in_progress",
	})
	assert.Equal(t, "in_progress", updated["status"])

	msg := callErr(t, reg, "update_task_status", map[string]interface{}{
		"token": env.agentToken, "task_id": "task-c", "status": "paused",
	})
	assert.Contains(t, msg, "invalid task status")
}

func TestUpdateTaskStatusToCompletedRunsCompletion(t *testing.T) {
	reg, env := newTestRegistry(t, config.ToolsConfig{Mode: "full"})

	call(t, reg, "create_task", map[string]interface{}{
		"token": env.adminToken, "title": "D", "task_id": "task-d",
	})
	done := call(t, reg, "update_task_status", map[string]interface{}{
		"token": env.agentToken, "task_id": "task-d", "status": "completed",
	})
	assert.Equal(t, "completed", done["status"])

	// The completion path records who completed it.
	actions, err := env.store.ListActionsSince(context.Background(), time.Now().Add(-time.Minute), 50)
	require.NoError(t, err)
	var seen bool
	for _, a := range actions {
		if a.Action == "complete_task" && a.AgentID == env.agentID {
			seen = true
		}
	}
	assert.True(t, seen, "complete_task action not recorded")
}

func TestCompleteTaskTerminalConflict(t *testing.T) {
	reg, env := newTestRegistry(t, config.ToolsConfig{Mode: "full"})

	call(t, reg, "create_task", map[string]interface{}{
		"token": env.adminToken, "title": "E", "task_id": "task-e",
	})
	call(t, reg, "complete_task", map[string]interface{}{
		"token": env.agentToken, "task_id": "task-e",
	})
	msg := callErr(t, reg, "update_task_status", map[string]interface{}{
		"token": env.agentToken, "task_id": "task-e", "status": "in_progress",
	})
	assert.Contains(t, msg, "already completed")
}

func TestAddTaskNote(t *testing.T) {
	reg, env := newTestRegistry(t, config.ToolsConfig{Mode: "full"})

	call(t, reg, "create_task", map[string]interface{}{
		"token": env.adminToken, "title": "F", "task_id": "task-f",
	})
	note := call(t, reg, "add_task_note", map[string]interface{}{
		"token": env.agentToken, "task_id": "task-f", "content": "Halfway done.",
	})
	assert.Equal(t, "Halfway done.", note["content"])
	assert.Equal(t, env.agentID, note["author"])

	fetched := call(t, reg, "get_task", map[string]interface{}{
		"token": env.agentToken, "task_id": "task-f",
	})
	notes := fetched["notes"].([]interface{})
	require.Len(t, notes, 1)
}

func TestDeleteTask(t *testing.T) {
	reg, env := newTestRegistry(t, config.ToolsConfig{Mode: "full"})

	call(t, reg, "create_task", map[string]interface{}{
		"token": env.adminToken, "title": "G", "task_id": "task-g",
	})
	out := call(t, reg, "delete_task", map[string]interface{}{
		"token": env.adminToken, "task_id": "task-g",
	})
	assert.Equal(t, true, out["deleted"])

	msg := callErr(t, reg, "get_task", map[string]interface{}{
		"token": env.adminToken, "task_id": "task-g",
	})
	assert.Contains(t, msg, "task-g")

	_, err := env.store.GetTask(context.Background(), "task-g")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
