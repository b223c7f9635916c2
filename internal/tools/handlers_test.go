package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemux/hivemux/internal/common/config"
	"github.com/hivemux/hivemux/internal/models"
)

func TestProjectContextRoundtrip(t *testing.T) {
	reg, env := newTestRegistry(t, config.ToolsConfig{Mode: "full"})

	entry := call(t, reg, "set_project_context", map[string]interface{}{
		"token":       env.agentToken,
		"key":         "api_design",
		"value":       map[string]interface{}{"style": "rest", "auth": "bearer"},
		"description": "Agreed API conventions",
	})
	assert.Equal(t, "api_design", entry["key"])
	assert.Equal(t, env.agentID, entry["updated_by"])

	fetched := call(t, reg, "get_project_context", map[string]interface{}{
		"token": env.agentToken,
		"key":   "api_design",
	})
	value := fetched["value"].(map[string]interface{})
	assert.Equal(t, "rest", value["style"])

	listed := call(t, reg, "list_project_context", map[string]interface{}{
		"token": env.agentToken,
	})
	assert.EqualValues(t, 1, listed["count"])
}

func TestSetProjectContextRequiresValue(t *testing.T) {
	reg, env := newTestRegistry(t, config.ToolsConfig{Mode: "full"})

	msg := callErr(t, reg, "set_project_context", map[string]interface{}{
		"token": env.agentToken,
		"key":   "incomplete",
	})
	assert.Contains(t, msg, "value is required")
}

func TestArchiveProjectContext(t *testing.T) {
	reg, env := newTestRegistry(t, config.ToolsConfig{Mode: "full"})

	call(t, reg, "set_project_context", map[string]interface{}{
		"token": env.agentToken,
		"key":   "stale_plan",
		"value": "use websockets everywhere",
	})
	out := call(t, reg, "archive_project_context", map[string]interface{}{
		"token": env.adminToken,
		"key":   "stale_plan",
	})
	archivedKey := out["archived_key"].(string)
	assert.True(t, strings.HasPrefix(archivedKey, models.ArchivedContextPrefix+"stale_plan"))

	// The original key is gone; the archived copy is listable.
	msg := callErr(t, reg, "get_project_context", map[string]interface{}{
		"token": env.agentToken,
		"key":   "stale_plan",
	})
	assert.Contains(t, msg, "stale_plan")

	listed := call(t, reg, "list_project_context", map[string]interface{}{
		"token":            env.agentToken,
		"include_archived": true,
	})
	assert.EqualValues(t, 1, listed["count"])
}

func TestFileMetadataClaims(t *testing.T) {
	reg, env := newTestRegistry(t, config.ToolsConfig{Mode: "full"})

	unclaimed := call(t, reg, "check_file_status", map[string]interface{}{
		"token":    env.agentToken,
		"filepath": "internal/auth/auth.go",
	})
	assert.Equal(t, "unclaimed", unclaimed["status"])

	call(t, reg, "update_file_metadata", map[string]interface{}{
		"token":        env.agentToken,
		"filepath":     "internal/auth/auth.go",
		"metadata":     map[string]interface{}{"purpose": "token auth"},
		"content_hash": "abc123",
	})

	mine := call(t, reg, "check_file_status", map[string]interface{}{
		"token":    env.agentToken,
		"filepath": "internal/auth/auth.go",
	})
	assert.Equal(t, "yours", mine["status"])

	theirs := call(t, reg, "check_file_status", map[string]interface{}{
		"token":    env.adminToken,
		"filepath": "internal/auth/auth.go",
	})
	assert.Equal(t, "claimed", theirs["status"])
	assert.Equal(t, env.agentID, theirs["owner"])
	assert.Equal(t, "abc123", theirs["content_hash"])

	record := call(t, reg, "get_file_metadata", map[string]interface{}{
		"token":    env.adminToken,
		"filepath": "internal/auth/auth.go",
	})
	metadata := record["metadata"].(map[string]interface{})
	assert.Equal(t, "token auth", metadata["purpose"])
}

func TestSendAndReceiveMessages(t *testing.T) {
	reg, env := newTestRegistry(t, config.ToolsConfig{Mode: "full"})

	sent := call(t, reg, "send_agent_message", map[string]interface{}{
		"token":        env.agentToken,
		"recipient_id": "admin",
		"content":      "Tests are green.",
		"priority":     "high",
	})
	assert.Equal(t, env.agentID, sent["sender_id"])
	assert.Equal(t, "admin", sent["recipient_id"])

	inbox := call(t, reg, "get_agent_messages", map[string]interface{}{
		"token": env.adminToken,
	})
	assert.EqualValues(t, 1, inbox["count"])
	first := inbox["messages"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "Tests are green.", first["content"])

	// Marked read by the fetch above.
	unread := call(t, reg, "get_agent_messages", map[string]interface{}{
		"token":       env.adminToken,
		"unread_only": true,
	})
	assert.EqualValues(t, 0, unread["count"])
}

func TestSendMessageValidation(t *testing.T) {
	reg, env := newTestRegistry(t, config.ToolsConfig{Mode: "full"})

	msg := callErr(t, reg, "send_agent_message", map[string]interface{}{
		"token":        env.agentToken,
		"recipient_id": "ghost",
		"content":      "anyone there?",
	})
	assert.Contains(t, msg, "ghost")

	msg = callErr(t, reg, "send_agent_message", map[string]interface{}{
		"token":        env.agentToken,
		"recipient_id": "admin",
		"content":      "x",
		"priority":     "urgent",
	})
	assert.Contains(t, msg, "invalid priority")
}

func TestBroadcastAdminMessage(t *testing.T) {
	reg, env := newTestRegistry(t, config.ToolsConfig{Mode: "full"})

	msg := callErr(t, reg, "broadcast_admin_message", map[string]interface{}{
		"token":   env.agentToken,
		"content": "not allowed",
	})
	assert.Contains(t, msg, "admin token required")

	out := call(t, reg, "broadcast_admin_message", map[string]interface{}{
		"token":   env.adminToken,
		"content": "Deploy freeze until tomorrow.",
	})
	assert.EqualValues(t, 1, out["recipients"])

	inbox := call(t, reg, "get_agent_messages", map[string]interface{}{
		"token": env.agentToken,
	})
	assert.EqualValues(t, 1, inbox["count"])
	first := inbox["messages"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "broadcast", first["message_type"])
}

func TestSessionStateRoundtrip(t *testing.T) {
	reg, env := newTestRegistry(t, config.ToolsConfig{Mode: "full"})

	ctx := ContextWithSessionID(context.Background(), "mcp-session-1")
	res, err := reg.Execute(ctx, "save_session_state", map[string]interface{}{
		"token":       env.agentToken,
		"key":         "current_plan",
		"value":       map[string]interface{}{"step": 3},
		"ttl_seconds": 300,
	})
	require.NoError(t, err)
	var saved map[string]interface{}
	resultJSON(t, res, &saved)
	assert.Equal(t, "mcp-session-1", saved["session_id"])
	assert.NotNil(t, saved["expires_at"])

	fetched := call(t, reg, "get_session_state", map[string]interface{}{
		"token": env.agentToken,
		"key":   "current_plan",
	})
	value := fetched["state_value"].(map[string]interface{})
	assert.EqualValues(t, 3, value["step"])

	all := call(t, reg, "get_session_state", map[string]interface{}{
		"token": env.agentToken,
	})
	assert.EqualValues(t, 1, all["count"])

	cleared := call(t, reg, "clear_session_state", map[string]interface{}{
		"token": env.agentToken,
		"key":   "current_plan",
	})
	assert.EqualValues(t, 1, cleared["cleared"])

	msg := callErr(t, reg, "get_session_state", map[string]interface{}{
		"token": env.agentToken,
		"key":   "current_plan",
	})
	assert.Contains(t, msg, "current_plan")
}

func TestSaveSessionStateRequiresValue(t *testing.T) {
	reg, env := newTestRegistry(t, config.ToolsConfig{Mode: "full"})

	msg := callErr(t, reg, "save_session_state", map[string]interface{}{
		"token": env.agentToken,
		"key":   "notes",
	})
	assert.Contains(t, msg, "value is required")
}

func TestAssistanceLifecycle(t *testing.T) {
	reg, env := newTestRegistry(t, config.ToolsConfig{Mode: "full"})

	call(t, reg, "create_task", map[string]interface{}{
		"token": env.adminToken, "title": "Stuck work", "task_id": "stuck-1",
	})
	out := call(t, reg, "request_assistance", map[string]interface{}{
		"token":       env.agentToken,
		"description": "The migration fails on the third step.",
		"task_id":     "stuck-1",
	})
	request := out["request"].(map[string]interface{})
	requestID := request["request_id"].(string)
	require.NotEmpty(t, requestID)
	adminTaskID := out["admin_task_id"].(string)

	// The escalation shows up as a high-priority child task for the admin.
	adminTask := call(t, reg, "get_task", map[string]interface{}{
		"token": env.adminToken, "task_id": adminTaskID,
	})
	assert.Equal(t, "high", adminTask["priority"])
	assert.Equal(t, "admin", adminTask["assigned_to"])
	assert.Equal(t, "stuck-1", adminTask["parent_task"])

	// And as a message in the admin inbox.
	inbox := call(t, reg, "get_agent_messages", map[string]interface{}{
		"token": env.adminToken,
	})
	assert.EqualValues(t, 1, inbox["count"])

	pending := call(t, reg, "list_assistance_requests", map[string]interface{}{
		"token": env.adminToken,
	})
	assert.EqualValues(t, 1, pending["count"])

	resolved := call(t, reg, "resolve_assistance", map[string]interface{}{
		"token":      env.adminToken,
		"request_id": requestID,
		"resolution": "Run the migrations with --single-transaction.",
	})
	assert.Equal(t, "resolved", resolved["status"])

	// The requester hears back.
	agentInbox := call(t, reg, "get_agent_messages", map[string]interface{}{
		"token": env.agentToken,
	})
	assert.EqualValues(t, 1, agentInbox["count"])
	first := agentInbox["messages"].([]interface{})[0].(map[string]interface{})
	assert.Contains(t, first["content"], "single-transaction")

	nonePending := call(t, reg, "list_assistance_requests", map[string]interface{}{
		"token": env.adminToken,
	})
	assert.EqualValues(t, 0, nonePending["count"])

	msg := callErr(t, reg, "resolve_assistance", map[string]interface{}{
		"token":      env.adminToken,
		"request_id": requestID,
		"resolution": "again",
	})
	assert.Contains(t, msg, "already resolved")
}

func TestAssistanceToolsRequireAdminForQueue(t *testing.T) {
	reg, env := newTestRegistry(t, config.ToolsConfig{Mode: "full"})

	msg := callErr(t, reg, "list_assistance_requests", map[string]interface{}{
		"token": env.agentToken,
	})
	assert.Contains(t, msg, "admin token required")

	msg = callErr(t, reg, "resolve_assistance", map[string]interface{}{
		"token":      env.agentToken,
		"request_id": "x",
		"resolution": "y",
	})
	assert.Contains(t, msg, "admin token required")
}
