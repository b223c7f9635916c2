package tools

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemux/hivemux/internal/auth"
	"github.com/hivemux/hivemux/internal/common/config"
	"github.com/hivemux/hivemux/internal/common/logger"
	"github.com/hivemux/hivemux/internal/db"
	"github.com/hivemux/hivemux/internal/events/bus"
	"github.com/hivemux/hivemux/internal/models"
	"github.com/hivemux/hivemux/internal/session"
	"github.com/hivemux/hivemux/internal/store"
	"github.com/hivemux/hivemux/internal/supervisor"
	"github.com/hivemux/hivemux/internal/tmux"
)

// stubRunner satisfies tmux.Runner; every command succeeds silently.
type stubRunner struct{}

func (stubRunner) Run(context.Context, ...string) (string, string, error) { return "", "", nil }

type testEnv struct {
	store      *store.Store
	auth       *auth.Authenticator
	adminToken string
	agentID    string
	agentToken string
}

// newTestRegistry wires a registry against a throwaway database, a no-op
// tmux runner, and an in-memory bus. One worker agent is pre-registered so
// tests have a non-admin identity to call with.
func newTestRegistry(t *testing.T, cfg config.ToolsConfig) (*Registry, *testEnv) {
	t.Helper()
	ctx := context.Background()

	pool, err := db.Open(filepath.Join(t.TempDir(), "hivemux.db"), 5000)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	st, err := store.New(pool, log)
	require.NoError(t, err)

	authn := auth.New(st, log)
	require.NoError(t, authn.Bootstrap(ctx, "hivemux-admin-1234"))

	memBus := bus.NewMemoryEventBus(log)
	tm := tmux.NewWithRunner(config.TmuxConfig{Enabled: true, CommandTimeoutSeconds: 5}, log, stubRunner{})

	appCfg := &config.Config{
		Server:  config.ServerConfig{Host: "127.0.0.1", Port: 8765},
		Tmux:    config.TmuxConfig{Enabled: true, CommandTimeoutSeconds: 5},
		Project: config.ProjectConfig{Dir: filepath.Join(t.TempDir(), "project")},
	}
	sup, err := supervisor.New(st, authn, tm, memBus, appCfg, log)
	require.NoError(t, err)
	t.Cleanup(sup.Shutdown)

	reg, err := New(Deps{
		Store:      st,
		Auth:       authn,
		Supervisor: sup,
		Sessions:   session.NewManager(st, memBus, config.SessionConfig{}, log),
		Tmux:       tm,
		Bus:        memBus,
		Logger:     log,
		StartedAt:  time.Now(),
	}, cfg)
	require.NoError(t, err)

	token, err := authn.MintToken()
	require.NoError(t, err)
	agent := &models.Agent{ID: "worker-1", Token: token, Capabilities: []string{"code"}}
	require.NoError(t, st.CreateAgent(ctx, agent))
	authn.Register(agent.ID, token)

	return reg, &testEnv{
		store:      st,
		auth:       authn,
		adminToken: authn.AdminToken(),
		agentID:    agent.ID,
		agentToken: token,
	}
}

// resultText unpacks the first text content item of a tool result.
func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return text.Text
}

// resultJSON unmarshals a JSON tool result into out.
func resultJSON(t *testing.T, res *mcp.CallToolResult, out interface{}) {
	t.Helper()
	require.False(t, res.IsError, "tool failed: %s", resultText(t, res))
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), out))
}

// call dispatches a tool and requires a non-error result.
func call(t *testing.T, reg *Registry, name string, args map[string]interface{}) map[string]interface{} {
	t.Helper()
	res, err := reg.Execute(context.Background(), name, args)
	require.NoError(t, err)
	var out map[string]interface{}
	resultJSON(t, res, &out)
	return out
}

// callErr dispatches a tool and requires an in-band error result.
func callErr(t *testing.T, reg *Registry, name string, args map[string]interface{}) string {
	t.Helper()
	res, err := reg.Execute(context.Background(), name, args)
	require.NoError(t, err)
	require.True(t, res.IsError, "expected tool error")
	return resultText(t, res)
}

func TestModeCategorySets(t *testing.T) {
	cases := []struct {
		mode string
		want []string
	}{
		{"minimal", []string{CategoryBasic}},
		{"memoryRag", []string{CategoryBasic, CategoryFileManagement, CategoryMemory}},
		{"background", []string{CategoryAgentCommunication, CategoryBackgroundAgents, CategoryBasic, CategorySessionState, CategoryTaskManagement}},
	}
	for _, tc := range cases {
		t.Run(tc.mode, func(t *testing.T) {
			reg, _ := newTestRegistry(t, config.ToolsConfig{Mode: tc.mode})
			// rag drops out everywhere: no index is configured.
			assert.Equal(t, tc.want, reg.EnabledCategories())
		})
	}
}

func TestFullModeEnablesEverythingButRAG(t *testing.T) {
	reg, _ := newTestRegistry(t, config.ToolsConfig{Mode: "full"})

	enabled := reg.EnabledCategories()
	assert.NotContains(t, enabled, CategoryRAG)
	assert.Len(t, enabled, len(allCategories)-1)

	names := make(map[string]bool)
	for _, def := range reg.List() {
		names[def.Name] = true
	}
	for _, name := range []string{
		"health_check", "get_server_stats", "list_tool_categories",
		"create_agent", "terminate_agent", "list_agents", "get_agent_status", "relaunch_agent",
		"create_task", "assign_task", "get_task", "list_tasks",
		"update_task_status", "complete_task", "add_task_note", "delete_task",
		"set_project_context", "get_project_context", "list_project_context", "archive_project_context",
		"update_file_metadata", "get_file_metadata", "check_file_status",
		"send_agent_message", "get_agent_messages", "broadcast_admin_message",
		"save_session_state", "get_session_state", "clear_session_state",
		"request_assistance", "list_assistance_requests", "resolve_assistance",
		"launch_background_agent", "list_background_agents",
	} {
		assert.True(t, names[name], "missing tool %s", name)
	}
	assert.False(t, names["ask_project_rag"], "rag tools need an index")
}

func TestExplicitCategoriesOverrideMode(t *testing.T) {
	reg, _ := newTestRegistry(t, config.ToolsConfig{
		Mode:       "full",
		Categories: []string{CategoryTaskManagement},
	})
	assert.Equal(t, []string{CategoryBasic, CategoryTaskManagement}, reg.EnabledCategories())
}

func TestExecuteUnknownOrDisabledTool(t *testing.T) {
	reg, _ := newTestRegistry(t, config.ToolsConfig{Mode: "minimal"})

	_, err := reg.Execute(context.Background(), "no_such_tool", nil)
	assert.True(t, errors.Is(err, models.ErrNotFound))

	// create_task exists in the catalog but its category is off.
	_, err = reg.Execute(context.Background(), "create_task", map[string]interface{}{"title": "x"})
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestUpdateConfiguration(t *testing.T) {
	reg, _ := newTestRegistry(t, config.ToolsConfig{Mode: "minimal"})

	update, err := reg.UpdateConfiguration([]string{CategoryBasic, CategoryTaskManagement, "bogus"})
	require.NoError(t, err)
	assert.Contains(t, update.Added, "create_task")
	assert.Empty(t, update.Removed)
	assert.Equal(t, []string{CategoryBasic, CategoryTaskManagement}, update.Categories)
	require.Len(t, update.Errors, 1)
	assert.Contains(t, update.Errors[0], "bogus")

	// The addition is live immediately.
	_, err = reg.Execute(context.Background(), "list_tasks", map[string]interface{}{"token": reg.deps.Auth.AdminToken()})
	assert.NoError(t, err)

	update, err = reg.UpdateConfiguration([]string{CategoryBasic})
	require.NoError(t, err)
	assert.Contains(t, update.Removed, "create_task")

	_, err = reg.Execute(context.Background(), "create_task", map[string]interface{}{"title": "x"})
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestUpdateConfigurationKeepsBasic(t *testing.T) {
	reg, _ := newTestRegistry(t, config.ToolsConfig{Mode: "full"})

	_, err := reg.UpdateConfiguration([]string{CategoryTaskManagement})
	assert.True(t, errors.Is(err, models.ErrValidation))

	// RAG cannot be enabled without an index; the rest applies.
	update, err := reg.UpdateConfiguration([]string{CategoryBasic, CategoryRAG})
	require.NoError(t, err)
	assert.Equal(t, []string{CategoryBasic}, update.Categories)
	require.Len(t, update.Errors, 1)
	assert.Contains(t, update.Errors[0], "rag")
}

func TestHealthCheckNeedsNoToken(t *testing.T) {
	reg, _ := newTestRegistry(t, config.ToolsConfig{Mode: "minimal"})

	report := call(t, reg, "health_check", nil)
	assert.Equal(t, "ok", report["status"])
	assert.Equal(t, "ok", report["storage"])
	assert.NotEmpty(t, report["uptime"])
}

func TestGetServerStats(t *testing.T) {
	reg, env := newTestRegistry(t, config.ToolsConfig{Mode: "full"})

	stats := call(t, reg, "get_server_stats", map[string]interface{}{"token": env.agentToken})
	agents := stats["agents_by_status"].(map[string]interface{})
	assert.EqualValues(t, 1, agents["created"])
	assert.NotNil(t, stats["tasks_by_status"])
	assert.EqualValues(t, 0, stats["live_connections"])
	assert.Greater(t, stats["tools_enabled"].(float64), float64(30))
}

func TestListToolCategories(t *testing.T) {
	reg, _ := newTestRegistry(t, config.ToolsConfig{Mode: "minimal"})

	res, err := reg.Execute(context.Background(), "list_tool_categories", nil)
	require.NoError(t, err)
	var categories []CategoryStatus
	resultJSON(t, res, &categories)

	byName := make(map[string]CategoryStatus)
	for _, c := range categories {
		byName[c.Name] = c
	}
	assert.True(t, byName[CategoryBasic].Enabled)
	assert.False(t, byName[CategoryTaskManagement].Enabled)
	assert.Contains(t, byName[CategoryTaskManagement].Tools, "complete_task")
	_, hasRAG := byName[CategoryRAG]
	assert.False(t, hasRAG, "rag is not cataloged without an index")
}

func TestCallerTokenResolution(t *testing.T) {
	reg, env := newTestRegistry(t, config.ToolsConfig{Mode: "full"})

	// No token anywhere: rejected.
	msg := callErr(t, reg, "list_tasks", nil)
	assert.Contains(t, msg, "token required")

	// Transport-level bearer token identifies the caller.
	ctx := auth.ContextWithToken(context.Background(), env.agentToken)
	res, err := reg.Execute(ctx, "get_agent_messages", nil)
	require.NoError(t, err)
	assert.False(t, res.IsError)

	// The token argument wins over the transport token.
	res, err = reg.Execute(ctx, "list_agents", map[string]interface{}{"token": env.adminToken})
	require.NoError(t, err)
	assert.False(t, res.IsError, "argument token should grant admin")

	// Agent tokens cannot use admin tools.
	msg = callErr(t, reg, "list_agents", map[string]interface{}{"token": env.agentToken})
	assert.Contains(t, msg, "admin token required")
}
