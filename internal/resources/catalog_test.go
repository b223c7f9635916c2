package resources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemux/hivemux/internal/auth"
	"github.com/hivemux/hivemux/internal/common/config"
	"github.com/hivemux/hivemux/internal/common/logger"
	"github.com/hivemux/hivemux/internal/db"
	"github.com/hivemux/hivemux/internal/events"
	"github.com/hivemux/hivemux/internal/events/bus"
	"github.com/hivemux/hivemux/internal/models"
	"github.com/hivemux/hivemux/internal/store"
	"github.com/hivemux/hivemux/internal/tmux"
)

// scriptedRunner fakes a tmux server with one session and one pane.
type scriptedRunner struct{}

func (scriptedRunner) Run(_ context.Context, args ...string) (string, string, error) {
	switch args[0] {
	case "-V":
		return "tmux 3.4", "", nil
	case "list-sessions":
		return "dev-1-1234", "", nil
	case "list-panes":
		return "dev-1-1234|%0|vim|/work/dev-1|1", "", nil
	case "capture-pane":
		return "$ make test\nok", "", nil
	default:
		return "", "", nil
	}
}

type catalogEnv struct {
	store      *store.Store
	auth       *auth.Authenticator
	bus        bus.EventBus
	adminToken string
	agentToken string
}

func newTestCatalog(t *testing.T) (*Catalog, *catalogEnv) {
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
	tm := tmux.NewWithRunner(config.TmuxConfig{Enabled: true, CommandTimeoutSeconds: 5}, log, scriptedRunner{})

	token, err := authn.MintToken()
	require.NoError(t, err)
	agent := &models.Agent{ID: "dev-1", Token: token, Capabilities: []string{"code"}, TmuxSession: "dev-1-1234"}
	require.NoError(t, st.CreateAgent(ctx, agent))
	authn.Register(agent.ID, token)

	cat := New(Deps{Store: st, Auth: authn, Tmux: tm, Bus: memBus, Logger: log})
	t.Cleanup(cat.Close)

	return cat, &catalogEnv{
		store:      st,
		auth:       authn,
		bus:        memBus,
		adminToken: authn.AdminToken(),
		agentToken: token,
	}
}

func uriSet(listing []Resource) map[string]Resource {
	out := make(map[string]Resource, len(listing))
	for _, r := range listing {
		out[r.URI] = r
	}
	return out
}

func registeredURIs(c *Catalog) map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool, len(c.registered))
	for uri := range c.registered {
		out[uri] = true
	}
	return out
}

func TestListingCoversEveryScheme(t *testing.T) {
	cat, env := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, env.store.CreateAgent(ctx, &models.Agent{ID: "old-1", Token: "tok-old"}))
	require.NoError(t, env.store.UpdateAgentStatus(ctx, "old-1", models.AgentStatusTerminated))

	pending := &models.Task{Title: "pending work", CreatedBy: models.AdminID, Status: models.TaskStatusPending}
	require.NoError(t, env.store.CreateTask(ctx, pending))
	inProgress := &models.Task{Title: "active work", CreatedBy: models.AdminID, Status: models.TaskStatusInProgress}
	require.NoError(t, env.store.CreateTask(ctx, inProgress))
	done := &models.Task{Title: "done work", CreatedBy: models.AdminID, Status: models.TaskStatusCompleted}
	require.NoError(t, env.store.CreateTask(ctx, done))
	fresh := &models.Task{Title: "unassigned work", CreatedBy: models.AdminID}
	require.NoError(t, env.store.CreateTask(ctx, fresh))

	listing, err := cat.List(ctx)
	require.NoError(t, err)
	byURI := uriSet(listing)

	for _, kind := range []string{"normal", "background", "monitor", "task"} {
		assert.Contains(t, byURI, SchemeCreate+kind)
	}

	assert.Contains(t, byURI, "token://admin")
	assert.Contains(t, byURI, "token://agent-dev-1")
	assert.NotContains(t, byURI, "token://agent-old-1")

	agentRes, ok := byURI["agent://dev-1"]
	require.True(t, ok)
	assert.Equal(t, "created", agentRes.Annotations["status"])
	assert.Equal(t, "application/json", agentRes.MIMEType)
	assert.NotContains(t, byURI, "agent://old-1")

	assert.Contains(t, byURI, SchemeTask+pending.ID)
	assert.Contains(t, byURI, SchemeTask+inProgress.ID)
	assert.NotContains(t, byURI, SchemeTask+done.ID)
	assert.NotContains(t, byURI, SchemeTask+fresh.ID)

	assert.Contains(t, byURI, "tmux://dev-1-1234")
	pane, ok := byURI["tmux://dev-1-1234:%0"]
	require.True(t, ok)
	assert.Equal(t, "vim", pane.Annotations["command"])
	assert.Equal(t, "text/plain", pane.MIMEType)
}

func TestOpenTaskListingNewestFirstAndCapped(t *testing.T) {
	cat, env := newTestCatalog(t)
	ctx := context.Background()

	var lastID string
	for i := 0; i < taskListLimit+5; i++ {
		task := &models.Task{
			Title:     fmt.Sprintf("job %d", i),
			CreatedBy: models.AdminID,
			Status:    models.TaskStatusPending,
		}
		require.NoError(t, env.store.CreateTask(ctx, task))
		lastID = task.ID
	}

	listing, err := cat.List(ctx)
	require.NoError(t, err)

	var taskURIs []string
	for _, r := range listing {
		if strings.HasPrefix(r.URI, SchemeTask) {
			taskURIs = append(taskURIs, r.URI)
		}
	}
	require.Len(t, taskURIs, taskListLimit)
	assert.Equal(t, SchemeTask+lastID, taskURIs[0])
}

func TestReadAgentResource(t *testing.T) {
	cat, _ := newTestCatalog(t)
	ctx := context.Background()

	content, err := cat.Read(ctx, "agent://dev-1")
	require.NoError(t, err)
	assert.Equal(t, "application/json", content.MIMEType)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(content.Text), &decoded))
	assert.Equal(t, "dev-1", decoded["agent_id"])
	assert.NotContains(t, decoded, "token")

	_, err = cat.Read(ctx, "agent://ghost")
	assert.True(t, errors.Is(err, models.ErrNotFound))

	_, err = cat.Read(ctx, "agent://")
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestReadTaskResource(t *testing.T) {
	cat, env := newTestCatalog(t)
	ctx := context.Background()

	task := &models.Task{Title: "inspect me", CreatedBy: models.AdminID, Status: models.TaskStatusPending}
	require.NoError(t, env.store.CreateTask(ctx, task))

	content, err := cat.Read(ctx, SchemeTask+task.ID)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(content.Text), &decoded))
	assert.Equal(t, task.ID, decoded["task_id"])
	assert.Equal(t, "inspect me", decoded["title"])
}

func TestReadTokenMasking(t *testing.T) {
	cat, env := newTestCatalog(t)
	ctx := context.Background()

	decode := func(content *Content) map[string]interface{} {
		var out map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(content.Text), &out))
		return out
	}

	content, err := cat.Read(ctx, "token://admin")
	require.NoError(t, err)
	anon := decode(content)
	assert.Equal(t, true, anon["masked"])
	assert.Equal(t, "…1234", anon["token"])

	content, err = cat.Read(auth.ContextWithToken(ctx, env.agentToken), "token://admin")
	require.NoError(t, err)
	assert.Equal(t, true, decode(content)["masked"])

	adminCtx := auth.ContextWithToken(ctx, env.adminToken)
	content, err = cat.Read(adminCtx, "token://admin")
	require.NoError(t, err)
	unmasked := decode(content)
	assert.Equal(t, false, unmasked["masked"])
	assert.Equal(t, env.adminToken, unmasked["token"])

	content, err = cat.Read(adminCtx, "token://agent-dev-1")
	require.NoError(t, err)
	agentTok := decode(content)
	assert.Equal(t, "dev-1", agentTok["owner"])
	assert.Equal(t, env.agentToken, agentTok["token"])

	_, err = cat.Read(ctx, "token://agent-ghost")
	assert.True(t, errors.Is(err, models.ErrNotFound))

	_, err = cat.Read(ctx, "token://bogus")
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestReadPaneCapture(t *testing.T) {
	cat, env := newTestCatalog(t)
	ctx := context.Background()

	content, err := cat.Read(ctx, "tmux://dev-1-1234")
	require.NoError(t, err)
	assert.Equal(t, "text/plain", content.MIMEType)
	assert.Equal(t, "$ make test\nok", content.Text)

	content, err = cat.Read(ctx, "tmux://dev-1-1234:%0")
	require.NoError(t, err)
	assert.Equal(t, "$ make test\nok", content.Text)

	disabled := New(Deps{Store: env.store, Auth: env.auth, Logger: cat.logger})
	_, err = disabled.Read(ctx, "tmux://dev-1-1234")
	assert.True(t, errors.Is(err, models.ErrSubprocess))
}

// runnerFunc adapts a function to the tmux.Runner interface.
type runnerFunc func(args []string) (string, string, error)

func (f runnerFunc) Run(_ context.Context, args ...string) (string, string, error) {
	return f(args)
}

func TestReadPaneTargetForms(t *testing.T) {
	cat, env := newTestCatalog(t)
	ctx := context.Background()

	var targets []string
	recorder := runnerFunc(func(args []string) (string, string, error) {
		if args[0] == "-V" {
			return "tmux 3.4", "", nil
		}
		if args[0] == "capture-pane" {
			targets = append(targets, args[3])
		}
		return "pane output", "", nil
	})
	tm := tmux.NewWithRunner(config.TmuxConfig{Enabled: true, CommandTimeoutSeconds: 5}, cat.logger, recorder)
	recording := New(Deps{Store: env.store, Auth: env.auth, Tmux: tm, Logger: cat.logger})

	// Bare session, window.pane, and global pane id forms all address a pane.
	for _, uri := range []string{
		"tmux://dev-1-1234",
		"tmux://dev-1-1234:1.0",
		"tmux://dev-1-1234:%0",
	} {
		_, err := recording.Read(ctx, uri)
		require.NoError(t, err, uri)
	}
	assert.Equal(t, []string{"dev-1-1234", "dev-1-1234:1.0", "%0"}, targets)
}

func TestReadTemplatesAndUnknownSchemes(t *testing.T) {
	cat, _ := newTestCatalog(t)
	ctx := context.Background()

	content, err := cat.Read(ctx, "create://task")
	require.NoError(t, err)
	assert.Equal(t, "text/markdown", content.MIMEType)
	assert.Contains(t, content.Text, "create_task")

	content, err = cat.Read(ctx, "create://background")
	require.NoError(t, err)
	assert.Contains(t, content.Text, "launch_background_agent")

	_, err = cat.Read(ctx, "create://nope")
	assert.True(t, errors.Is(err, models.ErrValidation))

	_, err = cat.Read(ctx, "ftp://elsewhere")
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestAttachSyncsAndReactsToEvents(t *testing.T) {
	cat, env := newTestCatalog(t)
	ctx := context.Background()

	mcpServer := server.NewMCPServer("hivemux-test", "0.0.0",
		server.WithResourceCapabilities(false, true))
	require.NoError(t, cat.Attach(ctx, mcpServer))

	initial := registeredURIs(cat)
	assert.True(t, initial[SchemeCreate+"normal"])
	assert.True(t, initial["agent://dev-1"])
	assert.True(t, initial["token://admin"])

	require.NoError(t, env.store.CreateAgent(ctx, &models.Agent{ID: "dev-9", Token: "tok-9"}))
	event := bus.NewEvent(events.AgentCreated, "test", map[string]interface{}{"agent_id": "dev-9"})
	require.NoError(t, env.bus.Publish(ctx, events.AgentCreated, event))

	require.Eventually(t, func() bool {
		return registeredURIs(cat)["agent://dev-9"]
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, env.store.UpdateAgentStatus(ctx, "dev-9", models.AgentStatusTerminated))
	event = bus.NewEvent(events.AgentTerminated, "test", map[string]interface{}{"agent_id": "dev-9"})
	require.NoError(t, env.bus.Publish(ctx, events.AgentTerminated, event))

	require.Eventually(t, func() bool {
		return !registeredURIs(cat)["agent://dev-9"]
	}, 2*time.Second, 10*time.Millisecond)
}
