// Package resources publishes the coordinator's read-only views: agents,
// tasks, tmux panes, tokens, and creation guides, each addressable by URI.
// The catalog recomputes listings from live state and keeps an attached MCP
// server's resource list in sync as entities come and go.
package resources

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/hivemux/hivemux/internal/auth"
	"github.com/hivemux/hivemux/internal/common/logger"
	"github.com/hivemux/hivemux/internal/common/stringutil"
	"github.com/hivemux/hivemux/internal/events/bus"
	"github.com/hivemux/hivemux/internal/models"
	"github.com/hivemux/hivemux/internal/store"
	"github.com/hivemux/hivemux/internal/tmux"
)

// URI schemes served by the catalog.
const (
	SchemeAgent  = "agent://"
	SchemeTask   = "task://"
	SchemeTmux   = "tmux://"
	SchemeToken  = "token://"
	SchemeCreate = "create://"
)

// taskListLimit bounds the task listing to the most recent open work;
// taskTitleLimit keeps resource names one line in client pickers.
const (
	taskListLimit  = 50
	taskTitleLimit = 80
)

// Resource is one catalog entry. Annotations carry display hints that do
// not fit the MCP resource shape (color, status, priority).
type Resource struct {
	URI         string            `json:"uri"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	MIMEType    string            `json:"mime_type"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// Content is the result of reading a resource.
type Content struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mime_type"`
	Text     string `json:"text"`
}

// Deps carries the collaborators listings are computed from.
type Deps struct {
	Store  *store.Store
	Auth   *auth.Authenticator
	Tmux   *tmux.Controller
	Bus    bus.EventBus
	Logger *logger.Logger
}

// Catalog computes resource listings and serves content reads. Attach wires
// it to an MCP server; afterwards entity lifecycle events trigger a resync.
type Catalog struct {
	deps   Deps
	logger *logger.Logger

	mu         sync.Mutex
	mcp        *server.MCPServer
	registered map[string]bool
	subs       []bus.Subscription
}

// New builds a catalog. Tmux and Bus may be nil; the related listings and
// the event-driven resync are skipped.
func New(deps Deps) *Catalog {
	return &Catalog{
		deps:       deps,
		logger:     deps.Logger.WithComponent("resources"),
		registered: make(map[string]bool),
	}
}

// List recomputes every resource from live state: creation guides, tokens,
// agents in {created, active}, open tasks (most recent first, capped), and
// tmux sessions with their panes. Tmux being unreachable hides the tmux
// listings without failing the rest.
func (c *Catalog) List(ctx context.Context) ([]Resource, error) {
	out := templateResources()

	agents, err := c.deps.Store.ListAgents(ctx, false)
	if err != nil {
		return nil, err
	}

	out = append(out, Resource{
		URI:         SchemeToken + "admin",
		Name:        "Admin token",
		Description: "The admin bearer token. Masked unless the caller is the admin.",
		MIMEType:    "application/json",
		Annotations: map[string]string{"type": "token", "category": "auth"},
	})
	for _, a := range agents {
		out = append(out, Resource{
			URI:         SchemeToken + "agent-" + a.ID,
			Name:        "Token for " + a.ID,
			Description: "Bearer token for agent " + a.ID + ". Masked unless the caller is the admin.",
			MIMEType:    "application/json",
			Annotations: map[string]string{"type": "token", "category": "auth"},
		})
	}

	for _, a := range agents {
		out = append(out, Resource{
			URI:         SchemeAgent + a.ID,
			Name:        "Agent " + a.ID,
			Description: agentSummary(a),
			MIMEType:    "application/json",
			Annotations: map[string]string{
				"type":     "agent",
				"category": "agents",
				"status":   string(a.Status),
				"color":    a.Color,
			},
		})
	}

	tasks, err := c.openTasks(ctx)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		out = append(out, Resource{
			URI:         SchemeTask + task.ID,
			Name:        "Task: " + stringutil.Ellipsis(task.Title, taskTitleLimit),
			Description: taskSummary(task),
			MIMEType:    "application/json",
			Annotations: map[string]string{
				"type":     "task",
				"category": "tasks",
				"status":   string(task.Status),
				"priority": string(task.Priority),
			},
		})
	}

	out = append(out, c.tmuxResources(ctx)...)
	return out, nil
}

// openTasks merges pending and in-progress work, newest first, capped.
func (c *Catalog) openTasks(ctx context.Context) ([]*models.Task, error) {
	pending, err := c.deps.Store.ListTasks(ctx, store.TaskFilter{Status: models.TaskStatusPending})
	if err != nil {
		return nil, err
	}
	inProgress, err := c.deps.Store.ListTasks(ctx, store.TaskFilter{Status: models.TaskStatusInProgress})
	if err != nil {
		return nil, err
	}
	open := append(pending, inProgress...)
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.After(open[j].CreatedAt) })
	if len(open) > taskListLimit {
		open = open[:taskListLimit]
	}
	return open, nil
}

// tmuxResources enumerates live sessions and panes. Any tmux failure makes
// this section empty; the multiplexer being down is not a listing error.
func (c *Catalog) tmuxResources(ctx context.Context) []Resource {
	if c.deps.Tmux == nil {
		return nil
	}
	sessions, err := c.deps.Tmux.ListSessions(ctx)
	if err != nil {
		c.logger.Debug("Tmux session listing unavailable", zap.Error(err))
		return nil
	}
	var out []Resource
	for _, name := range sessions {
		out = append(out, Resource{
			URI:         SchemeTmux + name,
			Name:        "Tmux session " + name,
			Description: "Live terminal session. Read for a pane capture.",
			MIMEType:    "text/plain",
			Annotations: map[string]string{"type": "tmux_session", "category": "tmux"},
		})
	}
	panes, err := c.deps.Tmux.ListPanes(ctx)
	if err != nil {
		c.logger.Debug("Tmux pane listing unavailable", zap.Error(err))
		return out
	}
	for _, p := range panes {
		out = append(out, Resource{
			URI:         SchemeTmux + p.Session + ":" + p.ID,
			Name:        "Pane " + p.ID + " of " + p.Session,
			Description: "Running " + p.Command + " in " + p.Path,
			MIMEType:    "text/plain",
			Annotations: map[string]string{
				"type":     "tmux_pane",
				"category": "tmux",
				"command":  p.Command,
			},
		})
	}
	return out
}

func agentSummary(a *models.Agent) string {
	parts := []string{string(a.Status)}
	if len(a.Capabilities) > 0 {
		parts = append(parts, "capabilities: "+strings.Join(a.Capabilities, ", "))
	}
	if a.CurrentTask != nil {
		parts = append(parts, "working on "+*a.CurrentTask)
	}
	return strings.Join(parts, "; ")
}

func taskSummary(t *models.Task) string {
	summary := string(t.Status) + ", " + string(t.Priority) + " priority"
	if t.AssignedTo != nil {
		summary += ", assigned to " + *t.AssignedTo
	}
	return summary
}

// Attach registers the current resource set on the MCP server and, when a
// bus is available, resyncs on agent and task lifecycle events.
func (c *Catalog) Attach(ctx context.Context, s *server.MCPServer) error {
	c.mu.Lock()
	c.mcp = s
	c.mu.Unlock()

	if err := c.Refresh(ctx); err != nil {
		return err
	}
	if c.deps.Bus == nil {
		return nil
	}
	for _, subject := range []string{"agent.>", "task.>", "testing.>"} {
		sub, err := c.deps.Bus.Subscribe(subject, c.onEvent)
		if err != nil {
			return models.Internalf("subscribe resources to %s: %v", subject, err)
		}
		c.mu.Lock()
		c.subs = append(c.subs, sub)
		c.mu.Unlock()
	}
	return nil
}

func (c *Catalog) onEvent(ctx context.Context, event *bus.Event) error {
	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("Resource resync failed",
			zap.String("event", event.Type), zap.Error(err))
	}
	return nil
}

// Refresh recomputes the listing and diffs it against what the MCP server
// knows: new URIs are registered, vanished ones removed. Clients learn about
// the change through the server's list_changed notification.
func (c *Catalog) Refresh(ctx context.Context) error {
	listing, err := c.List(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mcp == nil {
		return nil
	}

	next := make(map[string]bool, len(listing))
	for _, res := range listing {
		next[res.URI] = true
		if !c.registered[res.URI] {
			c.mcp.AddResource(mcp.NewResource(res.URI, res.Name,
				mcp.WithResourceDescription(res.Description),
				mcp.WithMIMEType(res.MIMEType),
			), c.readHandler())
		}
	}
	for uri := range c.registered {
		if !next[uri] {
			c.mcp.RemoveResource(uri)
		}
	}
	c.registered = next
	return nil
}

// Close drops the event subscriptions.
func (c *Catalog) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}

// readHandler adapts Read to the MCP resource handler shape.
func (c *Catalog) readHandler() server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		content, err := c.Read(ctx, req.Params.URI)
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{mcp.TextResourceContents{
			URI:      content.URI,
			MIMEType: content.MIMEType,
			Text:     content.Text,
		}}, nil
	}
}
