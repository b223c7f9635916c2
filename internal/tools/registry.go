// Package tools defines the MCP tool catalog: every operation an agent or
// the admin can invoke over the wire is declared, authorized, and dispatched
// here. Tools are grouped into categories that can be toggled at runtime;
// the basic category is always on.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/hivemux/hivemux/internal/auth"
	"github.com/hivemux/hivemux/internal/common/config"
	"github.com/hivemux/hivemux/internal/common/logger"
	"github.com/hivemux/hivemux/internal/events/bus"
	"github.com/hivemux/hivemux/internal/models"
	"github.com/hivemux/hivemux/internal/rag"
	"github.com/hivemux/hivemux/internal/session"
	"github.com/hivemux/hivemux/internal/store"
	"github.com/hivemux/hivemux/internal/supervisor"
	"github.com/hivemux/hivemux/internal/tmux"
)

// Tool categories. A category groups tools that share an enablement switch.
const (
	CategoryBasic              = "basic"
	CategoryRAG                = "rag"
	CategoryMemory             = "memory"
	CategoryAgentManagement    = "agentManagement"
	CategoryTaskManagement     = "taskManagement"
	CategoryFileManagement     = "fileManagement"
	CategoryAgentCommunication = "agentCommunication"
	CategorySessionState       = "sessionState"
	CategoryAssistanceRequest  = "assistanceRequest"
	CategoryBackgroundAgents   = "backgroundAgents"
)

// allCategories lists every category the registry knows about.
var allCategories = []string{
	CategoryBasic,
	CategoryRAG,
	CategoryMemory,
	CategoryAgentManagement,
	CategoryTaskManagement,
	CategoryFileManagement,
	CategoryAgentCommunication,
	CategorySessionState,
	CategoryAssistanceRequest,
	CategoryBackgroundAgents,
}

// categoriesForMode expands a tools.mode value into its category set.
// Unknown modes fall back to full; config validation rejects them earlier.
func categoriesForMode(mode string) []string {
	switch mode {
	case "minimal":
		return []string{CategoryBasic}
	case "memoryRag":
		return []string{CategoryBasic, CategoryMemory, CategoryRAG, CategoryFileManagement}
	case "development":
		// Everything that works without tmux side effects.
		return []string{
			CategoryBasic,
			CategoryTaskManagement,
			CategoryMemory,
			CategoryFileManagement,
			CategoryAgentCommunication,
			CategorySessionState,
			CategoryAssistanceRequest,
		}
	case "background":
		return []string{
			CategoryBasic,
			CategoryTaskManagement,
			CategoryAgentCommunication,
			CategorySessionState,
			CategoryBackgroundAgents,
		}
	default:
		return allCategories
	}
}

// Tool pairs an MCP definition with its handler and the category that
// controls whether it is registered.
type Tool struct {
	Def      mcp.Tool
	Handler  server.ToolHandlerFunc
	Category string
}

// Deps carries the collaborators tool handlers close over.
type Deps struct {
	Store      *store.Store
	Auth       *auth.Authenticator
	Supervisor *supervisor.Supervisor
	Sessions   *session.Manager
	Tmux       *tmux.Controller
	RAG        *rag.Index // nil means retrieval is not configured
	Bus        bus.EventBus
	Logger     *logger.Logger
	StartedAt  time.Time
}

// Registry is the process-wide tool catalog. It owns the full set of tool
// definitions, tracks which categories are live, and keeps an attached MCP
// server's tool list in sync across configuration updates.
type Registry struct {
	deps   Deps
	logger *logger.Logger

	mu      sync.RWMutex
	tools   map[string]Tool
	enabled map[string]bool
	mcp     *server.MCPServer
}

// New builds the complete catalog and computes the initially enabled
// category set from configuration. Tools in disabled categories stay in the
// catalog so a later configuration update can turn them on without a
// rebuild. RAG tools are only cataloged when an index is configured.
func New(deps Deps, cfg config.ToolsConfig) (*Registry, error) {
	log := deps.Logger
	if log == nil {
		return nil, models.Internalf("tools: logger is required")
	}
	r := &Registry{
		deps:    deps,
		logger:  log.WithComponent("tools"),
		tools:   make(map[string]Tool),
		enabled: make(map[string]bool),
	}
	if err := r.registerAll(); err != nil {
		return nil, err
	}

	requested := cfg.Categories
	if len(requested) == 0 {
		requested = categoriesForMode(cfg.Mode)
	}
	enabled, skipped := r.resolveCategories(requested)
	for _, c := range enabled {
		r.enabled[c] = true
	}
	for _, msg := range skipped {
		r.logger.Warn("Skipping tool category", zap.String("reason", msg))
	}
	r.logger.Info("Tool catalog ready",
		zap.Int("tools", len(r.tools)),
		zap.Strings("categories", enabled))
	return r, nil
}

// registerAll populates the catalog from every category builder.
func (r *Registry) registerAll() error {
	groups := [][]Tool{
		r.basicTools(),
		r.agentManagementTools(),
		r.backgroundAgentTools(),
		r.taskManagementTools(),
		r.memoryTools(),
		r.fileManagementTools(),
		r.communicationTools(),
		r.sessionStateTools(),
		r.assistanceTools(),
	}
	if r.deps.RAG != nil {
		groups = append(groups, r.ragTools())
	}
	for _, group := range groups {
		for _, t := range group {
			if err := r.register(t); err != nil {
				return err
			}
		}
	}
	return nil
}

// register adds one tool to the catalog. Duplicate names are a programming
// error and abort startup.
func (r *Registry) register(t Tool) error {
	if _, exists := r.tools[t.Def.Name]; exists {
		return models.Internalf("duplicate tool name %q", t.Def.Name)
	}
	r.tools[t.Def.Name] = t
	return nil
}

// resolveCategories validates a requested category set. It forces basic in,
// drops unknown names and unavailable categories, and reports each drop.
func (r *Registry) resolveCategories(requested []string) (enabled []string, skipped []string) {
	known := make(map[string]bool, len(allCategories))
	for _, c := range allCategories {
		known[c] = true
	}
	set := map[string]bool{CategoryBasic: true}
	for _, c := range requested {
		switch {
		case !known[c]:
			skipped = append(skipped, fmt.Sprintf("unknown tool category %q", c))
		case c == CategoryRAG && r.deps.RAG == nil:
			skipped = append(skipped, "rag tools unavailable: no embedding endpoint configured")
		default:
			set[c] = true
		}
	}
	enabled = make([]string, 0, len(set))
	for c := range set {
		enabled = append(enabled, c)
	}
	sort.Strings(enabled)
	return enabled, skipped
}

// Attach registers every enabled tool on the MCP server. Later configuration
// updates keep the server's tool list in sync.
func (r *Registry) Attach(s *server.MCPServer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mcp = s
	for _, name := range r.enabledNamesLocked() {
		t := r.tools[name]
		s.AddTool(t.Def, t.Handler)
	}
}

// Execute dispatches a tool call directly, bypassing the MCP transport.
// The SSE bridge and tests use it; the streamable HTTP transport dispatches
// through the attached server instead.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	live := ok && r.enabled[t.Category]
	r.mu.RUnlock()
	if !live {
		return nil, models.NotFoundf("tool %s is not registered", name)
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return t.Handler(ctx, req)
}

// List returns the enabled tool definitions sorted by name.
func (r *Registry) List() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := r.enabledNamesLocked()
	defs := make([]mcp.Tool, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.tools[name].Def)
	}
	return defs
}

// CategoryStatus describes one category for introspection surfaces.
type CategoryStatus struct {
	Name    string   `json:"name"`
	Enabled bool     `json:"enabled"`
	Tools   []string `json:"tools"`
}

// Categories reports every cataloged category, its enablement, and its tool
// names. Categories with no cataloged tools (rag without an index) are
// omitted.
func (r *Registry) Categories() []CategoryStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byCategory := make(map[string][]string)
	for name, t := range r.tools {
		byCategory[t.Category] = append(byCategory[t.Category], name)
	}
	out := make([]CategoryStatus, 0, len(byCategory))
	for _, c := range allCategories {
		names, ok := byCategory[c]
		if !ok {
			continue
		}
		sort.Strings(names)
		out = append(out, CategoryStatus{Name: c, Enabled: r.enabled[c], Tools: names})
	}
	return out
}

// EnabledCategories returns the live category names sorted alphabetically.
func (r *Registry) EnabledCategories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.enabled))
	for c, on := range r.enabled {
		if on {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// ConfigUpdate reports the outcome of a configuration change: which
// categories were turned on or off, the drops that were skipped with their
// reasons, and the resulting enabled set.
type ConfigUpdate struct {
	Added      []string `json:"added"`
	Removed    []string `json:"removed"`
	Errors     []string `json:"errors,omitempty"`
	Categories []string `json:"categories"`
}

// UpdateConfiguration recomputes the enabled category set. Additions are
// registered on the attached MCP server and removals deregistered, so
// connected clients observe the change on their next tools/list. Requests
// that omit basic fail outright; unknown or unavailable categories are
// skipped and reported in the result.
func (r *Registry) UpdateConfiguration(categories []string) (*ConfigUpdate, error) {
	requestedBasic := false
	for _, c := range categories {
		if c == CategoryBasic {
			requestedBasic = true
			break
		}
	}
	if !requestedBasic {
		return nil, models.Validationf("the basic tool category cannot be removed")
	}

	enabled, skipped := r.resolveCategories(categories)

	r.mu.Lock()
	next := make(map[string]bool, len(enabled))
	for _, c := range enabled {
		next[c] = true
	}
	var added, removed []string
	for name, t := range r.tools {
		was, is := r.enabled[t.Category], next[t.Category]
		switch {
		case is && !was:
			added = append(added, name)
		case was && !is:
			removed = append(removed, name)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	r.enabled = next
	srv := r.mcp
	r.mu.Unlock()

	if srv != nil {
		for _, name := range added {
			t := r.tools[name]
			srv.AddTool(t.Def, t.Handler)
		}
		if len(removed) > 0 {
			srv.DeleteTools(removed...)
		}
	}

	r.logger.Info("Tool configuration updated",
		zap.Strings("categories", enabled),
		zap.Int("tools_added", len(added)),
		zap.Int("tools_removed", len(removed)))
	return &ConfigUpdate{
		Added:      added,
		Removed:    removed,
		Errors:     skipped,
		Categories: enabled,
	}, nil
}

// enabledNamesLocked returns the sorted names of tools in live categories.
// Callers hold r.mu.
func (r *Registry) enabledNamesLocked() []string {
	names := make([]string, 0, len(r.tools))
	for name, t := range r.tools {
		if r.enabled[t.Category] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// textResult wraps a value as a text content item. Strings pass through;
// everything else is serialized as indented JSON.
func textResult(v interface{}) *mcp.CallToolResult {
	if s, ok := v.(string); ok {
		return mcp.NewToolResultText(s)
	}
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err))
	}
	return mcp.NewToolResultText(string(formatted))
}

// errResult reports a domain failure in-band as a tool error result. The
// nil Go error keeps the JSON-RPC envelope a success, which is what MCP
// clients expect for handler-level failures.
func errResult(err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(err.Error()), nil
}

// recordAction appends to the audit trail. Failures are logged, never
// surfaced: an audit miss must not fail the operation it describes.
func (r *Registry) recordAction(ctx context.Context, actor, action string, taskID *string, details map[string]interface{}) {
	if err := r.deps.Store.RecordAction(ctx, actor, action, taskID, details); err != nil {
		r.logger.Warn("Could not record action", zap.String("action", action), zap.Error(err))
	}
}

// publish emits a bus event. A nil bus drops it.
func (r *Registry) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if r.deps.Bus == nil {
		return
	}
	if err := r.deps.Bus.Publish(ctx, eventType, bus.NewEvent(eventType, "tools", data)); err != nil {
		r.logger.Warn("Could not publish event", zap.String("event", eventType), zap.Error(err))
	}
}
