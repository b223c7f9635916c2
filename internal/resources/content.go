package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hivemux/hivemux/internal/auth"
	"github.com/hivemux/hivemux/internal/models"
)

// paneCaptureLines bounds how much scrollback a tmux read returns.
const paneCaptureLines = 200

// Read fetches the content behind a URI. Entities come back as indented
// JSON, pane captures as plain text, creation guides as markdown. Token
// values are masked unless the context carries the admin token.
func (c *Catalog) Read(ctx context.Context, uri string) (*Content, error) {
	switch {
	case strings.HasPrefix(uri, SchemeAgent):
		return c.readAgent(ctx, uri)
	case strings.HasPrefix(uri, SchemeTask):
		return c.readTask(ctx, uri)
	case strings.HasPrefix(uri, SchemeTmux):
		return c.readPane(ctx, uri)
	case strings.HasPrefix(uri, SchemeToken):
		return c.readToken(ctx, uri)
	case strings.HasPrefix(uri, SchemeCreate):
		return c.readTemplate(uri)
	default:
		return nil, models.Validationf("unknown resource scheme in %q", uri)
	}
}

func (c *Catalog) readAgent(ctx context.Context, uri string) (*Content, error) {
	id := strings.TrimPrefix(uri, SchemeAgent)
	if id == "" {
		return nil, models.Validationf("agent resource needs an id")
	}
	agent, err := c.deps.Store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	return jsonContent(uri, agent)
}

func (c *Catalog) readTask(ctx context.Context, uri string) (*Content, error) {
	id := strings.TrimPrefix(uri, SchemeTask)
	if id == "" {
		return nil, models.Validationf("task resource needs an id")
	}
	task, err := c.deps.Store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return jsonContent(uri, task)
}

// readPane captures the target's visible output. The remainder of the URI
// is a tmux target: a bare session name, session:window.pane, or session:%N.
// Global pane ids (%N) address a pane on their own, so those are passed
// through alone; the other forms go to tmux unchanged.
func (c *Catalog) readPane(ctx context.Context, uri string) (*Content, error) {
	target := strings.TrimPrefix(uri, SchemeTmux)
	if target == "" {
		return nil, models.Validationf("tmux resource needs a session name")
	}
	if c.deps.Tmux == nil {
		return nil, fmt.Errorf("tmux integration is disabled: %w", models.ErrSubprocess)
	}
	if i := strings.LastIndex(target, ":%"); i >= 0 {
		target = target[i+1:]
	}
	capture, err := c.deps.Tmux.CapturePane(ctx, target, paneCaptureLines)
	if err != nil {
		return nil, err
	}
	return &Content{URI: uri, MIMEType: "text/plain", Text: capture}, nil
}

// readToken serves a bearer token, masked to its last four characters
// unless the reading connection holds the admin token.
func (c *Catalog) readToken(ctx context.Context, uri string) (*Content, error) {
	owner := strings.TrimPrefix(uri, SchemeToken)

	var token string
	switch {
	case owner == models.AdminID:
		token = c.deps.Auth.AdminToken()
	case strings.HasPrefix(owner, "agent-"):
		agentID := strings.TrimPrefix(owner, "agent-")
		t, ok := c.deps.Auth.TokenFor(agentID)
		if !ok {
			return nil, models.NotFoundf("no token registered for agent %s", agentID)
		}
		owner = agentID
		token = t
	default:
		return nil, models.Validationf("unknown token resource %q", owner)
	}

	masked := !c.deps.Auth.IsAdmin(auth.TokenFromContext(ctx))
	value := token
	if masked {
		value = "…" + auth.Last4(token)
	}
	return jsonContent(uri, map[string]interface{}{
		"owner":  owner,
		"token":  value,
		"masked": masked,
	})
}

func jsonContent(uri string, v interface{}) (*Content, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, models.Internalf("encode resource %s: %v", uri, err)
	}
	return &Content{URI: uri, MIMEType: "application/json", Text: string(data)}, nil
}
