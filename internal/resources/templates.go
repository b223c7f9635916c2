package resources

import (
	"strings"

	"github.com/hivemux/hivemux/internal/models"
)

// creationGuide is a static markdown walkthrough for spawning an entity.
type creationGuide struct {
	kind        string
	name        string
	description string
	body        string
}

var creationGuides = []creationGuide{
	{
		kind:        "normal",
		name:        "Create a standard agent",
		description: "How to spawn an interactive coding agent with its own tmux session.",
		body: `# Create a standard agent

Call the ` + "`create_agent`" + ` tool with the admin token.

Arguments:
- ` + "`agent_id`" + ` (required): unique name, e.g. ` + "`dev-1`" + `
- ` + "`capabilities`" + `: tags other agents can discover, e.g. ` + "`[\"code\", \"review\"]`" + `
- ` + "`working_directory`" + `: defaults to the project directory
- ` + "`prompt`" + `: initial instructions, injected into the session after startup

The response carries the agent's bearer token exactly once. Hand it to the
agent's runtime; it authenticates every later tool call.`,
	},
	{
		kind:        "background",
		name:        "Create a background agent",
		description: "How to launch a headless worker or monitor without prompt injection.",
		body: `# Create a background agent

Call the ` + "`launch_background_agent`" + ` tool with the admin token.

Arguments:
- ` + "`agent_id`" + ` (required)
- ` + "`template`" + `: ` + "`worker`" + ` (default) or ` + "`monitor`" + `
- ` + "`capabilities`" + `: extra tags beyond the background marker

Background agents skip the startup prompt wait and run with the reduced
background tool set. Use a worker for queued tasks, a monitor to watch the
fleet.`,
	},
	{
		kind:        "monitor",
		name:        "Create a monitor agent",
		description: "How to launch the fleet monitor template.",
		body: `# Create a monitor agent

Call ` + "`launch_background_agent`" + ` with ` + "`template: \"monitor\"`" + `.

A monitor polls ` + "`list_agents`" + `, ` + "`list_tasks`" + `, and
` + "`get_server_stats`" + `, and files assistance requests when something
looks stuck. Give it a distinctive ` + "`agent_id`" + ` such as ` + "`monitor-1`" + `
so its actions are easy to spot in the audit trail.`,
	},
	{
		kind:        "task",
		name:        "Create a task",
		description: "How to file work for the fleet.",
		body: `# Create a task

Call the ` + "`create_task`" + ` tool. Any authenticated caller may file work.

Arguments:
- ` + "`title`" + ` (required)
- ` + "`description`" + `: what done looks like
- ` + "`priority`" + `: ` + "`low|medium|high|urgent`" + ` (default medium)
- ` + "`assigned_to`" + `: assign immediately to an agent
- ` + "`parent_task`" + ` / ` + "`depends_on`" + `: structure larger efforts

Unassigned tasks sit in ` + "`created`" + ` until ` + "`assign_task`" + ` hands
them to an agent, which moves them to ` + "`pending`" + `.`,
	},
}

func templateResources() []Resource {
	out := make([]Resource, 0, len(creationGuides))
	for _, g := range creationGuides {
		out = append(out, Resource{
			URI:         SchemeCreate + g.kind,
			Name:        g.name,
			Description: g.description,
			MIMEType:    "text/markdown",
			Annotations: map[string]string{"type": "template", "category": "templates"},
		})
	}
	return out
}

func (c *Catalog) readTemplate(uri string) (*Content, error) {
	kind := strings.TrimPrefix(uri, SchemeCreate)
	for _, g := range creationGuides {
		if g.kind == kind {
			return &Content{URI: uri, MIMEType: "text/markdown", Text: g.body}, nil
		}
	}
	return nil, models.Validationf("unknown creation template %q", kind)
}
