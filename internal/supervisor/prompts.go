package supervisor

import (
	_ "embed"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hivemux/hivemux/internal/models"
)

//go:embed prompts.yaml
var promptsYAML []byte

// promptCatalog holds the prompt templates injected into agent sessions.
// Placeholders are written {name} and replaced verbatim; unknown
// placeholders are left in place so a template typo is visible in the pane
// rather than silently blanked.
type promptCatalog struct {
	AgentBoot         string `yaml:"agent_boot"`
	TestingAgent      string `yaml:"testing_agent"`
	BackgroundMonitor string `yaml:"background_monitor"`
	BackgroundWorker  string `yaml:"background_worker"`
}

func loadPrompts() (*promptCatalog, error) {
	var catalog promptCatalog
	if err := yaml.Unmarshal(promptsYAML, &catalog); err != nil {
		return nil, models.Internalf("parse embedded prompts: %v", err)
	}
	for name, text := range map[string]string{
		"agent_boot":         catalog.AgentBoot,
		"testing_agent":      catalog.TestingAgent,
		"background_monitor": catalog.BackgroundMonitor,
		"background_worker":  catalog.BackgroundWorker,
	} {
		if strings.TrimSpace(text) == "" {
			return nil, models.Internalf("embedded prompt %s is empty", name)
		}
	}
	return &catalog, nil
}

// templateFor picks the boot prompt for an agent template name. Unknown
// names fall back to the standard boot prompt.
func (p *promptCatalog) templateFor(template string) string {
	switch template {
	case TemplateMonitor:
		return p.BackgroundMonitor
	case TemplateWorker:
		return p.BackgroundWorker
	default:
		return p.AgentBoot
	}
}

// renderPrompt substitutes {key} placeholders and trims the result.
func renderPrompt(template string, vars map[string]string) string {
	out := template
	for key, value := range vars {
		out = strings.ReplaceAll(out, "{"+key+"}", value)
	}
	return strings.TrimSpace(out)
}
