package v1

// ToolCategory describes one tool category's registration state.
type ToolCategory struct {
	Name    string   `json:"name"`
	Enabled bool     `json:"enabled"`
	Tools   []string `json:"tools"`
}

// ConfigResponse is the GET /config envelope.
type ConfigResponse struct {
	Enabled    []string       `json:"enabled"`
	Categories []ToolCategory `json:"categories"`
}

// UpdateConfigRequest selects the tool categories to enable. The basic
// category is always kept.
type UpdateConfigRequest struct {
	Categories []string `json:"categories" binding:"required"`
}

// AppliedChanges names the tools registered and deregistered by a config
// update.
type AppliedChanges struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

// UpdateConfigResponse is the POST /config envelope.
type UpdateConfigResponse struct {
	AppliedChanges AppliedChanges `json:"applied_changes"`
	Errors         []string       `json:"errors,omitempty"`
	NewConfig      []string       `json:"new_config"`
}
