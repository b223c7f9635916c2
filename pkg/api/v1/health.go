package v1

// HealthResponse is the GET /health envelope.
type HealthResponse struct {
	Status         string         `json:"status"`
	Storage        string         `json:"storage"`
	Uptime         string         `json:"uptime"`
	Agents         map[string]int `json:"agents,omitempty"`
	Tasks          map[string]int `json:"tasks,omitempty"`
	Sessions       map[string]int `json:"sessions,omitempty"`
	ToolCategories []string       `json:"tool_categories"`
	Error          string         `json:"error,omitempty"`
}

// RuntimeStats reports Go runtime figures for the stats endpoint.
type RuntimeStats struct {
	Goroutines     int    `json:"goroutines"`
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
}

// StatsResponse is the GET /stats envelope.
type StatsResponse struct {
	Uptime           string         `json:"uptime"`
	AgentsByStatus   map[string]int `json:"agents_by_status"`
	TasksByStatus    map[string]int `json:"tasks_by_status"`
	SessionsByStatus map[string]int `json:"sessions_by_status"`
	ActionsLastHour  int            `json:"actions_last_hour"`
	UnreadMessages   map[string]int `json:"unread_messages,omitempty"`
	LiveConnections  int            `json:"live_connections"`
	ToolsEnabled     int            `json:"tools_enabled"`
	BusConnected     bool           `json:"bus_connected"`
	RAGAvailable     bool           `json:"rag_available"`
	RAGDocuments     int            `json:"rag_documents,omitempty"`
	Runtime          RuntimeStats   `json:"runtime"`
}
