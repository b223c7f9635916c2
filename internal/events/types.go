// Package events provides event types and utilities for the hivemux event system.
package events

// Event types for agents
const (
	AgentCreated    = "agent.created"
	AgentActive     = "agent.active"
	AgentTerminated = "agent.terminated"
	AgentRelaunched = "agent.relaunched"
)

// Event types for tasks
const (
	TaskCreated       = "task.created"
	TaskAssigned      = "task.assigned"
	TaskStatusChanged = "task.status_changed"
	TaskCompleted     = "task.completed"
	TaskDeleted       = "task.deleted"
	TaskNoteAdded     = "task.note_added"
)

// Event types for shared project context
const (
	ContextUpdated  = "context.updated"
	ContextArchived = "context.archived"
)

// Event types for file metadata
const (
	FileMetadataUpdated = "file.metadata_updated"
)

// Event types for MCP sessions
const (
	SessionStarted      = "session.started"
	SessionDisconnected = "session.disconnected"
	SessionRecovered    = "session.recovered"
	SessionExpired      = "session.expired"
)

// Event types for agent messaging
const (
	MessageSent = "message.sent" // Base subject; per-recipient subjects append the agent ID
	Broadcast   = "message.broadcast"
)

// Event types for the testing pipeline
const (
	TestingAgentSpawned = "testing.agent_spawned"
	TestingVerdict      = "testing.verdict"
)

// Event types for assistance escalations
const (
	AssistanceRequested = "assistance.requested"
	AssistanceResolved  = "assistance.resolved"
)

// BuildMessageSubject creates a message subject scoped to one recipient.
func BuildMessageSubject(agentID string) string {
	return MessageSent + "." + agentID
}

// BuildMessageWildcardSubject creates a wildcard subscription for all
// message deliveries regardless of recipient.
func BuildMessageWildcardSubject() string {
	return MessageSent + ".*"
}

// BuildAgentSubject creates an agent lifecycle subject for a specific agent.
func BuildAgentSubject(base, agentID string) string {
	return base + "." + agentID
}

// BuildTaskSubject creates a task lifecycle subject for a specific task.
func BuildTaskSubject(base, taskID string) string {
	return base + "." + taskID
}
