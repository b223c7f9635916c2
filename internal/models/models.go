// Package models holds the shared entity types persisted by the store and
// exchanged between the supervisor, session manager, and tool handlers.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// AdminID is the canonical actor identifier for the operator. Tool handlers
// accept "Admin" and "ADMIN" on the wire but everything persisted uses this
// lowercase form.
const AdminID = "admin"

// SystemID identifies actions taken by the server itself (sweepers,
// recovery bookkeeping, testing pipeline).
const SystemID = "system"

// CanonicalActor lowercases admin spellings and leaves agent IDs untouched.
func CanonicalActor(id string) string {
	if strings.EqualFold(id, AdminID) {
		return AdminID
	}
	return id
}

// AgentStatus represents the lifecycle state of a worker agent.
type AgentStatus string

const (
	// AgentStatusCreated means the agent row exists but its tmux session
	// has not confirmed startup yet.
	AgentStatusCreated AgentStatus = "created"
	// AgentStatusActive means the agent is running inside its tmux session.
	AgentStatusActive AgentStatus = "active"
	// AgentStatusTerminated means the agent was shut down; the row is kept
	// for auditing.
	AgentStatusTerminated AgentStatus = "terminated"
)

// Agent is a worker registered with the coordinator. Token is the bearer
// credential handed to the agent process at launch; it never appears in
// resource listings.
type Agent struct {
	ID               string      `json:"agent_id"`
	Token            string      `json:"-"`
	Capabilities     []string    `json:"capabilities,omitempty"`
	Status           AgentStatus `json:"status"`
	CurrentTask      *string     `json:"current_task,omitempty"`
	WorkingDirectory string      `json:"working_directory"`
	Color            string      `json:"color,omitempty"`
	TmuxSession      string      `json:"tmux_session,omitempty"`
	IsTester         bool        `json:"is_tester,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
	TerminatedAt     *time.Time  `json:"terminated_at,omitempty"`
}

// Terminated reports whether the agent has been shut down.
func (a *Agent) Terminated() bool {
	return a.Status == AgentStatusTerminated
}

// TaskStatus represents where a task sits in its lifecycle.
type TaskStatus string

const (
	// TaskStatusCreated is the initial state before any assignment.
	TaskStatusCreated TaskStatus = "created"
	// TaskStatusPending means the task is assigned and waiting for the
	// agent to pick it up.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusInProgress means the assigned agent is working on it.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusCompleted is terminal success.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusCancelled is terminal abandonment.
	TaskStatusCancelled TaskStatus = "cancelled"
	// TaskStatusFailed is terminal failure, usually set after a testing
	// verdict rejects the work.
	TaskStatusFailed TaskStatus = "failed"
)

// TerminalTaskStatus reports whether s is one of the three terminal states.
func TerminalTaskStatus(s TaskStatus) bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled || s == TaskStatusFailed
}

// ValidTaskStatus reports whether s names a known task status.
func ValidTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskStatusCreated, TaskStatusPending, TaskStatusInProgress,
		TaskStatusCompleted, TaskStatusCancelled, TaskStatusFailed:
		return true
	}
	return false
}

// TaskPriority orders tasks for agents that hold several assignments.
type TaskPriority string

const (
	// TaskPriorityLow is background work.
	TaskPriorityLow TaskPriority = "low"
	// TaskPriorityMedium is the default.
	TaskPriorityMedium TaskPriority = "medium"
	// TaskPriorityHigh jumps the queue.
	TaskPriorityHigh TaskPriority = "high"
)

// ValidTaskPriority reports whether p names a known priority.
func ValidTaskPriority(p TaskPriority) bool {
	switch p {
	case TaskPriorityLow, TaskPriorityMedium, TaskPriorityHigh:
		return true
	}
	return false
}

// Task is a unit of work tracked by the coordinator. ParentTask links
// subtasks to the task they were split from; DependsOn lists task IDs that
// must complete first.
type Task struct {
	ID          string       `json:"task_id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	AssignedTo  *string      `json:"assigned_to,omitempty"`
	CreatedBy   string       `json:"created_by"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`
	ParentTask  *string      `json:"parent_task,omitempty"`
	DependsOn   []string     `json:"depends_on,omitempty"`
	Notes       []TaskNote   `json:"notes,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// TaskNote is an append-only annotation on a task. Notes survive task
// reassignment and carry the testing pipeline's verdict payloads.
type TaskNote struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"timestamp"`
}

// AgentAction is one row of the audit trail. Details is free-form JSON
// describing what happened.
type AgentAction struct {
	ID        int64                  `json:"id"`
	AgentID   string                 `json:"agent_id"`
	Action    string                 `json:"action_type"`
	TaskID    *string                `json:"task_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ContextEntry is one key in the shared project memory. Value is opaque
// JSON; the coordinator never interprets it beyond storing and returning it.
type ContextEntry struct {
	Key         string          `json:"context_key"`
	Value       json.RawMessage `json:"context_value"`
	Description string          `json:"description,omitempty"`
	UpdatedBy   string          `json:"updated_by"`
	UpdatedAt   time.Time       `json:"last_updated"`
}

// Archived reports whether the entry was renamed out of the active
// namespace by archive_context.
func (c *ContextEntry) Archived() bool {
	return strings.HasPrefix(c.Key, ArchivedContextPrefix)
}

// ArchivedContextPrefix marks context keys that were archived. The full
// archived key is archived_<key>_<unix_ms>.
const ArchivedContextPrefix = "archived_"

// FileMetadata records per-file annotations agents attach while working:
// ownership claims, review state, generated-content hashes.
type FileMetadata struct {
	Filepath    string                 `json:"filepath"`
	Metadata    map[string]interface{} `json:"metadata"`
	ContentHash string                 `json:"content_hash,omitempty"`
	UpdatedBy   string                 `json:"updated_by"`
	UpdatedAt   time.Time              `json:"last_updated"`
}

// MessagePriority orders inbox delivery.
type MessagePriority string

const (
	// MessagePriorityLow is informational chatter.
	MessagePriorityLow MessagePriority = "low"
	// MessagePriorityNormal is the default.
	MessagePriorityNormal MessagePriority = "normal"
	// MessagePriorityHigh is used for failure verdicts and admin
	// broadcasts that need attention.
	MessagePriorityHigh MessagePriority = "high"
)

// ValidMessagePriority reports whether p names a known priority.
func ValidMessagePriority(p MessagePriority) bool {
	switch p {
	case MessagePriorityLow, MessagePriorityNormal, MessagePriorityHigh:
		return true
	}
	return false
}

// MessageType distinguishes direct sends from admin broadcasts and
// pipeline-generated notices.
type MessageType string

const (
	// MessageTypeDirect is an agent-to-agent or admin-to-agent message.
	MessageTypeDirect MessageType = "direct"
	// MessageTypeBroadcast is an admin message fanned out to every active
	// agent.
	MessageTypeBroadcast MessageType = "broadcast"
	// MessageTypeVerdict carries a testing verdict back to the worker.
	MessageTypeVerdict MessageType = "verdict"
	// MessageTypeAssistance notifies the admin of an assistance request.
	MessageTypeAssistance MessageType = "assistance"
)

// AgentMessage is one entry in an agent's inbox.
type AgentMessage struct {
	ID          string          `json:"message_id"`
	SenderID    string          `json:"sender_id"`
	RecipientID string          `json:"recipient_id"`
	Content     string          `json:"content"`
	Type        MessageType     `json:"message_type"`
	Priority    MessagePriority `json:"priority"`
	Delivered   bool            `json:"delivered"`
	Read        bool            `json:"read"`
	CreatedAt   time.Time       `json:"timestamp"`
}

// SessionStatus tracks an MCP transport session through its recovery
// lifecycle.
type SessionStatus string

const (
	// SessionStatusActive means heartbeats are arriving on schedule.
	SessionStatusActive SessionStatus = "active"
	// SessionStatusDisconnected means the transport dropped and the grace
	// window is open.
	SessionStatusDisconnected SessionStatus = "disconnected"
	// SessionStatusRecovered means a client reattached inside the grace
	// window; it flips back to active on the next heartbeat.
	SessionStatusRecovered SessionStatus = "recovered"
	// SessionStatusExpired means the grace window closed with no recovery.
	SessionStatusExpired SessionStatus = "expired"
)

// SessionRecord is the persisted view of an MCP session, kept so that a
// restarted client (or server) can resume where it left off.
type SessionRecord struct {
	ID                 string                 `json:"session_id"`
	AgentID            string                 `json:"agent_id,omitempty"`
	Status             SessionStatus          `json:"status"`
	TransportState     map[string]interface{} `json:"transport_state,omitempty"`
	WorkingDirectory   string                 `json:"working_directory,omitempty"`
	RecoveryAttempts   int                    `json:"recovery_attempts"`
	CreatedAt          time.Time              `json:"created_at"`
	LastHeartbeat      time.Time              `json:"last_heartbeat"`
	DisconnectedAt     *time.Time             `json:"disconnected_at,omitempty"`
	GracePeriodExpires *time.Time             `json:"grace_period_expires,omitempty"`
}

// Recoverable reports whether the session may still be reattached at the
// given instant. Only disconnected sessions inside their grace window with
// attempts to spare qualify.
func (s *SessionRecord) Recoverable(now time.Time, maxAttempts int) bool {
	if s.Status != SessionStatusDisconnected {
		return false
	}
	if s.GracePeriodExpires == nil || !now.Before(*s.GracePeriodExpires) {
		return false
	}
	return s.RecoveryAttempts < maxAttempts
}

// SessionState is a named blob of agent-owned state scoped to a session,
// used by agents to checkpoint work across reconnects.
type SessionState struct {
	AgentID   string          `json:"agent_id"`
	SessionID string          `json:"session_id"`
	Key       string          `json:"state_key"`
	Value     json.RawMessage `json:"state_value"`
	UpdatedAt time.Time       `json:"last_updated"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// AssistanceStatus tracks an escalation raised by an agent.
type AssistanceStatus string

const (
	// AssistancePending means no one has responded yet.
	AssistancePending AssistanceStatus = "pending"
	// AssistanceResolved means the admin answered or dismissed it.
	AssistanceResolved AssistanceStatus = "resolved"
)

// AssistanceRequest is an agent asking the admin for help with a blocker.
type AssistanceRequest struct {
	ID         string           `json:"request_id"`
	AgentID    string           `json:"agent_id"`
	TaskID     *string          `json:"task_id,omitempty"`
	Reason     string           `json:"reason"`
	Status     AssistanceStatus `json:"status"`
	Resolution string           `json:"resolution,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
}
