package v1

import "time"

// Session is one transport session: the persisted row merged with whether
// the server currently holds a live in-memory transport for it.
type Session struct {
	ID                 string     `json:"session_id"`
	AgentID            string     `json:"agent_id,omitempty"`
	Status             string     `json:"status"`
	Connected          bool       `json:"connected"`
	RecoveryAttempts   int        `json:"recovery_attempts"`
	CreatedAt          time.Time  `json:"created_at"`
	LastHeartbeat      time.Time  `json:"last_heartbeat"`
	DisconnectedAt     *time.Time `json:"disconnected_at,omitempty"`
	GracePeriodExpires *time.Time `json:"grace_period_expires,omitempty"`
}

// SessionsResponse is the GET /sessions envelope.
type SessionsResponse struct {
	Count    int       `json:"count"`
	Sessions []Session `json:"sessions"`
}

// RecoverSessionResponse is returned by POST /sessions/:id/recover.
type RecoverSessionResponse struct {
	SessionID        string `json:"session_id"`
	Status           string `json:"status"`
	RecoveryAttempts int    `json:"recovery_attempts"`
}
