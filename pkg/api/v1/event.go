package v1

import "time"

// EventFrame is one message on the GET /ws feed: a bus event as delivered
// to dashboard clients.
type EventFrame struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}
