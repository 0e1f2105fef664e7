// Package domain contains core domain types for the relay.
package domain

import (
	"encoding/json"
	"time"
)

// SessionRecord is the durable subset of a session. The live client
// connection and pending call metadata other than ids are never stored.
type SessionRecord struct {
	SessionID      string          `json:"session_id"`
	CreatedAt      time.Time       `json:"created_at"`
	LastActivity   time.Time       `json:"last_activity"`
	UIState        json.RawMessage `json:"ui_state,omitempty"`
	JobSearch      json.RawMessage `json:"job_search,omitempty"`
	PendingCallIDs []string        `json:"pending_call_ids,omitempty"`
}
