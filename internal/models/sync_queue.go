package models

import "encoding/json"

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// SyncQueueEntry is one local mutation not yet acknowledged by the remote store.
type SyncQueueEntry struct {
	ID         int64           `json:"id"`
	ReminderID string          `json:"reminder_id"`
	UserID     string          `json:"user_id"`
	Operation  Operation       `json:"operation"`
	Timestamp  int64           `json:"timestamp"`
	RetryCount int             `json:"retry_count"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}
