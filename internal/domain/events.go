package domain

import "time"

// Event types for WebSocket notifications and audit actions
const (
	EventDeath                = "death"
	EventRevive               = "revive"
	EventAdminBan             = "admin_ban"
	EventAdminUnban           = "admin_unban"
	EventAdminRevive          = "admin_revive"
	EventValidationRequested  = "validation_requested"
	EventValidationCleared    = "validation_cleared"
	EventValidationReinstated = "validation_reinstated"
	EventActiveServerChanged  = "active_server_changed"
	EventPolicyDeferred       = "policy_deferred"
	EventListSyncFailed       = "list_sync_failed"
	EventLogRotated           = "log_rotated"
	EventLogTruncated         = "log_truncated"
	EventWipe                 = "wipe"
)

// Audit result values
const (
	ResultOK       = "ok"
	ResultDeferred = "deferred"
	ResultPartial  = "partial"
	ResultError    = "error"
)

// Event represents a real-time event for WebSocket broadcast
type Event struct {
	Type      string      `json:"event"`
	ServerID  string      `json:"server_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// UserEvent is the common payload for user-state transitions
type UserEvent struct {
	SteamID   string     `json:"steam_id"`
	Servers   []string   `json:"servers,omitempty"` // servers touched by the transition
	DeadUntil *time.Time `json:"dead_until,omitempty"`
	Detail    string     `json:"detail,omitempty"`
}

// DeathObservation is a typed death event handed from the collector to the
// ban engine.
type DeathObservation struct {
	SteamID  string
	ServerID string
	AliveSec *int
	At       time.Time
}

// RotationEvent marks a log file hand-over on one server
type RotationEvent struct {
	OldFile   string `json:"old_file,omitempty"`
	OldOffset int64  `json:"old_offset"`
	NewFile   string `json:"new_file,omitempty"`
	Truncated bool   `json:"truncated,omitempty"` // the same file shrank rather than rotated
}

// AuditEntry is one append-only record of a state transition or admin action
type AuditEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"` // "system", "timer", or an operator name
	Action    string    `json:"action"`
	SteamID   string    `json:"steam_id,omitempty"`
	ServerID  string    `json:"server_id,omitempty"`
	Result    string    `json:"result"`
	Detail    string    `json:"detail,omitempty"`
}
