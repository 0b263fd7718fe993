package models

import "time"

// Sync log outcomes. One row is appended per delivery attempt (and per
// local decision that replaces an attempt, such as a stale skip).
const (
	OutcomeDelivered  = "delivered"
	OutcomeFailed     = "failed"
	OutcomeDeadLetter = "dead_letter"
	OutcomeSuperseded = "superseded"
	OutcomeRejected   = "rejected"
	OutcomeConflict   = "conflict"
)

// SyncLog is one append-only audit row. Never mutated; used for
// observability and conflict diagnosis.
type SyncLog struct {
	ID        int64     `json:"id"`
	EventID   string    `json:"event_id"`
	AdapterID string    `json:"adapter_id,omitempty"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AdapterSyncStatus summarizes one adapter's standing for a record.
type AdapterSyncStatus struct {
	AdapterID       string     `json:"adapter_id"`
	Pending         int        `json:"pending"`
	Delivered       int        `json:"delivered"`
	DeadLettered    int        `json:"dead_lettered"`
	LastDeliveredAt *time.Time `json:"last_delivered_at,omitempty"`
}

// RecordSyncStatus is the status-query shape consumed by UI layers:
// always answerable locally, never blocking on network state.
type RecordSyncStatus struct {
	RecordID     string              `json:"record_id"`
	PendingCount int                 `json:"pending_count"`
	LastSyncAt   *time.Time          `json:"last_sync_at,omitempty"`
	PerAdapter   []AdapterSyncStatus `json:"per_adapter"`
}
