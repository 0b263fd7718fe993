// Package models defines the domain types shared across the sync engine:
// the field-level change event, the tagged field value union, per-adapter
// delivery state and the append-only sync log.
package models

import (
	"errors"
	"time"
)

// ErrStorageExhausted is surfaced synchronously by change capture when the
// durable local queue cannot accept a new entry. A change the engine cannot
// later deliver is rejected at the source, never silently dropped.
var ErrStorageExhausted = errors.New("local sync queue storage exhausted")

// Priority classes drive lease ordering: critical entries are drained before
// important ones, important before optional. Assigned per field type by the
// definition registry.
type Priority int

const (
	PriorityCritical  Priority = 0
	PriorityImportant Priority = 1
	PriorityOptional  Priority = 2
)

// FieldChangeEvent is the atomic unit of replicated state: one field of one
// record changing value. Created once at capture and immutable thereafter;
// later edits to the same field supersede it with new events rather than
// mutating it.
type FieldChangeEvent struct {
	ID        string    `json:"id"`
	RecordID  string    `json:"record_id"`
	GroupID   string    `json:"group_id"`
	FieldKey  string    `json:"field_key"`
	FieldType FieldType `json:"field_type"`

	OldValue FieldValue `json:"old_value"`
	NewValue FieldValue `json:"new_value"`

	ActorID         string `json:"actor_id"`
	OriginSessionID string `json:"origin_session_id"`

	// CapturedAt is the client wall clock. Not trusted for cross-device
	// ordering; tie-break heuristics only.
	CapturedAt time.Time `json:"captured_at"`

	// Sequence is the per-session monotonic counter and the authoritative
	// intra-session order.
	Sequence int64 `json:"sequence"`

	// LamportTS orders events across sessions without wall-clock trust.
	LamportTS int64 `json:"lamport_ts"`
}

// RemoteState describes the target system's current view of a field as
// reported by an adapter that detected an out-of-band change during delivery.
type RemoteState struct {
	Value     FieldValue `json:"value"`
	LamportTS int64      `json:"lamport_ts"`
	SessionID string     `json:"session_id"`
}
