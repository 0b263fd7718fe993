package models

import "time"

// DeliveryState tracks one (event, adapter) pair through the delivery state
// machine: pending → in_flight → {delivered | failed → in_flight | dead_letter}.
// delivered and dead_letter are terminal; there is no transition out of either.
type DeliveryState string

const (
	StatePending    DeliveryState = "pending"
	StateInFlight   DeliveryState = "in_flight"
	StateDelivered  DeliveryState = "delivered"
	StateFailed     DeliveryState = "failed"
	StateDeadLetter DeliveryState = "dead_letter"
)

// Terminal reports whether s permits no further transitions.
func (s DeliveryState) Terminal() bool {
	return s == StateDelivered || s == StateDeadLetter
}

// Delivery is the per-adapter delivery record attached to a queued event.
type Delivery struct {
	EventID      string        `json:"event_id"`
	AdapterID    string        `json:"adapter_id"`
	State        DeliveryState `json:"state"`
	AttemptCount int           `json:"attempt_count"`
	NextRetryAt  time.Time     `json:"next_retry_at,omitempty"`
	LeasedAt     time.Time     `json:"leased_at,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
}

// SyncQueueEntry is a leased unit of work: the immutable event plus the
// adapters that still owe a delivery for it. Only the orchestrator mutates
// delivery state, and an entry survives in the queue until every adapter
// has reached a terminal state.
type SyncQueueEntry struct {
	Event      FieldChangeEvent `json:"event"`
	Priority   Priority         `json:"priority"`
	Deliveries []Delivery       `json:"deliveries"`
}

// OwedAdapters returns the adapter ids currently leased for delivery.
func (e SyncQueueEntry) OwedAdapters() []string {
	ids := make([]string, 0, len(e.Deliveries))
	for _, d := range e.Deliveries {
		if d.State == StateInFlight {
			ids = append(ids, d.AdapterID)
		}
	}
	return ids
}

// DeadLetter is a terminally failed delivery preserved for operator review.
// The dead-letter store is bounded; the oldest entries are pruned first.
type DeadLetter struct {
	EventID     string           `json:"event_id"`
	AdapterID   string           `json:"adapter_id"`
	Event       FieldChangeEvent `json:"event"`
	FailureType string           `json:"failure_type"`
	Attempts    int              `json:"attempts"`
	LastError   string           `json:"last_error,omitempty"`
	FailedAt    time.Time        `json:"failed_at"`
}

// Failure classifications recorded on dead letters.
const (
	FailureTypeValidation = "validation"
	FailureTypeTransient  = "transient"
	FailureTypePermanent  = "permanent"
	FailureTypeConflict   = "conflict"
)
