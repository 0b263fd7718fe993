// Package common defines the contract between the sync orchestrator and
// integration adapters, together with the error classification adapters use
// to report delivery outcomes.
package common

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/example/fieldsync/internal/models"
)

// DefaultRawBodyLimit caps the number of characters retained from an external
// system's raw response when attaching it to a SyncResult.
const DefaultRawBodyLimit = 1024

// Adapter is one pluggable connector to an external system. Adapters are
// independent and failure-isolated: the orchestrator tracks delivery state
// per (event, adapter) pair, so one adapter's outage never blocks another.
type Adapter interface {
	// ID returns the stable adapter identifier used in delivery rows and
	// the sync log.
	ID() string

	// Priority orders this adapter relative to others when an event targets
	// several systems.
	Priority() models.Priority

	// Supports reports whether the adapter maps a field type. Unsupported
	// types are silently skipped for this adapter, not an error.
	Supports(t models.FieldType) bool

	// MapField converts a validated field value into the external system's
	// wire shape. Must be deterministic and idempotent: identical input
	// yields byte-identical output, which is what makes redelivery safe.
	MapField(t models.FieldType, value models.FieldValue) ([]byte, error)

	// Deliver applies one transformed value to the external system. Errors
	// are classified with the sentinels in this package so the orchestrator
	// can distinguish retryable failures from terminal ones.
	Deliver(ctx context.Context, event models.FieldChangeEvent, payload []byte) (*SyncResult, error)

	// HealthCheck probes the external system.
	HealthCheck(ctx context.Context) bool
}

// SyncResult is the normalized outcome of one delivery attempt.
type SyncResult struct {
	Status     string            `json:"status"`
	ExternalID string            `json:"external_id,omitempty"`
	Message    string            `json:"message,omitempty"`
	Raw        string            `json:"raw,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`

	// RetryAfter is an optional provider-supplied delay hint honoured in
	// preference to the computed backoff.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// Remote is populated when the adapter detected that the target's
	// current value differs from the event's old value, meaning something
	// changed the target between capture and delivery. Input to the
	// conflict resolver.
	Remote *models.RemoteState `json:"remote,omitempty"`
}

// TruncateRaw trims a raw response body to the supplied rune limit.
func TruncateRaw(raw string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(raw) <= limit {
		return raw
	}
	runes := []rune(raw)
	return string(runes[:limit])
}
