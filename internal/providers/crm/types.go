// Package crm implements the transport layer for the CRM target: a JSON
// HTTP API with conditional field updates. The adapter layer owns field
// mapping and error classification; providers only move bytes.
package crm

import (
	"context"
	"time"
)

// Payload is the canonical outbound update handed to the provider. Body is
// the adapter-mapped wire value; the remaining fields drive the CRM's
// conditional-update check.
type Payload struct {
	EventID   string
	RecordID  string
	FieldKey  string
	Body      []byte
	LamportTS int64
	SessionID string
}

// RawResponse is the low level provider response adapters inspect to derive
// SyncResult values. On a conflicting update the CRM answers 409 with its
// current field state in the body.
type RawResponse struct {
	Code       int
	ExternalID string
	Body       string
	Timestamp  time.Time
}

// Provider is the contract exposed by the CRM transport implementations.
type Provider interface {
	Push(ctx context.Context, payload *Payload) (*RawResponse, error)
	Ping(ctx context.Context) error
}
