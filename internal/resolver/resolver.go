// Package resolver decides what happens when a delivery attempt reveals
// that the target was modified out-of-band between capture and delivery.
//
// The policy is last-writer-wins on the Lamport order, with the undecidable
// case surfaced instead of guessed: equal timestamps from two different
// sessions are provably concurrent (neither session had observed the other),
// and silently picking a winner there would lose data.
package resolver

import (
	"github.com/example/fieldsync/internal/clock"
	"github.com/example/fieldsync/internal/models"
)

// Decision enumerates the resolver outcomes.
type Decision int

const (
	// DecisionOverwrite: the local event is newer; apply it to the target.
	DecisionOverwrite Decision = iota
	// DecisionSupersede: the target's value is newer; keep it and record
	// the local event as superseded. Not an error, not a retry.
	DecisionSupersede
	// DecisionConflict: no ordering is derivable. Both values are surfaced
	// for caller-level resolution; neither is applied.
	DecisionConflict
)

func (d Decision) String() string {
	switch d {
	case DecisionOverwrite:
		return "overwrite"
	case DecisionSupersede:
		return "supersede"
	case DecisionConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Conflict carries both candidate values for a surfaced concurrent edit.
// Nothing has been applied; explicit resolution input is required.
type Conflict struct {
	Event  models.FieldChangeEvent `json:"event"`
	Local  models.FieldValue       `json:"local"`
	Remote models.RemoteState      `json:"remote"`
}

// Resolve orders a local event against the remote state reported by an
// adapter. Identical values short-circuit to supersede: the target already
// holds what this event would write.
func Resolve(event models.FieldChangeEvent, remote models.RemoteState) Decision {
	if event.NewValue.Equal(remote.Value) {
		return DecisionSupersede
	}
	if event.LamportTS == remote.LamportTS && event.OriginSessionID != remote.SessionID {
		return DecisionConflict
	}
	if clock.TotalOrderLess(remote.LamportTS, remote.SessionID, event.LamportTS, event.OriginSessionID) {
		return DecisionOverwrite
	}
	return DecisionSupersede
}
