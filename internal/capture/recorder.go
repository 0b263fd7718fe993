// Package capture turns field mutations into immutable change events and
// pushes them into the durable local queue synchronously with the caller's
// write. Nothing can be lost between the UI layer and the queue: either the
// event is durably enqueued before RecordChange returns, or the mutation
// fails with a storage error the caller must surface.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/fieldsync/internal/broadcast"
	"github.com/example/fieldsync/internal/clock"
	"github.com/example/fieldsync/internal/models"
)

// QueueStore is the durable queue surface the recorder writes to.
type QueueStore interface {
	Enqueue(event models.FieldChangeEvent, priority models.Priority, targetAdapterIDs []string) error
	SessionState(sessionID string) (seq, lamport int64, err error)
	ObserveLamport(sessionID string, ts int64) error
}

// TargetResolver supplies the adapters owed a delivery for a field type.
type TargetResolver interface {
	TargetsFor(t models.FieldType) []string
}

// Dependencies collects the recorder's collaborators.
type Dependencies struct {
	Store       QueueStore
	Targets     TargetResolver
	Definitions *models.DefinitionRegistry
	Broadcaster broadcast.Publisher
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Recorder is the change-capture entry point for one session. The sequence
// counter is the authoritative intra-session order; it is seeded from the
// durable store so restarts never reuse a sequence number.
type Recorder struct {
	sessionID   string
	store       QueueStore
	targets     TargetResolver
	definitions *models.DefinitionRegistry
	broadcaster broadcast.Publisher
	clock       *clock.Clock
	logger      zerolog.Logger
	now         func() time.Time

	seq atomic.Int64
}

// NewRecorder constructs a recorder for a session, restoring the persisted
// sequence counter and Lamport clock.
func NewRecorder(sessionID string, deps Dependencies) (*Recorder, error) {
	if sessionID == "" {
		return nil, errors.New("capture: session id is required")
	}
	if deps.Store == nil {
		return nil, errors.New("capture: store dependency is required")
	}
	if deps.Targets == nil {
		return nil, errors.New("capture: target resolver dependency is required")
	}
	if deps.Definitions == nil {
		return nil, errors.New("capture: definition registry dependency is required")
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = broadcast.NopPublisher{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	seq, lamport, err := deps.Store.SessionState(sessionID)
	if err != nil {
		return nil, fmt.Errorf("capture: restore session state: %w", err)
	}

	r := &Recorder{
		sessionID:   sessionID,
		store:       deps.Store,
		targets:     deps.Targets,
		definitions: deps.Definitions,
		broadcaster: deps.Broadcaster,
		clock:       clock.New(lamport),
		logger:      deps.Logger.With().Str("component", "capture").Str("session_id", sessionID).Logger(),
		now:         deps.Now,
	}
	r.seq.Store(seq)
	return r, nil
}

// SessionID returns the session this recorder writes for.
func (r *Recorder) SessionID() string { return r.sessionID }

// Clock exposes the session's logical clock so broadcast subscribers can
// merge remote timestamps into it.
func (r *Recorder) Clock() *clock.Clock { return r.clock }

// ObserveRemote merges a change seen from another session: the logical clock
// advances and the new floor is persisted so a restart cannot regress it.
func (r *Recorder) ObserveRemote(event models.FieldChangeEvent) {
	ts := r.clock.Observe(event.LamportTS)
	if err := r.store.ObserveLamport(r.sessionID, ts); err != nil {
		r.logger.Warn().Err(err).Msg("capture: persist observed lamport failed")
	}
}

// RecordChange captures one field mutation. It assigns the event identity,
// sequence and Lamport timestamp, enqueues it durably and then broadcasts it
// best-effort to other live sessions. Queue storage exhaustion fails the
// mutation with models.ErrStorageExhausted.
func (r *Recorder) RecordChange(ctx context.Context, recordID, groupID, fieldKey string, fieldType models.FieldType, oldValue, newValue models.FieldValue, actorID string) (*models.FieldChangeEvent, error) {
	if recordID == "" || fieldKey == "" {
		return nil, errors.New("capture: record id and field key are required")
	}
	if !models.KnownFieldType(fieldType) {
		return nil, fmt.Errorf("capture: unknown field type %q", fieldType)
	}
	if err := newValue.CheckShape(); err != nil {
		return nil, fmt.Errorf("capture: new value: %w", err)
	}
	if err := oldValue.CheckShape(); err != nil {
		return nil, fmt.Errorf("capture: old value: %w", err)
	}
	if !newValue.IsZero() && newValue.Type != fieldType {
		return nil, fmt.Errorf("capture: new value type %q does not match field type %q", newValue.Type, fieldType)
	}

	event := models.FieldChangeEvent{
		ID:              uuid.NewString(),
		RecordID:        recordID,
		GroupID:         groupID,
		FieldKey:        fieldKey,
		FieldType:       fieldType,
		OldValue:        oldValue,
		NewValue:        newValue,
		ActorID:         actorID,
		OriginSessionID: r.sessionID,
		CapturedAt:      r.now().UTC(),
		Sequence:        r.seq.Add(1),
		LamportTS:       r.clock.Tick(),
	}

	targets := r.targets.TargetsFor(fieldType)
	if len(targets) == 0 {
		// No adapter maps this field type; there is nothing to deliver.
		// The change is still broadcast so other sessions stay current.
		r.logger.Debug().
			Str("field_key", fieldKey).
			Str("field_type", string(fieldType)).
			Msg("capture: no adapter targets for field type")
	} else {
		priority := r.definitions.PriorityFor(fieldType)
		if err := r.store.Enqueue(event, priority, targets); err != nil {
			if errors.Is(err, models.ErrStorageExhausted) {
				r.logger.Error().Err(err).
					Str("record_id", recordID).
					Str("field_key", fieldKey).
					Msg("capture: local queue storage exhausted, mutation rejected")
				return nil, err
			}
			return nil, fmt.Errorf("capture: enqueue: %w", err)
		}
	}

	if err := r.broadcaster.Publish(ctx, event); err != nil {
		// Best-effort by contract: the durable queue already owns delivery.
		r.logger.Warn().Err(err).
			Str("event_id", event.ID).
			Msg("capture: broadcast publish failed")
	}

	r.logger.Debug().
		Str("event_id", event.ID).
		Str("record_id", recordID).
		Str("field_key", fieldKey).
		Int64("sequence", event.Sequence).
		Int64("lamport_ts", event.LamportTS).
		Int("targets", len(targets)).
		Msg("capture: change recorded")

	return &event, nil
}
