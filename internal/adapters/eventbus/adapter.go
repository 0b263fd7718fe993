// Package eventbus adapts field change events to the event-bus target:
// every accepted change is published to a Kafka topic for downstream
// consumers. Messages are keyed by event id, so redelivery after a crash
// replaces rather than duplicates — the idempotent-apply property comes from
// the key, not from the broker.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	common "github.com/example/fieldsync/internal/adapters/common"
	"github.com/example/fieldsync/internal/models"
	busprovider "github.com/example/fieldsync/internal/providers/eventbus"
)

// AdapterID identifies the event-bus adapter in delivery rows and the sync log.
const AdapterID = "eventbus"

// Adapter implements common.Adapter for the event-bus target.
type Adapter struct {
	logger   zerolog.Logger
	producer busprovider.Producer
	topic    string
}

// NewAdapter constructs an event-bus adapter.
func NewAdapter(producer busprovider.Producer, topic string, logger zerolog.Logger) (*Adapter, error) {
	if producer == nil {
		return nil, errors.New("eventbus adapter: producer dependency is required")
	}
	if topic == "" {
		return nil, errors.New("eventbus adapter: topic is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Adapter{
		logger:   logger.With().Str("component", "eventbus_adapter").Logger(),
		producer: producer,
		topic:    topic,
	}, nil
}

// ID implements common.Adapter.
func (a *Adapter) ID() string { return AdapterID }

// Priority implements common.Adapter.
func (a *Adapter) Priority() models.Priority { return models.PriorityImportant }

// Supports implements common.Adapter. The bus carries every field type.
func (a *Adapter) Supports(t models.FieldType) bool { return models.KnownFieldType(t) }

// changeMessage is the wire shape published to the bus. Field order is
// fixed, keeping MapField byte-deterministic.
type changeMessage struct {
	EventID   string            `json:"event_id"`
	FieldType models.FieldType  `json:"field_type"`
	Value     models.FieldValue `json:"value"`
}

// MapField implements common.Adapter.
func (a *Adapter) MapField(t models.FieldType, value models.FieldValue) ([]byte, error) {
	if value.Type != t {
		return nil, fmt.Errorf("eventbus adapter: value type %q does not match %q", value.Type, t)
	}
	return json.Marshal(changeMessage{FieldType: t, Value: value})
}

// Deliver implements common.Adapter. Publish failures are always transient:
// the broker being down is never a property of the value.
func (a *Adapter) Deliver(ctx context.Context, event models.FieldChangeEvent, payload []byte) (*common.SyncResult, error) {
	if err := ctx.Err(); err != nil {
		return &common.SyncResult{Status: "aborted", Message: err.Error()}, common.WrapTransient(err)
	}

	var msg changeMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, common.WrapPermanent(fmt.Errorf("eventbus adapter: decode payload: %w", err))
	}
	msg.EventID = event.ID
	enriched, err := json.Marshal(msg)
	if err != nil {
		return nil, common.WrapPermanent(fmt.Errorf("eventbus adapter: encode message: %w", err))
	}

	headers := map[string][]byte{
		"content-type": []byte("application/json"),
		"record-id":    []byte(event.RecordID),
		"field-key":    []byte(event.FieldKey),
		"session-id":   []byte(event.OriginSessionID),
	}
	if err := a.producer.PublishSync(a.topic, []byte(event.ID), headers, enriched); err != nil {
		a.logger.Warn().
			Str("event_id", event.ID).
			Str("topic", a.topic).
			Err(err).
			Msg("eventbus adapter publish failed")
		return &common.SyncResult{Status: "unreachable", Message: err.Error()}, common.WrapTransient(err)
	}

	a.logger.Debug().
		Str("event_id", event.ID).
		Str("topic", a.topic).
		Msg("eventbus adapter publish succeeded")
	return &common.SyncResult{Status: "ok", ExternalID: event.ID, Message: "published"}, nil
}

// HealthCheck implements common.Adapter.
func (a *Adapter) HealthCheck(context.Context) bool { return a.producer.IsReady() }
