// Package crm adapts field change events to the CRM target: it owns the
// field-type mapping and the classification of provider responses into the
// orchestrator's error taxonomy.
package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	common "github.com/example/fieldsync/internal/adapters/common"
	"github.com/example/fieldsync/internal/models"
	crmprovider "github.com/example/fieldsync/internal/providers/crm"
)

// AdapterID identifies the CRM adapter in delivery rows and the sync log.
const AdapterID = "crm"

// Option customises adapter behaviour.
type Option func(*Adapter)

// WithRawBodyLimit overrides the maximum number of characters retained from
// the provider raw response.
func WithRawBodyLimit(limit int) Option {
	return func(a *Adapter) {
		if limit > 0 {
			a.maxRawChars = limit
		}
	}
}

// Adapter implements common.Adapter for the CRM target.
type Adapter struct {
	logger      zerolog.Logger
	provider    crmprovider.Provider
	maxRawChars int
}

// NewAdapter constructs a CRM adapter using the provided dependencies.
func NewAdapter(provider crmprovider.Provider, logger zerolog.Logger, opts ...Option) (*Adapter, error) {
	if provider == nil {
		return nil, errors.New("crm adapter: provider dependency is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	a := &Adapter{
		logger:      logger.With().Str("component", "crm_adapter").Logger(),
		provider:    provider,
		maxRawChars: common.DefaultRawBodyLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// ID implements common.Adapter.
func (a *Adapter) ID() string { return AdapterID }

// Priority implements common.Adapter.
func (a *Adapter) Priority() models.Priority { return models.PriorityCritical }

// Supports implements common.Adapter. The CRM has no representation for
// matrix-shaped fields; those are skipped for this adapter.
func (a *Adapter) Supports(t models.FieldType) bool {
	switch t {
	case models.FieldTypeGuestCount, models.FieldTypeScheduledDate,
		models.FieldTypeText, models.FieldTypeChoice:
		return true
	default:
		return false
	}
}

// Wire shapes pushed to the CRM. Struct field order is fixed, so MapField
// output is byte-identical for identical input.
type guestCountWire struct {
	Adults   int `json:"adults"`
	Children int `json:"children"`
	Infants  int `json:"infants"`
	Total    int `json:"total"`
}

type dateWire struct {
	Date string `json:"date"`
}

type textWire struct {
	Text string `json:"text"`
}

type choiceWire struct {
	Choice string `json:"choice"`
}

// MapField implements common.Adapter.
func (a *Adapter) MapField(t models.FieldType, value models.FieldValue) ([]byte, error) {
	if value.Type != t {
		return nil, fmt.Errorf("crm adapter: value type %q does not match %q", value.Type, t)
	}
	switch t {
	case models.FieldTypeGuestCount:
		g := value.GuestCount
		return json.Marshal(guestCountWire{
			Adults: g.Adults, Children: g.Children, Infants: g.Infants, Total: g.Total(),
		})
	case models.FieldTypeScheduledDate:
		return json.Marshal(dateWire{Date: value.Date.Date.UTC().Format("2006-01-02")})
	case models.FieldTypeText:
		return json.Marshal(textWire{Text: *value.Text})
	case models.FieldTypeChoice:
		return json.Marshal(choiceWire{Choice: value.Choice.Selected})
	default:
		return nil, fmt.Errorf("crm adapter: unsupported field type %q", t)
	}
}

type conflictBody struct {
	Value     models.FieldValue `json:"value"`
	LamportTS int64             `json:"lamport_ts"`
	SessionID string            `json:"session_id"`
}

// Deliver implements common.Adapter. The push is conditional on the CRM
// side; a 409 response carries the CRM's current field state, which is
// surfaced to the conflict resolver through SyncResult.Remote.
func (a *Adapter) Deliver(ctx context.Context, event models.FieldChangeEvent, payload []byte) (*common.SyncResult, error) {
	raw, err := a.provider.Push(ctx, &crmprovider.Payload{
		EventID:   event.ID,
		RecordID:  event.RecordID,
		FieldKey:  event.FieldKey,
		Body:      payload,
		LamportTS: event.LamportTS,
		SessionID: event.OriginSessionID,
	})
	if err != nil {
		a.logger.Warn().
			Str("event_id", event.ID).
			Str("record_id", event.RecordID).
			Err(err).
			Msg("crm adapter push failed")
		if isTimeout(err) {
			return &common.SyncResult{Status: "timeout", Message: err.Error()}, common.WrapTransient(err)
		}
		return &common.SyncResult{Status: "unreachable", Message: err.Error()}, common.WrapTransient(err)
	}

	res := &common.SyncResult{
		ExternalID: raw.ExternalID,
		Raw:        common.TruncateRaw(raw.Body, a.maxRawChars),
	}

	switch {
	case raw.Code >= 200 && raw.Code < 300:
		res.Status = "ok"
		res.Message = "applied"
		a.logger.Debug().
			Str("event_id", event.ID).
			Str("external_id", raw.ExternalID).
			Msg("crm adapter push succeeded")
		return res, nil

	case raw.Code == 409:
		var body conflictBody
		if err := json.Unmarshal([]byte(raw.Body), &body); err != nil {
			res.Status = "conflict"
			res.Message = "conflict body undecodable"
			return res, common.WrapPermanent(fmt.Errorf("decode conflict body: %w", err))
		}
		res.Status = "conflict"
		res.Message = "remote value changed since capture"
		res.Remote = &models.RemoteState{
			Value:     body.Value,
			LamportTS: body.LamportTS,
			SessionID: body.SessionID,
		}
		return res, common.WrapConflict(fmt.Errorf("record %s field %s", event.RecordID, event.FieldKey))

	case raw.Code == 408 || raw.Code == 429 || raw.Code >= 500:
		res.Status = "rate_limited"
		res.Message = fmt.Sprintf("crm returned status %d", raw.Code)
		if raw.Code == 429 {
			res.RetryAfter = 30 * time.Second
		}
		return res, common.WrapTransient(errors.New(res.Message))

	default:
		res.Status = "rejected"
		res.Message = fmt.Sprintf("crm returned status %d", raw.Code)
		return res, common.WrapPermanent(errors.New(res.Message))
	}
}

// HealthCheck implements common.Adapter.
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	return a.provider.Ping(ctx) == nil
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
