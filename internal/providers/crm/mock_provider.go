package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scenario enumerates the supported mock behaviours.
type Scenario string

const (
	ScenarioSuccess   Scenario = "success"
	ScenarioTransient Scenario = "transient"
	ScenarioPermanent Scenario = "permanent"
	ScenarioTimeout   Scenario = "timeout"
	ScenarioConflict  Scenario = "conflict"
)

// MockOption customizes the mock provider at construction time.
type MockOption func(*MockProvider)

// WithDefaultScenario sets the behaviour used when no per-field override is
// registered.
func WithDefaultScenario(s Scenario) MockOption {
	return func(p *MockProvider) { p.defaultScenario = s }
}

// WithClock overrides the clock used for response timestamps.
func WithClock(now func() time.Time) MockOption {
	return func(p *MockProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// MockProvider is a deterministic in-memory CRM suitable for local
// development and automated testing. No network calls are made; behaviour is
// controlled per (record, field) or via the default scenario.
type MockProvider struct {
	logger          zerolog.Logger
	defaultScenario Scenario
	now             func() time.Time

	mu        sync.Mutex
	scenarios map[string]Scenario
	conflicts map[string]string // scripted 409 bodies per (record, field)
	pushes    []Payload
	seq       int
}

// NewMockProvider constructs a mock provider that succeeds by default.
func NewMockProvider(logger zerolog.Logger, opts ...MockOption) *MockProvider {
	p := &MockProvider{
		logger:          logger.With().Str("component", "crm_mock_provider").Logger(),
		defaultScenario: ScenarioSuccess,
		now:             time.Now,
		scenarios:       make(map[string]Scenario),
		conflicts:       make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

func fieldKey(recordID, field string) string { return recordID + "\x00" + field }

// SetScenario overrides the behaviour for one (record, field).
func (p *MockProvider) SetScenario(recordID, field string, s Scenario) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scenarios[fieldKey(recordID, field)] = s
}

// SetConflictState scripts the 409 body returned for one (record, field)
// when its scenario is ScenarioConflict.
func (p *MockProvider) SetConflictState(recordID, field, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conflicts[fieldKey(recordID, field)] = body
}

// Pushes returns a copy of every payload pushed so far, in order.
func (p *MockProvider) Pushes() []Payload {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Payload, len(p.pushes))
	copy(out, p.pushes)
	return out
}

// Push implements Provider.
func (p *MockProvider) Push(ctx context.Context, payload *Payload) (*RawResponse, error) {
	if payload == nil {
		return nil, fmt.Errorf("crm mock: payload is nil")
	}

	p.mu.Lock()
	p.pushes = append(p.pushes, *payload)
	p.seq++
	seq := p.seq
	scenario, ok := p.scenarios[fieldKey(payload.RecordID, payload.FieldKey)]
	if !ok {
		scenario = p.defaultScenario
	}
	conflictBody := p.conflicts[fieldKey(payload.RecordID, payload.FieldKey)]
	p.mu.Unlock()

	switch scenario {
	case ScenarioTimeout:
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(30 * time.Second):
			return nil, context.DeadlineExceeded
		}
	case ScenarioTransient:
		return &RawResponse{Code: 503, Body: `{"error":"service unavailable"}`, Timestamp: p.now().UTC()}, nil
	case ScenarioPermanent:
		return &RawResponse{Code: 422, Body: `{"error":"unprocessable value"}`, Timestamp: p.now().UTC()}, nil
	case ScenarioConflict:
		if conflictBody == "" {
			conflictBody = `{"value":{},"lamport_ts":0,"session_id":""}`
		}
		return &RawResponse{Code: 409, Body: conflictBody, Timestamp: p.now().UTC()}, nil
	default:
		body, _ := json.Marshal(map[string]string{"id": fmt.Sprintf("crm-%06d", seq)})
		return &RawResponse{
			Code:       200,
			ExternalID: fmt.Sprintf("crm-%06d", seq),
			Body:       string(body),
			Timestamp:  p.now().UTC(),
		}, nil
	}
}

// Ping implements Provider. The mock is always healthy.
func (p *MockProvider) Ping(context.Context) error { return nil }
