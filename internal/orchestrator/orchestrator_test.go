package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	common "github.com/example/fieldsync/internal/adapters/common"
	"github.com/example/fieldsync/internal/field"
	"github.com/example/fieldsync/internal/models"
	"github.com/example/fieldsync/internal/resolver"
)

var (
	errDown            = errors.New("target unreachable")
	errRejected        = errors.New("payload rejected")
	errVersionMismatch = errors.New("remote version mismatch")
)

// fakeQueue hands out scripted batches in order and records every state
// transition. MarkDelivered maintains the same per-adapter sequence
// high-watermark the real store keeps.
type fakeQueue struct {
	mu         sync.Mutex
	batches    [][]models.SyncQueueEntry
	next       int
	events     map[string]models.FieldChangeEvent
	newer      map[string]bool
	watermarks map[string]int64
	actions    []string
	retryAt    map[string]time.Time
}

func newFakeQueue(entries ...models.SyncQueueEntry) *fakeQueue {
	q := &fakeQueue{
		events:     make(map[string]models.FieldChangeEvent),
		newer:      make(map[string]bool),
		watermarks: make(map[string]int64),
		retryAt:    make(map[string]time.Time),
	}
	if len(entries) > 0 {
		q.addBatch(entries...)
	}
	return q
}

func (q *fakeQueue) addBatch(entries ...models.SyncQueueEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.batches = append(q.batches, entries)
	for _, e := range entries {
		q.events[e.Event.ID] = e.Event
	}
}

func watermarkKey(recordID, fieldKey, sessionID, adapterID string) string {
	return strings.Join([]string{recordID, fieldKey, sessionID, adapterID}, "/")
}

func (q *fakeQueue) record(parts ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.actions = append(q.actions, strings.Join(parts, " "))
}

func (q *fakeQueue) has(action string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, a := range q.actions {
		if a == action {
			return true
		}
	}
	return false
}

func (q *fakeQueue) LeaseNextBatch(int) ([]models.SyncQueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.next >= len(q.batches) {
		return nil, nil
	}
	batch := q.batches[q.next]
	q.next++
	return batch, nil
}

func (q *fakeQueue) MarkDelivered(eventID, adapterID, outcome string) error {
	q.record("delivered", eventID, adapterID, outcome)
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.events[eventID]; ok {
		k := watermarkKey(e.RecordID, e.FieldKey, e.OriginSessionID, adapterID)
		if e.Sequence > q.watermarks[k] {
			q.watermarks[k] = e.Sequence
		}
	}
	return nil
}

func (q *fakeQueue) MarkFailed(eventID, adapterID string, retryAt time.Time, cause string) error {
	q.record("failed", eventID, adapterID)
	q.mu.Lock()
	q.retryAt[eventID+"/"+adapterID] = retryAt
	q.mu.Unlock()
	return nil
}

func (q *fakeQueue) MoveToDeadLetter(eventID, adapterID, failureType, cause string) error {
	q.record("dead_letter", eventID, adapterID, failureType)
	return nil
}

func (q *fakeQueue) DeadLetterAll(eventID, failureType, cause string) error {
	q.record("dead_letter_all", eventID, failureType)
	return nil
}

func (q *fakeQueue) ReleaseLeases(eventIDs []string) error {
	for _, id := range eventIDs {
		q.record("released", id)
	}
	return nil
}

func (q *fakeQueue) ReleaseDelivery(eventID, adapterID string) error {
	q.record("released", eventID, adapterID)
	return nil
}

func (q *fakeQueue) HasNewerEvent(recordID, fieldKey, sessionID string, _ int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.newer[recordID+"/"+fieldKey], nil
}

func (q *fakeQueue) DeliveredAhead(recordID, fieldKey, sessionID string, sequence int64, adapterID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.watermarks[watermarkKey(recordID, fieldKey, sessionID, adapterID)] >= sequence, nil
}

func (q *fakeQueue) AppendLog(eventID, adapterID, outcome, errMsg string) error {
	q.record("log", eventID, outcome)
	return nil
}

// scriptedAdapter returns canned results per event id.
type scriptedAdapter struct {
	id       string
	mu       sync.Mutex
	calls    []string
	results  map[string]*common.SyncResult
	errs     map[string]error
	supports func(models.FieldType) bool
}

func (a *scriptedAdapter) ID() string                { return a.id }
func (a *scriptedAdapter) Priority() models.Priority { return models.PriorityCritical }
func (a *scriptedAdapter) Supports(t models.FieldType) bool {
	if a.supports != nil {
		return a.supports(t)
	}
	return true
}
func (a *scriptedAdapter) MapField(_ models.FieldType, v models.FieldValue) ([]byte, error) {
	return v.Canonical()
}
func (a *scriptedAdapter) Deliver(_ context.Context, event models.FieldChangeEvent, _ []byte) (*common.SyncResult, error) {
	a.mu.Lock()
	a.calls = append(a.calls, event.ID)
	a.mu.Unlock()
	return a.results[event.ID], a.errs[event.ID]
}
func (a *scriptedAdapter) HealthCheck(context.Context) bool { return true }

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

type fakeSource struct {
	adapters map[string]common.Adapter
	disabled map[string]bool
}

func (s *fakeSource) Get(id string) (common.Adapter, bool) {
	a, ok := s.adapters[id]
	return a, ok
}

func (s *fakeSource) Enabled(id string) bool {
	if _, ok := s.adapters[id]; !ok {
		return false
	}
	return !s.disabled[id]
}

func entryFor(eventID string, value models.FieldValue, attempts int, adapterIDs ...string) models.SyncQueueEntry {
	if len(adapterIDs) == 0 {
		adapterIDs = []string{"crm"}
	}
	deliveries := make([]models.Delivery, 0, len(adapterIDs))
	for _, id := range adapterIDs {
		deliveries = append(deliveries, models.Delivery{
			EventID:      eventID,
			AdapterID:    id,
			State:        models.StateInFlight,
			AttemptCount: attempts,
		})
	}
	return models.SyncQueueEntry{
		Event: models.FieldChangeEvent{
			ID:              eventID,
			RecordID:        "rec-1",
			GroupID:         "group-1",
			FieldKey:        "guest_count",
			FieldType:       models.FieldTypeGuestCount,
			NewValue:        value,
			OriginSessionID: "device-a",
			Sequence:        1,
			LamportTS:       5,
		},
		Priority:   models.PriorityCritical,
		Deliveries: deliveries,
	}
}

func validGuests() models.FieldValue {
	return models.GuestCountValue(models.GuestCount{Adults: 80, Children: 10})
}

func newTestOrchestrator(t *testing.T, queue *fakeQueue, source *fakeSource, opts ...func(*Config, *Dependencies)) *Orchestrator {
	t.Helper()
	defs, err := models.NewDefinitionRegistry(1, models.DefaultDefinitions(200, 72*time.Hour))
	if err != nil {
		t.Fatalf("definitions: %v", err)
	}
	cfg := Config{MaxAttempts: 5, BaseBackoff: 2 * time.Second, MaxBackoff: time.Minute}
	deps := Dependencies{
		Queue:       queue,
		Adapters:    source,
		Definitions: defs,
		Validation:  field.Context{},
		Logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	o, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

func TestRunOnceDeliversAndMarks(t *testing.T) {
	adapter := &scriptedAdapter{
		id:      "crm",
		results: map[string]*common.SyncResult{"evt-1": {Status: "ok"}},
		errs:    map[string]error{},
	}
	queue := newFakeQueue(entryFor("evt-1", validGuests(), 0))
	source := &fakeSource{adapters: map[string]common.Adapter{"crm": adapter}}
	o := newTestOrchestrator(t, queue, source)

	n, err := o.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 processed entry, got %d", n)
	}
	if adapter.callCount() != 1 {
		t.Fatalf("expected 1 delivery attempt, got %d", adapter.callCount())
	}
	if !queue.has("delivered evt-1 crm " + models.OutcomeDelivered) {
		t.Fatalf("delivery not marked: %v", queue.actions)
	}
}

func TestValidationFailureSkipsAllAdapters(t *testing.T) {
	adapter := &scriptedAdapter{id: "crm"}
	// 250 guests against a 200 capacity definition.
	invalid := models.GuestCountValue(models.GuestCount{Adults: 250})
	queue := newFakeQueue(entryFor("evt-1", invalid, 0, "crm", "eventbus"))
	source := &fakeSource{adapters: map[string]common.Adapter{"crm": adapter, "eventbus": adapter}}
	o := newTestOrchestrator(t, queue, source)

	if _, err := o.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if adapter.callCount() != 0 {
		t.Fatal("a rejected event must never reach an adapter")
	}
	if !queue.has("dead_letter_all evt-1 " + models.FailureTypeValidation) {
		t.Fatalf("expected validation dead letter: %v", queue.actions)
	}
	if !queue.has("log evt-1 " + models.OutcomeRejected) {
		t.Fatalf("expected rejection audit row: %v", queue.actions)
	}
}

func TestStaleEventSuperseded(t *testing.T) {
	adapter := &scriptedAdapter{id: "crm"}
	queue := newFakeQueue(entryFor("evt-1", validGuests(), 0))
	queue.newer["rec-1/guest_count"] = true
	source := &fakeSource{adapters: map[string]common.Adapter{"crm": adapter}}
	o := newTestOrchestrator(t, queue, source)

	if _, err := o.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if adapter.callCount() != 0 {
		t.Fatal("a superseded event must not be delivered")
	}
	if !queue.has("delivered evt-1 crm " + models.OutcomeSuperseded) {
		t.Fatalf("expected superseded outcome: %v", queue.actions)
	}
}

func TestTransientFailureSchedulesBackoff(t *testing.T) {
	adapter := &scriptedAdapter{
		id:      "crm",
		results: map[string]*common.SyncResult{"evt-1": {Status: "rate_limited"}},
		errs:    map[string]error{"evt-1": common.WrapTransient(errDown)},
	}
	queue := newFakeQueue(entryFor("evt-1", validGuests(), 1))
	source := &fakeSource{adapters: map[string]common.Adapter{"crm": adapter}}
	o := newTestOrchestrator(t, queue, source)

	before := time.Now()
	if _, err := o.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !queue.has("failed evt-1 crm") {
		t.Fatalf("expected failed transition: %v", queue.actions)
	}
	retryAt := queue.retryAt["evt-1/crm"]
	// attempt 2 of 5: full jitter bounds the delay to [0, 4s].
	if retryAt.Before(before) || retryAt.After(before.Add(5*time.Second)) {
		t.Fatalf("retry scheduled outside the backoff window: %v", retryAt)
	}
}

func TestRetryAfterHintIsRespected(t *testing.T) {
	adapter := &scriptedAdapter{
		id:      "crm",
		results: map[string]*common.SyncResult{"evt-1": {Status: "rate_limited", RetryAfter: time.Hour}},
		errs:    map[string]error{"evt-1": common.WrapTransient(errDown)},
	}
	queue := newFakeQueue(entryFor("evt-1", validGuests(), 0))
	source := &fakeSource{adapters: map[string]common.Adapter{"crm": adapter}}
	o := newTestOrchestrator(t, queue, source)

	before := time.Now()
	if _, err := o.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if retryAt := queue.retryAt["evt-1/crm"]; retryAt.Before(before.Add(time.Hour)) {
		t.Fatalf("provider retry hint ignored: %v", retryAt)
	}
}

func TestRetryBudgetExhaustionDeadLetters(t *testing.T) {
	adapter := &scriptedAdapter{
		id:   "crm",
		errs: map[string]error{"evt-1": common.WrapTransient(errDown)},
	}
	// Four failures already recorded; this attempt is the fifth and last.
	queue := newFakeQueue(entryFor("evt-1", validGuests(), 4))
	source := &fakeSource{adapters: map[string]common.Adapter{"crm": adapter}}
	o := newTestOrchestrator(t, queue, source)

	if _, err := o.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !queue.has("dead_letter evt-1 crm " + models.FailureTypeTransient) {
		t.Fatalf("expected transient dead letter after budget spent: %v", queue.actions)
	}
	if queue.has("failed evt-1 crm") {
		t.Fatal("no further retry may be scheduled")
	}
}

func TestPermanentFailureDeadLettersImmediately(t *testing.T) {
	adapter := &scriptedAdapter{
		id:   "crm",
		errs: map[string]error{"evt-1": common.WrapPermanent(errRejected)},
	}
	queue := newFakeQueue(entryFor("evt-1", validGuests(), 0))
	source := &fakeSource{adapters: map[string]common.Adapter{"crm": adapter}}
	o := newTestOrchestrator(t, queue, source)

	if _, err := o.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if adapter.callCount() != 1 {
		t.Fatalf("expected exactly one attempt, got %d", adapter.callCount())
	}
	if !queue.has("dead_letter evt-1 crm " + models.FailureTypePermanent) {
		t.Fatalf("expected permanent dead letter: %v", queue.actions)
	}
}

func TestConflictRemoteNewerSupersedes(t *testing.T) {
	remote := &models.RemoteState{
		Value:     models.GuestCountValue(models.GuestCount{Adults: 60}),
		LamportTS: 9, // local event carries 5
		SessionID: "device-b",
	}
	adapter := &scriptedAdapter{
		id:      "crm",
		results: map[string]*common.SyncResult{"evt-1": {Status: "conflict", Remote: remote}},
		errs:    map[string]error{"evt-1": common.WrapConflict(errVersionMismatch)},
	}
	queue := newFakeQueue(entryFor("evt-1", validGuests(), 0))
	source := &fakeSource{adapters: map[string]common.Adapter{"crm": adapter}}
	o := newTestOrchestrator(t, queue, source)

	if _, err := o.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !queue.has("delivered evt-1 crm " + models.OutcomeSuperseded) {
		t.Fatalf("remote newer must supersede the local event: %v", queue.actions)
	}
}

func TestConcurrentEditSurfacesConflict(t *testing.T) {
	remote := &models.RemoteState{
		Value:     models.GuestCountValue(models.GuestCount{Adults: 60}),
		LamportTS: 5, // equal to the local event, different session
		SessionID: "device-b",
	}
	adapter := &scriptedAdapter{
		id:      "crm",
		results: map[string]*common.SyncResult{"evt-1": {Status: "conflict", Remote: remote}},
		errs:    map[string]error{"evt-1": common.WrapConflict(errVersionMismatch)},
	}
	queue := newFakeQueue(entryFor("evt-1", validGuests(), 0))
	source := &fakeSource{adapters: map[string]common.Adapter{"crm": adapter}}

	var mu sync.Mutex
	var surfaced []resolver.Conflict
	o := newTestOrchestrator(t, queue, source, func(_ *Config, deps *Dependencies) {
		deps.ConflictHandler = func(c resolver.Conflict) {
			mu.Lock()
			surfaced = append(surfaced, c)
			mu.Unlock()
		}
	})

	if _, err := o.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(surfaced) != 1 {
		t.Fatalf("expected one surfaced conflict, got %d", len(surfaced))
	}
	c := surfaced[0]
	if c.Local.GuestCount == nil || c.Local.GuestCount.Adults != 80 {
		t.Fatalf("local value missing from conflict: %+v", c.Local)
	}
	if c.Remote.Value.GuestCount == nil || c.Remote.Value.GuestCount.Adults != 60 {
		t.Fatalf("remote value missing from conflict: %+v", c.Remote)
	}
	if !queue.has("dead_letter evt-1 crm " + models.FailureTypeConflict) {
		t.Fatalf("conflicted delivery must be parked for review: %v", queue.actions)
	}
	if !queue.has("log evt-1 " + models.OutcomeConflict) {
		t.Fatalf("expected conflict audit row: %v", queue.actions)
	}
}

func TestDisabledAdapterKeepsDeliveryPending(t *testing.T) {
	adapter := &scriptedAdapter{id: "crm"}
	queue := newFakeQueue(entryFor("evt-1", validGuests(), 0))
	source := &fakeSource{
		adapters: map[string]common.Adapter{"crm": adapter},
		disabled: map[string]bool{"crm": true},
	}
	o := newTestOrchestrator(t, queue, source)

	if _, err := o.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if adapter.callCount() != 0 {
		t.Fatal("disabled adapter must not be attempted")
	}
	if !queue.has("released evt-1 crm") {
		t.Fatalf("delivery must be returned to pending: %v", queue.actions)
	}
}

func TestOfflineReleasesLeasedWork(t *testing.T) {
	adapter := &scriptedAdapter{id: "crm"}
	queue := newFakeQueue(entryFor("evt-1", validGuests(), 0))
	source := &fakeSource{adapters: map[string]common.Adapter{"crm": adapter}}
	o := newTestOrchestrator(t, queue, source)

	o.SetOnline(false)
	if _, err := o.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if adapter.callCount() != 0 {
		t.Fatal("no delivery may be attempted offline")
	}
	if !queue.has("released evt-1") {
		t.Fatalf("leased entries must be handed back: %v", queue.actions)
	}
}

func TestBackoffRetrySupersededByLaterDelivery(t *testing.T) {
	older := entryFor("evt-1", models.GuestCountValue(models.GuestCount{Adults: 50}), 0)
	newer := entryFor("evt-2", models.GuestCountValue(models.GuestCount{Adults: 60}), 0)
	newer.Event.Sequence = 2
	retried := entryFor("evt-1", older.Event.NewValue, 1)

	adapter := &scriptedAdapter{
		id:      "crm",
		results: map[string]*common.SyncResult{"evt-2": {Status: "ok"}},
		errs:    map[string]error{"evt-1": common.WrapTransient(errDown)},
	}
	// Pass 1: evt-1 fails and goes into backoff. Pass 2: evt-2 lands and its
	// event row leaves the queue. Pass 3: evt-1 comes out of backoff.
	queue := newFakeQueue(older)
	queue.addBatch(newer)
	queue.addBatch(retried)
	source := &fakeSource{adapters: map[string]common.Adapter{"crm": adapter}}
	o := newTestOrchestrator(t, queue, source)

	for pass := 0; pass < 3; pass++ {
		if _, err := o.RunOnce(context.Background()); err != nil {
			t.Fatalf("pass %d: %v", pass+1, err)
		}
	}

	if !queue.has("failed evt-1 crm") {
		t.Fatalf("first attempt should have failed transiently: %v", queue.actions)
	}
	if !queue.has("delivered evt-2 crm " + models.OutcomeDelivered) {
		t.Fatalf("newer event should have been delivered: %v", queue.actions)
	}
	if !queue.has("delivered evt-1 crm " + models.OutcomeSuperseded) {
		t.Fatalf("stale retry must be superseded, not delivered: %v", queue.actions)
	}
	// One failed attempt for evt-1, one successful for evt-2; the retry never
	// reaches the adapter.
	if adapter.callCount() != 2 {
		t.Fatalf("expected 2 adapter attempts, got %d (%v)", adapter.callCount(), adapter.calls)
	}
}

func TestSameFieldEntriesProcessedInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	adapter := &scriptedAdapter{id: "crm", errs: map[string]error{}, results: map[string]*common.SyncResult{}}

	first := entryFor("evt-1", validGuests(), 0)
	second := entryFor("evt-2", validGuests(), 0)
	second.Event.Sequence = 2
	queue := newFakeQueue(first, second)
	source := &fakeSource{adapters: map[string]common.Adapter{"crm": &orderedAdapter{scriptedAdapter: adapter, record: func(id string) {
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
	}}}}
	o := newTestOrchestrator(t, queue, source, func(cfg *Config, _ *Dependencies) {
		cfg.WorkerConcurrency = 8
	})

	if _, err := o.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "evt-1" || order[1] != "evt-2" {
		t.Fatalf("same-field entries reordered: %v", order)
	}
}

type orderedAdapter struct {
	*scriptedAdapter
	record func(id string)
}

func (a *orderedAdapter) Deliver(ctx context.Context, event models.FieldChangeEvent, payload []byte) (*common.SyncResult, error) {
	a.record(event.ID)
	return &common.SyncResult{Status: "ok"}, nil
}

func TestNewValidatesDependencies(t *testing.T) {
	defs, _ := models.NewDefinitionRegistry(1, models.DefaultDefinitions(200, 72*time.Hour))
	source := &fakeSource{adapters: map[string]common.Adapter{}}

	if _, err := New(Config{}, Dependencies{Adapters: source, Definitions: defs}); err == nil {
		t.Fatal("missing queue must be rejected")
	}
	if _, err := New(Config{}, Dependencies{Queue: newFakeQueue(), Definitions: defs}); err == nil {
		t.Fatal("missing adapter source must be rejected")
	}
	if _, err := New(Config{}, Dependencies{Queue: newFakeQueue(), Adapters: source}); err == nil {
		t.Fatal("missing definitions must be rejected")
	}
}
