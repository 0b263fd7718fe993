// Package orchestrator drives the delivery of queued field change events to
// their target adapters. It leases batches from the durable queue, validates
// each event once, fans the delivery out to the owed adapters under a
// concurrency bound and classifies every outcome back into the queue's
// delivery state machine.
package orchestrator

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	common "github.com/example/fieldsync/internal/adapters/common"
	"github.com/example/fieldsync/internal/field"
	"github.com/example/fieldsync/internal/models"
	"github.com/example/fieldsync/internal/resolver"
)

// Config contains the runtime settings the orchestrator relies on for
// leasing, retries and dead-letter handling.
type Config struct {
	BatchSize         int
	PollInterval      time.Duration
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	AdapterTimeout    time.Duration
	WorkerConcurrency int
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.AdapterTimeout <= 0 {
		c.AdapterTimeout = 30 * time.Second
	}
	if c.WorkerConcurrency <= 0 {
		c.WorkerConcurrency = 4
	}
}

// QueueStore is the subset of queue behaviour the orchestrator needs.
type QueueStore interface {
	LeaseNextBatch(maxN int) ([]models.SyncQueueEntry, error)
	MarkDelivered(eventID, adapterID, outcome string) error
	MarkFailed(eventID, adapterID string, retryAt time.Time, cause string) error
	MoveToDeadLetter(eventID, adapterID, failureType, cause string) error
	DeadLetterAll(eventID, failureType, cause string) error
	ReleaseLeases(eventIDs []string) error
	ReleaseDelivery(eventID, adapterID string) error
	HasNewerEvent(recordID, fieldKey, sessionID string, sequence int64) (bool, error)
	DeliveredAhead(recordID, fieldKey, sessionID string, sequence int64, adapterID string) (bool, error)
	AppendLog(eventID, adapterID, outcome, errMsg string) error
}

// AdapterSource resolves adapter ids to implementations and enable flags.
type AdapterSource interface {
	Get(id string) (common.Adapter, bool)
	Enabled(id string) bool
}

// ConflictHandler receives surfaced concurrent edits. Nothing has been
// applied when it runs; the delivery has already been dead-lettered for
// operator review.
type ConflictHandler func(conflict resolver.Conflict)

// Dependencies collects the runtime collaborators required by the
// orchestrator.
type Dependencies struct {
	Queue           QueueStore
	Adapters        AdapterSource
	Definitions     *models.DefinitionRegistry
	Validation      field.Context
	ConflictHandler ConflictHandler
	Logger          zerolog.Logger
	Now             func() time.Time
}

// Orchestrator is the single consumer of the sync queue. It never mutates
// event payloads, only delivery state.
type Orchestrator struct {
	cfg         Config
	queue       QueueStore
	adapters    AdapterSource
	definitions *models.DefinitionRegistry
	validation  field.Context
	onConflict  ConflictHandler
	logger      zerolog.Logger

	semaphore *semaphore.Weighted
	online    atomic.Bool

	now func() time.Time

	randMu sync.Mutex
	rnd    *rand.Rand
}

// New constructs an orchestrator using the supplied configuration and
// collaborators. The dependencies are validated to prevent misconfiguration
// at startup. The orchestrator starts online.
func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	cfg.applyDefaults()

	if deps.Queue == nil {
		return nil, errors.New("orchestrator: queue dependency is required")
	}
	if deps.Adapters == nil {
		return nil, errors.New("orchestrator: adapter source dependency is required")
	}
	if deps.Definitions == nil {
		return nil, errors.New("orchestrator: definition registry dependency is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "sync_orchestrator").Logger()

	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	o := &Orchestrator{
		cfg:         cfg,
		queue:       deps.Queue,
		adapters:    deps.Adapters,
		definitions: deps.Definitions,
		validation:  deps.Validation,
		onConflict:  deps.ConflictHandler,
		logger:      logger,
		semaphore:   semaphore.NewWeighted(int64(cfg.WorkerConcurrency)),
		now:         nowFunc,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	o.online.Store(true)
	return o, nil
}

// SetOnline flips the connectivity gate. Going offline does not interrupt an
// attempt already in flight with an adapter; deliveries not yet attempted are
// released back to pending.
func (o *Orchestrator) SetOnline(online bool) {
	prev := o.online.Swap(online)
	if prev != online {
		o.logger.Info().Bool("online", online).Msg("connectivity changed")
	}
}

// Online reports the connectivity gate.
func (o *Orchestrator) Online() bool { return o.online.Load() }

// Run polls the queue until the context is cancelled. Each poll drains one
// leased batch to completion before the next lease, which keeps events for
// the same field strictly ordered across batches.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if o.online.Load() {
			if _, err := o.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error().Err(err).Msg("sync pass failed")
			}
		}
		if !o.wait(ctx, o.cfg.PollInterval) {
			return ctx.Err()
		}
	}
}

// RunOnce leases and processes a single batch. It returns the number of
// entries processed. Entries for distinct fields run concurrently; entries
// for the same (record, field) run in sequence order on one goroutine.
func (o *Orchestrator) RunOnce(ctx context.Context) (int, error) {
	entries, err := o.queue.LeaseNextBatch(o.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	groups := groupByField(entries)

	var wg sync.WaitGroup
	for _, group := range groups {
		if err := o.semaphore.Acquire(ctx, 1); err != nil {
			// Shutdown mid-batch: hand the unstarted work back to the queue.
			o.releaseGroup(group)
			continue
		}
		wg.Add(1)
		go func(group []models.SyncQueueEntry) {
			defer wg.Done()
			defer o.semaphore.Release(1)
			for _, entry := range group {
				o.processEntry(ctx, entry)
			}
		}(group)
	}
	wg.Wait()
	return len(entries), nil
}

// groupByField partitions a leased batch so that entries touching the same
// (record, field) stay together, preserving their lease order.
func groupByField(entries []models.SyncQueueEntry) [][]models.SyncQueueEntry {
	index := make(map[string]int)
	var groups [][]models.SyncQueueEntry
	for _, entry := range entries {
		key := entry.Event.RecordID + "\x00" + entry.Event.FieldKey
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], entry)
	}
	return groups
}

func (o *Orchestrator) releaseGroup(group []models.SyncQueueEntry) {
	ids := make([]string, 0, len(group))
	for _, entry := range group {
		ids = append(ids, entry.Event.ID)
	}
	if err := o.queue.ReleaseLeases(ids); err != nil {
		o.logger.Error().Err(err).Msg("failed to release leased entries")
	}
}

func (o *Orchestrator) processEntry(ctx context.Context, entry models.SyncQueueEntry) {
	event := entry.Event
	logger := o.logger.With().
		Str("event_id", event.ID).
		Str("record_id", event.RecordID).
		Str("field_key", event.FieldKey).
		Logger()

	if ctx.Err() != nil || !o.online.Load() {
		o.releaseGroup([]models.SyncQueueEntry{entry})
		return
	}

	// Validation runs once per event, before any adapter is attempted. A
	// structurally invalid value cannot be fixed by retrying, so every
	// delivery is dead-lettered without a single network call.
	def, ok := o.definitions.Lookup(event.FieldType)
	if !ok {
		cause := "no definition for field type " + string(event.FieldType)
		logger.Warn().Msg(cause)
		o.rejectEntry(event.ID, cause, logger)
		return
	}
	res := field.Validate(ctx, def, event.NewValue, o.validation)
	for _, w := range res.Warnings {
		logger.Warn().Str("warning", w).Msg("validation warning")
	}
	if !res.IsValid {
		cause := strings.Join(res.Errors, "; ")
		logger.Warn().Str("errors", cause).Msg("event rejected by validation")
		o.rejectEntry(event.ID, cause, logger)
		return
	}

	// A newer event from the same session for the same field carries the
	// final value; delivering this one would be wasted or reordering work.
	newer, err := o.queue.HasNewerEvent(event.RecordID, event.FieldKey, event.OriginSessionID, event.Sequence)
	if err != nil {
		logger.Error().Err(err).Msg("stale check failed")
		o.releaseGroup([]models.SyncQueueEntry{entry})
		return
	}
	if newer {
		logger.Debug().Msg("event superseded by newer local change")
		for _, adapterID := range entry.OwedAdapters() {
			if err := o.queue.MarkDelivered(event.ID, adapterID, models.OutcomeSuperseded); err != nil {
				logger.Error().Str("adapter_id", adapterID).Err(err).Msg("failed to mark superseded")
			}
		}
		return
	}

	for _, adapterID := range entry.OwedAdapters() {
		if ctx.Err() != nil || !o.online.Load() {
			if err := o.queue.ReleaseDelivery(event.ID, adapterID); err != nil {
				logger.Error().Str("adapter_id", adapterID).Err(err).Msg("failed to release delivery")
			}
			continue
		}
		o.deliverTo(ctx, entry, adapterID, res.Normalized, logger)
	}
}

func (o *Orchestrator) rejectEntry(eventID, cause string, logger zerolog.Logger) {
	if err := o.queue.AppendLog(eventID, "", models.OutcomeRejected, cause); err != nil {
		logger.Error().Err(err).Msg("failed to append rejection log")
	}
	if err := o.queue.DeadLetterAll(eventID, models.FailureTypeValidation, cause); err != nil {
		logger.Error().Err(err).Msg("failed to dead-letter rejected event")
	}
}

func (o *Orchestrator) deliverTo(ctx context.Context, entry models.SyncQueueEntry, adapterID string, normalized models.FieldValue, logger zerolog.Logger) {
	event := entry.Event
	logger = logger.With().Str("adapter_id", adapterID).Logger()

	// The queued-events check above cannot see a newer event that was
	// delivered and garbage-collected while this one waited in backoff; the
	// per-adapter watermark can. An event at or below it must not be pushed,
	// or the adapter would end up holding the older value.
	ahead, err := o.queue.DeliveredAhead(event.RecordID, event.FieldKey, event.OriginSessionID, event.Sequence, adapterID)
	if err != nil {
		logger.Error().Err(err).Msg("watermark check failed")
		if rErr := o.queue.ReleaseDelivery(event.ID, adapterID); rErr != nil {
			logger.Error().Err(rErr).Msg("failed to release delivery")
		}
		return
	}
	if ahead {
		logger.Debug().Msg("newer value already delivered; event superseded")
		if err := o.queue.MarkDelivered(event.ID, adapterID, models.OutcomeSuperseded); err != nil {
			logger.Error().Err(err).Msg("failed to mark superseded")
		}
		return
	}

	if !o.adapters.Enabled(adapterID) {
		// Disabled adapters keep their backlog; the delivery waits in
		// pending without accruing attempts.
		if err := o.queue.ReleaseDelivery(event.ID, adapterID); err != nil {
			logger.Error().Err(err).Msg("failed to release delivery for disabled adapter")
		}
		return
	}
	adapter, ok := o.adapters.Get(adapterID)
	if !ok {
		logger.Warn().Msg("adapter not registered; delivery returned to pending")
		if err := o.queue.ReleaseDelivery(event.ID, adapterID); err != nil {
			logger.Error().Err(err).Msg("failed to release delivery for missing adapter")
		}
		return
	}

	payload, err := adapter.MapField(event.FieldType, normalized)
	if err != nil {
		logger.Warn().Err(err).Msg("field mapping failed")
		if dlErr := o.queue.MoveToDeadLetter(event.ID, adapterID, models.FailureTypePermanent, err.Error()); dlErr != nil {
			logger.Error().Err(dlErr).Msg("failed to dead-letter unmappable delivery")
		}
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.AdapterTimeout)
	start := o.now()
	result, err := adapter.Deliver(attemptCtx, event, payload)
	cancel()
	duration := o.now().Sub(start)

	logger = logger.With().Dur("duration", duration).Logger()

	if err == nil {
		logger.Info().Msg("delivery succeeded")
		if mErr := o.queue.MarkDelivered(event.ID, adapterID, models.OutcomeDelivered); mErr != nil {
			logger.Error().Err(mErr).Msg("failed to mark delivered")
		}
		return
	}

	// Parent cancellation (shutdown or offline) is not an attempt. The
	// delivery goes back to pending and retries promptly on the next pass.
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		logger.Warn().Msg("delivery interrupted; returned to pending")
		if rErr := o.queue.ReleaseDelivery(event.ID, adapterID); rErr != nil {
			logger.Error().Err(rErr).Msg("failed to release interrupted delivery")
		}
		return
	}

	logger.Warn().Err(err).Msg("delivery failed")

	switch {
	case errors.Is(err, common.ErrConflict):
		o.handleConflict(entry, adapterID, result, err, logger)

	case errors.Is(err, common.ErrPermanent):
		if dlErr := o.queue.MoveToDeadLetter(event.ID, adapterID, models.FailureTypePermanent, err.Error()); dlErr != nil {
			logger.Error().Err(dlErr).Msg("failed to dead-letter permanent failure")
		}

	default:
		o.scheduleRetry(entry, adapterID, result, err, logger)
	}
}

// handleConflict orders the local event against the remote state reported by
// the adapter and acts on the decision.
func (o *Orchestrator) handleConflict(entry models.SyncQueueEntry, adapterID string, result *common.SyncResult, cause error, logger zerolog.Logger) {
	event := entry.Event
	if result == nil || result.Remote == nil {
		// The adapter signalled a conflict but could not report the remote
		// state; without both values no ordering is derivable.
		o.surfaceConflict(event, adapterID, models.RemoteState{}, cause, logger)
		return
	}
	remote := *result.Remote

	decision := resolver.Resolve(event, remote)
	logger = logger.With().Str("decision", decision.String()).Logger()

	switch decision {
	case resolver.DecisionOverwrite:
		// The local event wins the ordering; the target raced us. Retry the
		// push so the newer value lands.
		logger.Info().Msg("local event newer than remote; retrying delivery")
		o.scheduleRetry(entry, adapterID, result, cause, logger)

	case resolver.DecisionSupersede:
		logger.Info().Msg("remote value newer; local event superseded")
		if err := o.queue.MarkDelivered(event.ID, adapterID, models.OutcomeSuperseded); err != nil {
			logger.Error().Err(err).Msg("failed to mark superseded")
		}

	case resolver.DecisionConflict:
		o.surfaceConflict(event, adapterID, remote, cause, logger)
	}
}

// surfaceConflict records the concurrent edit without applying either value.
func (o *Orchestrator) surfaceConflict(event models.FieldChangeEvent, adapterID string, remote models.RemoteState, cause error, logger zerolog.Logger) {
	logger.Warn().Msg("concurrent edit detected; surfacing both values")

	if err := o.queue.AppendLog(event.ID, adapterID, models.OutcomeConflict, cause.Error()); err != nil {
		logger.Error().Err(err).Msg("failed to append conflict log")
	}
	if err := o.queue.MoveToDeadLetter(event.ID, adapterID, models.FailureTypeConflict, cause.Error()); err != nil {
		logger.Error().Err(err).Msg("failed to dead-letter conflicted delivery")
	}
	if o.onConflict != nil {
		o.onConflict(resolver.Conflict{
			Event:  event,
			Local:  event.NewValue,
			Remote: remote,
		})
	}
}

// scheduleRetry books the next attempt for a transiently failed delivery, or
// dead-letters it once the attempt budget is spent. The attempt count in the
// entry reflects previous failures; this failure makes one more.
func (o *Orchestrator) scheduleRetry(entry models.SyncQueueEntry, adapterID string, result *common.SyncResult, cause error, logger zerolog.Logger) {
	attempt := 1
	for _, d := range entry.Deliveries {
		if d.AdapterID == adapterID {
			attempt = d.AttemptCount + 1
			break
		}
	}

	if attempt >= o.cfg.MaxAttempts {
		logger.Warn().Int("attempts", attempt).Msg("retry budget exhausted; dead-lettering")
		if err := o.queue.MoveToDeadLetter(entry.Event.ID, adapterID, models.FailureTypeTransient, cause.Error()); err != nil {
			logger.Error().Err(err).Msg("failed to dead-letter exhausted delivery")
		}
		return
	}

	backoff := o.computeBackoff(attempt)
	if result != nil && result.RetryAfter > backoff {
		backoff = result.RetryAfter
	}
	retryAt := o.now().Add(backoff)

	logger.Info().Int("attempt", attempt).Dur("backoff", backoff).Msg("scheduling retry")
	if err := o.queue.MarkFailed(entry.Event.ID, adapterID, retryAt, cause.Error()); err != nil {
		logger.Error().Err(err).Msg("failed to mark delivery failed")
	}
}

func (o *Orchestrator) computeBackoff(attempt int) time.Duration {
	if o.cfg.BaseBackoff <= 0 {
		return 0
	}

	multiplier := math.Pow(2, float64(attempt-1))
	raw := time.Duration(float64(o.cfg.BaseBackoff) * multiplier)
	if o.cfg.MaxBackoff > 0 && raw > o.cfg.MaxBackoff {
		raw = o.cfg.MaxBackoff
	}

	return o.fullJitter(raw)
}

func (o *Orchestrator) fullJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}

	o.randMu.Lock()
	defer o.randMu.Unlock()

	n := o.rnd.Int63n(int64(max) + 1)
	return time.Duration(n)
}

func (o *Orchestrator) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
