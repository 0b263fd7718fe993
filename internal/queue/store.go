// Package queue implements the durable local sync queue: a crash-safe,
// ordered, at-least-once-readable store of pending field change events on
// the authoring device.
//
// SQLite in WAL mode is the single source of truth for pending work. Change
// capture writes, the orchestrator leases and marks; the lease/mark protocol
// needs no lock beyond atomic per-entry state transitions. An in_flight row
// whose lease has expired is treated as failed-in-place and re-leased, which
// is what makes delivery at-least-once across process crashes.
package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/fieldsync/internal/models"
	"github.com/example/fieldsync/internal/util"

	_ "modernc.org/sqlite"
)

// DefaultLeaseTimeout bounds how long an in_flight lease is honoured before
// a restarted process may re-lease the entry.
const DefaultLeaseTimeout = 2 * time.Minute

// DefaultDeadLetterCap bounds the dead-letter store; the oldest entries are
// pruned beyond it.
const DefaultDeadLetterCap = 500

// DefaultMaxPending caps how many events the queue holds before Enqueue
// refuses new work with models.ErrStorageExhausted.
const DefaultMaxPending = 10000

// DefaultStorageWarnPct is the queue occupancy percentage at which Enqueue
// starts logging a warning.
const DefaultStorageWarnPct = 90

// Options tune store behaviour. Zero values take the defaults above.
type Options struct {
	LeaseTimeout   time.Duration
	DeadLetterCap  int
	MaxPending     int
	StorageWarnPct int
	Logger         zerolog.Logger
}

// Store manages all SQLite persistence for the sync engine.
type Store struct {
	db             *sql.DB
	leaseTimeout   time.Duration
	deadLetterCap  int
	maxPending     int
	storageWarnPct int
	logger         zerolog.Logger
}

// Open opens (or creates) the queue database and initializes the schema.
func Open(path string, opts Options) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("queue: open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = DefaultLeaseTimeout
	}
	if opts.DeadLetterCap <= 0 {
		opts.DeadLetterCap = DefaultDeadLetterCap
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.StorageWarnPct <= 0 || opts.StorageWarnPct > 100 {
		opts.StorageWarnPct = DefaultStorageWarnPct
	}
	logger := opts.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	s := &Store{
		db:             db,
		leaseTimeout:   opts.LeaseTimeout,
		deadLetterCap:  opts.DeadLetterCap,
		maxPending:     opts.MaxPending,
		storageWarnPct: opts.StorageWarnPct,
		logger:         logger.With().Str("component", "sync_queue").Logger(),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func retryOnContention(fn func() error) error {
	return retryOp(defaultRetryConfig, fn)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id                TEXT PRIMARY KEY,
		record_id         TEXT NOT NULL,
		group_id          TEXT NOT NULL,
		field_key         TEXT NOT NULL,
		field_type        TEXT NOT NULL,
		old_value         TEXT NOT NULL,
		new_value         TEXT NOT NULL,
		actor_id          TEXT NOT NULL,
		origin_session_id TEXT NOT NULL,
		captured_at       TEXT NOT NULL,
		sequence          INTEGER NOT NULL,
		lamport_ts        INTEGER NOT NULL,
		priority          INTEGER NOT NULL,
		enqueued_at       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_field
		ON events(record_id, field_key, origin_session_id, sequence);
	CREATE INDEX IF NOT EXISTS idx_events_record ON events(record_id);

	CREATE TABLE IF NOT EXISTS deliveries (
		event_id      TEXT NOT NULL REFERENCES events(id),
		adapter_id    TEXT NOT NULL,
		state         TEXT NOT NULL DEFAULT 'pending',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		next_retry_at TEXT,
		leased_at     TEXT,
		last_error    TEXT,
		updated_at    TEXT NOT NULL,
		PRIMARY KEY (event_id, adapter_id)
	);
	CREATE INDEX IF NOT EXISTS idx_deliveries_state ON deliveries(state, next_retry_at);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		sequence   INTEGER NOT NULL DEFAULT 0,
		lamport_ts INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id   TEXT NOT NULL,
		record_id  TEXT NOT NULL DEFAULT '',
		adapter_id TEXT,
		outcome    TEXT NOT NULL,
		error      TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sync_log_event ON sync_log(event_id);
	CREATE INDEX IF NOT EXISTS idx_sync_log_record ON sync_log(record_id, outcome, created_at);

	CREATE TABLE IF NOT EXISTS delivery_watermarks (
		record_id  TEXT NOT NULL,
		field_key  TEXT NOT NULL,
		session_id TEXT NOT NULL,
		adapter_id TEXT NOT NULL,
		sequence   INTEGER NOT NULL,
		PRIMARY KEY (record_id, field_key, session_id, adapter_id)
	);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id     TEXT NOT NULL,
		adapter_id   TEXT NOT NULL,
		event        TEXT NOT NULL,
		failure_type TEXT NOT NULL,
		attempts     INTEGER NOT NULL,
		last_error   TEXT,
		failed_at    TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// SessionState returns the persisted sequence counter and Lamport timestamp
// for a session, both zero for a session never seen before. Used to seed the
// capture path at startup.
func (s *Store) SessionState(sessionID string) (seq, lamport int64, err error) {
	row := s.db.QueryRow(
		`SELECT sequence, lamport_ts FROM sessions WHERE session_id = ?`, sessionID,
	)
	if err := row.Scan(&seq, &lamport); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	return seq, lamport, nil
}

// ObserveLamport persists a Lamport timestamp observed from another session
// so a restart cannot regress the clock below what this device has seen.
func (s *Store) ObserveLamport(sessionID string, ts int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOnContention(func() error {
		_, err := s.db.Exec(
			`INSERT INTO sessions (session_id, sequence, lamport_ts, updated_at)
			 VALUES (?, 0, ?, ?)
			 ON CONFLICT(session_id) DO UPDATE SET
			   lamport_ts = MAX(lamport_ts, excluded.lamport_ts),
			   updated_at = excluded.updated_at`,
			sessionID, ts, now,
		)
		return err
	})
}

// ---------------------------------------------------------------------------
// Enqueue
// ---------------------------------------------------------------------------

// Enqueue durably stores an event and one pending delivery row per target
// adapter, and advances the session's persisted counters, all in one
// transaction. Out-of-space failures map to models.ErrStorageExhausted so
// capture can reject the mutation synchronously.
func (s *Store) Enqueue(event models.FieldChangeEvent, priority models.Priority, targetAdapterIDs []string) error {
	if event.ID == "" {
		return errors.New("queue: event id is empty")
	}
	if len(targetAdapterIDs) == 0 {
		return errors.New("queue: no target adapters")
	}

	oldJSON, err := json.Marshal(event.OldValue)
	if err != nil {
		return fmt.Errorf("queue: encode old value: %w", err)
	}
	newJSON, err := json.Marshal(event.NewValue)
	if err != nil {
		return fmt.Errorf("queue: encode new value: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	var queued int
	err = retryOnContention(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		if err := tx.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&queued); err != nil {
			return err
		}
		if queued >= s.maxPending {
			return fmt.Errorf("%w: %d events queued (cap %d)", models.ErrStorageExhausted, queued, s.maxPending)
		}

		_, err = tx.Exec(
			`INSERT INTO events (id, record_id, group_id, field_key, field_type,
			   old_value, new_value, actor_id, origin_session_id,
			   captured_at, sequence, lamport_ts, priority, enqueued_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			event.ID, event.RecordID, event.GroupID, event.FieldKey, string(event.FieldType),
			string(oldJSON), string(newJSON), event.ActorID, event.OriginSessionID,
			event.CapturedAt.UTC().Format(time.RFC3339Nano),
			event.Sequence, event.LamportTS, int(priority), now,
		)
		if err != nil {
			return err
		}

		for _, adapterID := range targetAdapterIDs {
			_, err = tx.Exec(
				`INSERT INTO deliveries (event_id, adapter_id, state, updated_at)
				 VALUES (?, ?, 'pending', ?)`,
				event.ID, adapterID, now,
			)
			if err != nil {
				return err
			}
		}

		_, err = tx.Exec(
			`INSERT INTO sessions (session_id, sequence, lamport_ts, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(session_id) DO UPDATE SET
			   sequence   = MAX(sequence, excluded.sequence),
			   lamport_ts = MAX(lamport_ts, excluded.lamport_ts),
			   updated_at = excluded.updated_at`,
			event.OriginSessionID, event.Sequence, event.LamportTS, now,
		)
		if err != nil {
			return err
		}

		return tx.Commit()
	})
	if err != nil {
		if errors.Is(err, models.ErrStorageExhausted) {
			return err
		}
		if isStorageFullErr(err) {
			return fmt.Errorf("%w: %v", models.ErrStorageExhausted, err)
		}
		return fmt.Errorf("queue: enqueue: %w", err)
	}

	if occupancy := (queued + 1) * 100; occupancy >= s.maxPending*s.storageWarnPct {
		s.logger.Warn().
			Int("queued", queued+1).
			Int("cap", s.maxPending).
			Int("warn_pct", s.storageWarnPct).
			Msg("sync queue approaching capacity")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Lease / mark protocol
// ---------------------------------------------------------------------------

// LeaseNextBatch atomically moves up to maxN events' due deliveries to
// in_flight and returns them, ordered by priority class then by sequence
// within the same (record, field). Due means: pending, failed with expired
// backoff, or in_flight with an expired lease (crash recovery).
func (s *Store) LeaseNextBatch(maxN int) ([]models.SyncQueueEntry, error) {
	if maxN <= 0 {
		maxN = 10
	}
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339Nano)
	staleLease := now.Add(-s.leaseTimeout).Format(time.RFC3339Nano)

	var entries []models.SyncQueueEntry
	err := retryOnContention(func() error {
		entries = nil
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		rows, err := tx.Query(
			`SELECT e.id, e.priority
			 FROM events e
			 WHERE EXISTS (
			   SELECT 1 FROM deliveries d
			   WHERE d.event_id = e.id
			     AND (d.state = 'pending'
			       OR (d.state = 'failed' AND d.next_retry_at <= ?)
			       OR (d.state = 'in_flight' AND d.leased_at <= ?)))
			 ORDER BY e.priority ASC, e.record_id ASC, e.field_key ASC, e.sequence ASC
			 LIMIT ?`,
			nowStr, staleLease, maxN,
		)
		if err != nil {
			return err
		}
		type picked struct {
			id       string
			priority int
		}
		var ids []picked
		for rows.Next() {
			var p picked
			if err := rows.Scan(&p.id, &p.priority); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, p := range ids {
			if _, err := tx.Exec(
				`UPDATE deliveries
				 SET state = 'in_flight', leased_at = ?, updated_at = ?
				 WHERE event_id = ?
				   AND (state = 'pending'
				     OR (state = 'failed' AND next_retry_at <= ?)
				     OR (state = 'in_flight' AND leased_at <= ?))`,
				nowStr, nowStr, p.id, nowStr, staleLease,
			); err != nil {
				return err
			}

			event, err := scanEventTx(tx, p.id)
			if err != nil {
				return err
			}
			deliveries, err := scanDeliveriesTx(tx, p.id, models.StateInFlight)
			if err != nil {
				return err
			}
			if len(deliveries) == 0 {
				continue
			}
			entries = append(entries, models.SyncQueueEntry{
				Event:      event,
				Priority:   models.Priority(p.priority),
				Deliveries: deliveries,
			})
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("queue: lease batch: %w", err)
	}
	return entries, nil
}

// MarkDelivered moves one (event, adapter) delivery to its terminal
// delivered state, appends the audit row and garbage-collects the event once
// every delivery is terminal. outcome distinguishes a real delivery from a
// local supersede skip.
func (s *Store) MarkDelivered(eventID, adapterID, outcome string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	err := retryOnContention(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		res, err := tx.Exec(
			`UPDATE deliveries SET state = 'delivered', leased_at = NULL, updated_at = ?
			 WHERE event_id = ? AND adapter_id = ? AND state NOT IN ('delivered', 'dead_letter')`,
			now, eventID, adapterID,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return tx.Commit() // already terminal; idempotent
		}
		// Completed events are garbage-collected, so the per-adapter
		// high-watermark is the only durable record that this sequence (or a
		// newer one) has been accounted for. DeliveredAhead reads it to keep
		// an older event in backoff from landing after a newer one.
		if _, err := tx.Exec(
			`INSERT INTO delivery_watermarks (record_id, field_key, session_id, adapter_id, sequence)
			 SELECT record_id, field_key, origin_session_id, ?, sequence FROM events WHERE id = ?
			 ON CONFLICT(record_id, field_key, session_id, adapter_id) DO UPDATE SET
			   sequence = MAX(sequence, excluded.sequence)`,
			adapterID, eventID,
		); err != nil {
			return err
		}
		if err := appendLogTx(tx, eventID, adapterID, outcome, "", now); err != nil {
			return err
		}
		if err := removeIfCompleteTx(tx, eventID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("queue: mark delivered: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt and schedules the retry.
func (s *Store) MarkFailed(eventID, adapterID string, retryAt time.Time, cause string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	err := retryOnContention(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		res, err := tx.Exec(
			`UPDATE deliveries
			 SET state = 'failed', attempt_count = attempt_count + 1,
			     next_retry_at = ?, leased_at = NULL, last_error = ?, updated_at = ?
			 WHERE event_id = ? AND adapter_id = ? AND state NOT IN ('delivered', 'dead_letter')`,
			retryAt.UTC().Format(time.RFC3339Nano), cause, now, eventID, adapterID,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return tx.Commit()
		}
		if err := appendLogTx(tx, eventID, adapterID, models.OutcomeFailed, cause, now); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("queue: mark failed: %w", err)
	}
	return nil
}

// MoveToDeadLetter terminally fails one (event, adapter) delivery, mirrors
// it into the bounded dead-letter store and garbage-collects the event once
// every delivery is terminal.
func (s *Store) MoveToDeadLetter(eventID, adapterID, failureType, cause string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	err := retryOnContention(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		event, err := scanEventTx(tx, eventID)
		if err != nil {
			return err
		}
		eventJSON, err := json.Marshal(event)
		if err != nil {
			return err
		}

		var attempts int
		if err := tx.QueryRow(
			`SELECT attempt_count FROM deliveries WHERE event_id = ? AND adapter_id = ?`,
			eventID, adapterID,
		).Scan(&attempts); err != nil {
			return err
		}

		res, err := tx.Exec(
			`UPDATE deliveries SET state = 'dead_letter', leased_at = NULL, last_error = ?, updated_at = ?
			 WHERE event_id = ? AND adapter_id = ? AND state NOT IN ('delivered', 'dead_letter')`,
			cause, now, eventID, adapterID,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return tx.Commit()
		}

		if _, err := tx.Exec(
			`INSERT INTO dead_letters (event_id, adapter_id, event, failure_type, attempts, last_error, failed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			eventID, adapterID, string(eventJSON), failureType, attempts, cause, now,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`DELETE FROM dead_letters WHERE id NOT IN
			 (SELECT id FROM dead_letters ORDER BY id DESC LIMIT ?)`,
			s.deadLetterCap,
		); err != nil {
			return err
		}

		if err := appendLogTx(tx, eventID, adapterID, models.OutcomeDeadLetter, cause, now); err != nil {
			return err
		}
		if err := removeIfCompleteTx(tx, eventID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("queue: move to dead letter: %w", err)
	}
	return nil
}

// DeadLetterAll terminally fails every non-terminal delivery of an event.
// Used when validation rejects the event: retrying cannot fix a
// structurally invalid value, so no adapter is ever attempted.
func (s *Store) DeadLetterAll(eventID, failureType, cause string) error {
	deliveries, err := s.Deliveries(eventID)
	if err != nil {
		return err
	}
	for _, d := range deliveries {
		if d.State.Terminal() {
			continue
		}
		if err := s.MoveToDeadLetter(eventID, d.AdapterID, failureType, cause); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseLeases returns in_flight deliveries of the given events to pending
// without a backoff penalty. Used when the device goes offline mid-batch so
// the entries are retried promptly on reconnect.
func (s *Store) ReleaseLeases(eventIDs []string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, id := range eventIDs {
		err := retryOnContention(func() error {
			_, err := s.db.Exec(
				`UPDATE deliveries SET state = 'pending', leased_at = NULL, updated_at = ?
				 WHERE event_id = ? AND state = 'in_flight'`,
				now, id,
			)
			return err
		})
		if err != nil {
			return fmt.Errorf("queue: release leases: %w", err)
		}
	}
	return nil
}

// ReleaseDelivery returns a single leased delivery to pending, used when its
// adapter is currently disabled: the entry waits without accruing attempts.
func (s *Store) ReleaseDelivery(eventID, adapterID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	err := retryOnContention(func() error {
		_, err := s.db.Exec(
			`UPDATE deliveries SET state = 'pending', leased_at = NULL, updated_at = ?
			 WHERE event_id = ? AND adapter_id = ? AND state = 'in_flight'`,
			now, eventID, adapterID,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("queue: release delivery: %w", err)
	}
	return nil
}

// HasNewerEvent reports whether a later event from the same session exists
// in the queue for the same (record, field). The orchestrator uses this to
// skip delivering a stale event: the newer one carries the final value.
func (s *Store) HasNewerEvent(recordID, fieldKey, sessionID string, sequence int64) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM events
		 WHERE record_id = ? AND field_key = ? AND origin_session_id = ? AND sequence > ?`,
		recordID, fieldKey, sessionID, sequence,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("queue: has newer event: %w", err)
	}
	return n > 0, nil
}

// DeliveredAhead reports whether this adapter has already received a value at
// or past the given sequence for the same (record, field, session). Unlike
// HasNewerEvent it survives the newer event's garbage collection: an event
// retried out of backoff must not overwrite a delivery that happened while it
// waited.
func (s *Store) DeliveredAhead(recordID, fieldKey, sessionID string, sequence int64, adapterID string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM delivery_watermarks
		 WHERE record_id = ? AND field_key = ? AND session_id = ? AND adapter_id = ?
		   AND sequence >= ?`,
		recordID, fieldKey, sessionID, adapterID, sequence,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("queue: delivered ahead: %w", err)
	}
	return n > 0, nil
}

// ---------------------------------------------------------------------------
// Observability
// ---------------------------------------------------------------------------

// Deliveries returns the delivery rows for an event.
func (s *Store) Deliveries(eventID string) ([]models.Delivery, error) {
	rows, err := s.db.Query(
		`SELECT event_id, adapter_id, state, attempt_count,
		        COALESCE(next_retry_at,''), COALESCE(leased_at,''), COALESCE(last_error,'')
		 FROM deliveries WHERE event_id = ? ORDER BY adapter_id`,
		eventID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeliveryRows(rows)
}

// RecordStatus answers the UI status query for one record without touching
// the network: pending work, last successful sync, per-adapter standing.
func (s *Store) RecordStatus(recordID string) (models.RecordSyncStatus, error) {
	status := models.RecordSyncStatus{RecordID: recordID}

	rows, err := s.db.Query(
		`SELECT d.adapter_id,
		        SUM(CASE WHEN d.state IN ('pending','in_flight','failed') THEN 1 ELSE 0 END),
		        SUM(CASE WHEN d.state = 'delivered' THEN 1 ELSE 0 END),
		        SUM(CASE WHEN d.state = 'dead_letter' THEN 1 ELSE 0 END)
		 FROM deliveries d
		 JOIN events e ON e.id = d.event_id
		 WHERE e.record_id = ?
		 GROUP BY d.adapter_id ORDER BY d.adapter_id`,
		recordID,
	)
	if err != nil {
		return status, fmt.Errorf("queue: record status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a models.AdapterSyncStatus
		if err := rows.Scan(&a.AdapterID, &a.Pending, &a.Delivered, &a.DeadLettered); err != nil {
			return status, err
		}
		status.PendingCount += a.Pending
		status.PerAdapter = append(status.PerAdapter, a)
	}
	if err := rows.Err(); err != nil {
		return status, err
	}

	// Completed events leave the queue, so the authoritative delivery
	// history is the sync log, which is stamped with the record id.
	var lastStr sql.NullString
	err = s.db.QueryRow(
		`SELECT MAX(created_at) FROM sync_log
		 WHERE record_id = ? AND outcome IN (?, ?)`,
		recordID, models.OutcomeDelivered, models.OutcomeSuperseded,
	).Scan(&lastStr)
	if err == nil && lastStr.Valid && lastStr.String != "" {
		if ts, perr := util.ParseRFC3339(lastStr.String); perr == nil {
			status.LastSyncAt = &ts
		}
	}
	for i := range status.PerAdapter {
		var adStr sql.NullString
		err := s.db.QueryRow(
			`SELECT MAX(created_at) FROM sync_log
			 WHERE record_id = ? AND adapter_id = ? AND outcome = ?`,
			recordID, status.PerAdapter[i].AdapterID, models.OutcomeDelivered,
		).Scan(&adStr)
		if err == nil && adStr.Valid && adStr.String != "" {
			if ts, perr := util.ParseRFC3339(adStr.String); perr == nil {
				status.PerAdapter[i].LastDeliveredAt = &ts
			}
		}
	}
	return status, nil
}

// AppendLog writes one audit row outside any delivery transition, used by
// the orchestrator for conflict and rejection outcomes.
func (s *Store) AppendLog(eventID, adapterID, outcome, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOnContention(func() error {
		return appendLogTx(s.db, eventID, adapterID, outcome, errMsg, now)
	})
}

// Logs returns the audit rows for an event in append order.
func (s *Store) Logs(eventID string) ([]models.SyncLog, error) {
	rows, err := s.db.Query(
		`SELECT id, event_id, COALESCE(adapter_id,''), outcome, COALESCE(error,''), created_at
		 FROM sync_log WHERE event_id = ? ORDER BY id ASC`,
		eventID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.SyncLog
	for rows.Next() {
		var l models.SyncLog
		var createdStr string
		if err := rows.Scan(&l.ID, &l.EventID, &l.AdapterID, &l.Outcome, &l.Error, &createdStr); err != nil {
			return nil, err
		}
		ts, perr := util.ParseRFC3339(createdStr)
		if perr != nil {
			return nil, fmt.Errorf("queue: parse sync_log timestamp: %w", perr)
		}
		l.Timestamp = ts
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// DeadLetters returns the newest terminally failed deliveries.
func (s *Store) DeadLetters(limit int) ([]models.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT event_id, adapter_id, event, failure_type, attempts, COALESCE(last_error,''), failed_at
		 FROM dead_letters ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DeadLetter
	for rows.Next() {
		var dl models.DeadLetter
		var eventJSON, failedStr string
		if err := rows.Scan(&dl.EventID, &dl.AdapterID, &eventJSON, &dl.FailureType,
			&dl.Attempts, &dl.LastError, &failedStr); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(eventJSON), &dl.Event); err != nil {
			return nil, fmt.Errorf("queue: decode dead letter event: %w", err)
		}
		ts, perr := util.ParseRFC3339(failedStr)
		if perr != nil {
			return nil, fmt.Errorf("queue: parse dead letter timestamp: %w", perr)
		}
		dl.FailedAt = ts
		out = append(out, dl)
	}
	return out, rows.Err()
}

// PendingTotal counts deliveries still owed across all records.
func (s *Store) PendingTotal() (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM deliveries WHERE state IN ('pending','in_flight','failed')`,
	).Scan(&n)
	return n, err
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

func appendLogTx(tx execer, eventID, adapterID, outcome, errMsg, now string) error {
	// The event row still exists at every call site, so the record id is
	// resolved here and survives the event's eventual garbage collection.
	_, err := tx.Exec(
		`INSERT INTO sync_log (event_id, record_id, adapter_id, outcome, error, created_at)
		 VALUES (?, COALESCE((SELECT record_id FROM events WHERE id = ?), ''), ?, ?, ?, ?)`,
		eventID, eventID, adapterID, outcome, errMsg, now,
	)
	return err
}

// removeIfCompleteTx deletes the event and its delivery rows once every
// delivery is terminal. The sync log and dead-letter mirror are retained.
func removeIfCompleteTx(tx execer, eventID string) error {
	var remaining int
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM deliveries
		 WHERE event_id = ? AND state NOT IN ('delivered', 'dead_letter')`,
		eventID,
	).Scan(&remaining); err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}
	if _, err := tx.Exec(`DELETE FROM deliveries WHERE event_id = ?`, eventID); err != nil {
		return err
	}
	_, err := tx.Exec(`DELETE FROM events WHERE id = ?`, eventID)
	return err
}

func scanEventTx(tx execer, eventID string) (models.FieldChangeEvent, error) {
	var e models.FieldChangeEvent
	var fieldType, oldJSON, newJSON, capturedStr string
	err := tx.QueryRow(
		`SELECT id, record_id, group_id, field_key, field_type, old_value, new_value,
		        actor_id, origin_session_id, captured_at, sequence, lamport_ts
		 FROM events WHERE id = ?`,
		eventID,
	).Scan(&e.ID, &e.RecordID, &e.GroupID, &e.FieldKey, &fieldType, &oldJSON, &newJSON,
		&e.ActorID, &e.OriginSessionID, &capturedStr, &e.Sequence, &e.LamportTS)
	if err != nil {
		return e, err
	}
	e.FieldType = models.FieldType(fieldType)
	if err := json.Unmarshal([]byte(oldJSON), &e.OldValue); err != nil {
		return e, fmt.Errorf("decode old value for %s: %w", eventID, err)
	}
	if err := json.Unmarshal([]byte(newJSON), &e.NewValue); err != nil {
		return e, fmt.Errorf("decode new value for %s: %w", eventID, err)
	}
	e.CapturedAt, err = util.ParseRFC3339(capturedStr)
	if err != nil {
		return e, fmt.Errorf("parse captured_at for %s: %w", eventID, err)
	}
	return e, nil
}

func scanDeliveriesTx(tx execer, eventID string, state models.DeliveryState) ([]models.Delivery, error) {
	rows, err := tx.Query(
		`SELECT event_id, adapter_id, state, attempt_count,
		        COALESCE(next_retry_at,''), COALESCE(leased_at,''), COALESCE(last_error,'')
		 FROM deliveries WHERE event_id = ? AND state = ? ORDER BY adapter_id`,
		eventID, string(state),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeliveryRows(rows)
}

func scanDeliveryRows(rows *sql.Rows) ([]models.Delivery, error) {
	var out []models.Delivery
	for rows.Next() {
		var d models.Delivery
		var state, retryStr, leasedStr string
		if err := rows.Scan(&d.EventID, &d.AdapterID, &state, &d.AttemptCount,
			&retryStr, &leasedStr, &d.LastError); err != nil {
			return nil, err
		}
		d.State = models.DeliveryState(state)
		if retryStr != "" {
			ts, err := util.ParseRFC3339(retryStr)
			if err != nil {
				return nil, fmt.Errorf("parse next_retry_at: %w", err)
			}
			d.NextRetryAt = ts
		}
		if leasedStr != "" {
			ts, err := util.ParseRFC3339(leasedStr)
			if err != nil {
				return nil, fmt.Errorf("parse leased_at: %w", err)
			}
			d.LeasedAt = ts
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
