package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/axiomorient/axiomme/internal/model"
)

// GetOmRecord loads an OM record by scope key.
func (db *DB) GetOmRecord(scopeKey string) (model.OmRecord, bool) {
	var r model.OmRecord
	var scope string
	var lastIds string
	var isBuffering, bufferedReady int
	err := db.conn.QueryRow(`
		SELECT scope, scope_key, generation_count, last_applied_outbox_event_id,
			active_observations, observation_token_count, pending_message_tokens,
			last_observed_at, last_activated_message_ids, is_buffering_observation,
			last_buffered_at_tokens, buffered_reflection_ready, buffered_reflection_text,
			observer_trigger_count_total, reflector_trigger_count_total,
			current_task, suggested_response
		FROM om_records WHERE scope_key = ?`, scopeKey).Scan(
		&scope, &r.ScopeKey, &r.GenerationCount, &r.LastAppliedOutboxEventId,
		&r.ActiveObservations, &r.ObservationTokenCount, &r.PendingMessageTokens,
		&r.LastObservedAt, &lastIds, &isBuffering,
		&r.LastBufferedAtTokens, &bufferedReady, &r.BufferedReflectionText,
		&r.ObserverTriggerCountTotal, &r.ReflectorTriggerCountTotal,
		&r.CurrentTask, &r.SuggestedResponse,
	)
	if err != nil {
		return model.OmRecord{}, false
	}
	r.Scope = model.OmScope(scope)
	r.IsBufferingObservation = isBuffering == 1
	r.BufferedReflectionReady = bufferedReady == 1
	_ = json.Unmarshal([]byte(lastIds), &r.LastActivatedMessageIds)
	return r, true
}

// PutOmRecord upserts a full OM record.
func (db *DB) PutOmRecord(r model.OmRecord) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	lastIds, err := json.Marshal(r.LastActivatedMessageIds)
	if err != nil {
		return fmt.Errorf("marshal last_activated_message_ids: %w", err)
	}
	isBuffering := 0
	if r.IsBufferingObservation {
		isBuffering = 1
	}
	bufferedReady := 0
	if r.BufferedReflectionReady {
		bufferedReady = 1
	}

	_, err = db.conn.Exec(`
		INSERT INTO om_records (
			scope, scope_key, generation_count, last_applied_outbox_event_id,
			active_observations, observation_token_count, pending_message_tokens,
			last_observed_at, last_activated_message_ids, is_buffering_observation,
			last_buffered_at_tokens, buffered_reflection_ready, buffered_reflection_text,
			observer_trigger_count_total, reflector_trigger_count_total,
			current_task, suggested_response
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(scope_key) DO UPDATE SET
			scope=excluded.scope, generation_count=excluded.generation_count,
			last_applied_outbox_event_id=excluded.last_applied_outbox_event_id,
			active_observations=excluded.active_observations,
			observation_token_count=excluded.observation_token_count,
			pending_message_tokens=excluded.pending_message_tokens,
			last_observed_at=excluded.last_observed_at,
			last_activated_message_ids=excluded.last_activated_message_ids,
			is_buffering_observation=excluded.is_buffering_observation,
			last_buffered_at_tokens=excluded.last_buffered_at_tokens,
			buffered_reflection_ready=excluded.buffered_reflection_ready,
			buffered_reflection_text=excluded.buffered_reflection_text,
			observer_trigger_count_total=excluded.observer_trigger_count_total,
			reflector_trigger_count_total=excluded.reflector_trigger_count_total,
			current_task=excluded.current_task, suggested_response=excluded.suggested_response`,
		string(r.Scope), r.ScopeKey, r.GenerationCount, r.LastAppliedOutboxEventId,
		r.ActiveObservations, r.ObservationTokenCount, r.PendingMessageTokens,
		r.LastObservedAt, string(lastIds), isBuffering,
		r.LastBufferedAtTokens, bufferedReady, r.BufferedReflectionText,
		r.ObserverTriggerCountTotal, r.ReflectorTriggerCountTotal,
		r.CurrentTask, r.SuggestedResponse,
	)
	return err
}

// AppendObservationChunk inserts a new chunk at the next sequence number
// for a record.
func (db *DB) AppendObservationChunk(c model.OmObservationChunk) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	ids, err := json.Marshal(c.MessageIds)
	if err != nil {
		return err
	}
	_, err = db.conn.Exec(`
		INSERT INTO om_observation_chunks (record_id, seq, cycle_id, observations, token_count, message_tokens, message_ids, last_observed_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		c.RecordId, c.Seq, c.CycleId, c.Observations, c.TokenCount, c.MessageTokens, string(ids), c.LastObservedAt,
	)
	return err
}

// NextChunkSeq returns the next sequence number for a record's chunks.
func (db *DB) NextChunkSeq(recordID string) (int64, error) {
	var max sql.NullInt64
	err := db.conn.QueryRow(`SELECT MAX(seq) FROM om_observation_chunks WHERE record_id = ?`, recordID).Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 1, nil
	}
	return max.Int64 + 1, nil
}

// ChunksUpToSeq returns all chunks for a record with seq <= maxSeq, ordered
// by seq ascending.
func (db *DB) ChunksUpToSeq(recordID string, maxSeq int64) ([]model.OmObservationChunk, error) {
	rows, err := db.conn.Query(`
		SELECT record_id, seq, cycle_id, observations, token_count, message_tokens, message_ids, last_observed_at, created_at
		FROM om_observation_chunks WHERE record_id = ? AND seq <= ? ORDER BY seq ASC`, recordID, maxSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.OmObservationChunk
	for rows.Next() {
		var c model.OmObservationChunk
		var ids string
		if err := rows.Scan(&c.RecordId, &c.Seq, &c.CycleId, &c.Observations, &c.TokenCount, &c.MessageTokens, &ids, &c.LastObservedAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(ids), &c.MessageIds)
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteChunksUpToSeq removes all chunks with seq <= maxSeq for a record
// in a single transaction.
func (db *DB) DeleteChunksUpToSeq(recordID string, maxSeq int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM om_observation_chunks WHERE record_id = ? AND seq <= ?`, recordID, maxSeq); err != nil {
		return err
	}
	return tx.Commit()
}

// ReflectionOutcome is the closed set of idempotent-apply results.
type ReflectionOutcome string

const (
	Applied         ReflectionOutcome = "Applied"
	StaleGeneration ReflectionOutcome = "StaleGeneration"
	IdempotentEvent ReflectionOutcome = "IdempotentEvent"
)

// ApplyReflection runs the idempotent reflection-apply transaction from
// spec.md §4.5/§4.6: insert the idempotency row (PK = outbox_event_id),
// check the record's current generation against expectedGeneration, and
// if both checks pass, apply the update and bump the generation counter.
func (db *DB) ApplyReflection(outboxEventID int64, scopeKey string, expectedGeneration int64, apply func(*model.OmRecord)) (ReflectionOutcome, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO om_observer_applied_events (outbox_event_id, scope_key, generation_count) VALUES (?, ?, ?)`,
		outboxEventID, scopeKey, expectedGeneration)
	if err != nil {
		if isUniqueConstraint(err) {
			return IdempotentEvent, tx.Commit()
		}
		return "", err
	}

	var currentGen int64
	err = tx.QueryRow(`SELECT generation_count FROM om_records WHERE scope_key = ?`, scopeKey).Scan(&currentGen)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	if currentGen != expectedGeneration {
		if cerr := tx.Commit(); cerr != nil {
			return "", cerr
		}
		return StaleGeneration, nil
	}

	rec, ok := db.getOmRecordTx(tx, scopeKey)
	if !ok {
		return "", fmt.Errorf("apply reflection: no om_records row for %s", scopeKey)
	}
	apply(&rec)
	rec.GenerationCount = currentGen + 1
	rec.LastAppliedOutboxEventId = outboxEventID
	rec.BufferedReflectionReady = false
	rec.BufferedReflectionText = ""

	if err := db.putOmRecordTx(tx, rec); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return Applied, nil
}

func isUniqueConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

func (db *DB) getOmRecordTx(tx *sql.Tx, scopeKey string) (model.OmRecord, bool) {
	var r model.OmRecord
	var scope string
	var lastIds string
	var isBuffering, bufferedReady int
	err := tx.QueryRow(`
		SELECT scope, scope_key, generation_count, last_applied_outbox_event_id,
			active_observations, observation_token_count, pending_message_tokens,
			last_observed_at, last_activated_message_ids, is_buffering_observation,
			last_buffered_at_tokens, buffered_reflection_ready, buffered_reflection_text,
			observer_trigger_count_total, reflector_trigger_count_total,
			current_task, suggested_response
		FROM om_records WHERE scope_key = ?`, scopeKey).Scan(
		&scope, &r.ScopeKey, &r.GenerationCount, &r.LastAppliedOutboxEventId,
		&r.ActiveObservations, &r.ObservationTokenCount, &r.PendingMessageTokens,
		&r.LastObservedAt, &lastIds, &isBuffering,
		&r.LastBufferedAtTokens, &bufferedReady, &r.BufferedReflectionText,
		&r.ObserverTriggerCountTotal, &r.ReflectorTriggerCountTotal,
		&r.CurrentTask, &r.SuggestedResponse,
	)
	if err != nil {
		return model.OmRecord{}, false
	}
	r.Scope = model.OmScope(scope)
	r.IsBufferingObservation = isBuffering == 1
	r.BufferedReflectionReady = bufferedReady == 1
	_ = json.Unmarshal([]byte(lastIds), &r.LastActivatedMessageIds)
	return r, true
}

func (db *DB) putOmRecordTx(tx *sql.Tx, r model.OmRecord) error {
	lastIds, err := json.Marshal(r.LastActivatedMessageIds)
	if err != nil {
		return err
	}
	isBuffering := 0
	if r.IsBufferingObservation {
		isBuffering = 1
	}
	bufferedReady := 0
	if r.BufferedReflectionReady {
		bufferedReady = 1
	}
	_, err = tx.Exec(`
		UPDATE om_records SET
			scope=?, generation_count=?, last_applied_outbox_event_id=?,
			active_observations=?, observation_token_count=?, pending_message_tokens=?,
			last_observed_at=?, last_activated_message_ids=?, is_buffering_observation=?,
			last_buffered_at_tokens=?, buffered_reflection_ready=?, buffered_reflection_text=?,
			observer_trigger_count_total=?, reflector_trigger_count_total=?,
			current_task=?, suggested_response=?
		WHERE scope_key = ?`,
		string(r.Scope), r.GenerationCount, r.LastAppliedOutboxEventId,
		r.ActiveObservations, r.ObservationTokenCount, r.PendingMessageTokens,
		r.LastObservedAt, string(lastIds), isBuffering,
		r.LastBufferedAtTokens, bufferedReady, r.BufferedReflectionText,
		r.ObserverTriggerCountTotal, r.ReflectorTriggerCountTotal,
		r.CurrentTask, r.SuggestedResponse, r.ScopeKey,
	)
	return err
}

// RecordOmMetric updates a named running counter with a p-max latency.
func (db *DB) RecordOmMetric(metric string, latencyMs int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec(`
		INSERT INTO om_runtime_metrics (metric, count, p_max_latency_ms) VALUES (?, 1, ?)
		ON CONFLICT(metric) DO UPDATE SET count = count + 1,
			p_max_latency_ms = MAX(p_max_latency_ms, excluded.p_max_latency_ms)`,
		metric, latencyMs,
	)
	return err
}
