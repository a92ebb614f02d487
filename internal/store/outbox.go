package store

import (
	"database/sql"
	"fmt"

	"github.com/axiomorient/axiomme/internal/model"
)

// Enqueue appends a new outbox event due immediately, in the given lane.
func (db *DB) Enqueue(eventType, uri, payloadJson string, lane model.Lane) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	res, err := db.conn.Exec(
		`INSERT INTO outbox (event_type, uri, payload_json, status, attempt_count, next_attempt_at, lane)
		 VALUES (?, ?, ?, 'new', 0, unixepoch(), ?)`,
		eventType, uri, payloadJson, string(lane),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue outbox event: %w", err)
	}
	return res.LastInsertId()
}

// EnqueueDeadLetter inserts directly into dead_letter status, for poison
// messages discovered before processing starts.
func (db *DB) EnqueueDeadLetter(eventType, uri, payloadJson string, lane model.Lane) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	res, err := db.conn.Exec(
		`INSERT INTO outbox (event_type, uri, payload_json, status, attempt_count, next_attempt_at, lane)
		 VALUES (?, ?, ?, 'dead_letter', 1, unixepoch(), ?)`,
		eventType, uri, payloadJson, string(lane),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue dead-letter event: %w", err)
	}
	return res.LastInsertId()
}

// FetchOutbox returns up to limit events of the given status ordered by id
// ascending. For status "new" only events whose next_attempt_at has
// elapsed are returned; other statuses (e.g. "dead_letter" for replay
// tooling) are returned unconditionally.
func (db *DB) FetchOutbox(status model.OutboxStatus, limit int) ([]model.OutboxEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, event_type, uri, payload_json, status, attempt_count, next_attempt_at, lane
		 FROM outbox
		 WHERE status = ?1 AND (?1 <> 'new' OR next_attempt_at <= unixepoch())
		 ORDER BY id ASC LIMIT ?2`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch outbox: %w", err)
	}
	defer rows.Close()
	return scanOutboxRows(rows)
}

func scanOutboxRows(rows *sql.Rows) ([]model.OutboxEvent, error) {
	var out []model.OutboxEvent
	for rows.Next() {
		var e model.OutboxEvent
		var status, lane string
		if err := rows.Scan(&e.Id, &e.EventType, &e.Uri, &e.PayloadJson, &status, &e.AttemptCount, &e.NextAttemptAt, &lane); err != nil {
			return nil, err
		}
		e.Status = model.OutboxStatus(status)
		e.Lane = model.Lane(lane)
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkOutboxStatus transitions an event's status. When newStatus is
// "processing", next_attempt_at is bumped to now (so a crash mid-processing
// re-surfaces the event after the timeout-recovery sweep, not immediately).
// When incrementAttempt is true, attempt_count is bumped by one.
func (db *DB) MarkOutboxStatus(id int64, newStatus model.OutboxStatus, incrementAttempt bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if newStatus == model.OutboxProcessing {
		if incrementAttempt {
			_, err := db.conn.Exec(
				`UPDATE outbox SET status = ?, attempt_count = attempt_count + 1, next_attempt_at = unixepoch() WHERE id = ?`,
				string(newStatus), id,
			)
			return err
		}
		_, err := db.conn.Exec(
			`UPDATE outbox SET status = ?, next_attempt_at = unixepoch() WHERE id = ?`,
			string(newStatus), id,
		)
		return err
	}

	if incrementAttempt {
		_, err := db.conn.Exec(
			`UPDATE outbox SET status = ?, attempt_count = attempt_count + 1 WHERE id = ?`,
			string(newStatus), id,
		)
		return err
	}
	_, err := db.conn.Exec(`UPDATE outbox SET status = ? WHERE id = ?`, string(newStatus), id)
	return err
}

// RequeueWithDelay resets an event to "new" with next_attempt_at pushed
// forward by delaySeconds.
func (db *DB) RequeueWithDelay(id int64, delaySeconds float64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec(
		`UPDATE outbox SET status = 'new', next_attempt_at = unixepoch() + ? WHERE id = ?`,
		int64(delaySeconds), id,
	)
	return err
}

// RecoverStuckProcessing resets any event stuck in "processing" longer
// than thresholdSeconds back to "new", due immediately.
func (db *DB) RecoverStuckProcessing(thresholdSeconds int64) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	res, err := db.conn.Exec(
		`UPDATE outbox SET status = 'new', next_attempt_at = unixepoch()
		 WHERE status = 'processing' AND next_attempt_at <= unixepoch() - ?`,
		thresholdSeconds,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetCheckpoint records the last event id a worker has durably processed.
func (db *DB) SetCheckpoint(worker string, lastEventID int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec(
		`INSERT INTO queue_checkpoint (worker, last_event_id, updated_at) VALUES (?, ?, unixepoch())
		 ON CONFLICT(worker) DO UPDATE SET last_event_id = excluded.last_event_id, updated_at = excluded.updated_at`,
		worker, lastEventID,
	)
	return err
}

// Checkpoint is a worker's durable progress marker.
type Checkpoint struct {
	Worker      string
	LastEventID int64
	UpdatedAt   int64
}

// ListCheckpoints returns every worker's checkpoint.
func (db *DB) ListCheckpoints() ([]Checkpoint, error) {
	rows, err := db.conn.Query(`SELECT worker, last_event_id, updated_at FROM queue_checkpoint ORDER BY worker`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Checkpoint
	for rows.Next() {
		var c Checkpoint
		if err := rows.Scan(&c.Worker, &c.LastEventID, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LaneCounts reports new/processing/done/dead_letter counts per lane.
type LaneCounts struct {
	Lane        model.Lane
	New         int64
	NewDue      int64
	Processing  int64
	Done        int64
	DeadLetter  int64
}

// QueueSnapshot reports total and per-lane outbox counts.
func (db *DB) QueueSnapshot() (newTotal, newDue int64, lanes []LaneCounts, err error) {
	err = db.conn.QueryRow(`SELECT COUNT(*) FROM outbox WHERE status = 'new'`).Scan(&newTotal)
	if err != nil {
		return
	}
	err = db.conn.QueryRow(`SELECT COUNT(*) FROM outbox WHERE status = 'new' AND next_attempt_at <= unixepoch()`).Scan(&newDue)
	if err != nil {
		return
	}

	rows, qerr := db.conn.Query(`
		SELECT lane,
			SUM(CASE WHEN status = 'new' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'new' AND next_attempt_at <= unixepoch() THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'done' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'dead_letter' THEN 1 ELSE 0 END)
		FROM outbox GROUP BY lane`)
	if qerr != nil {
		err = qerr
		return
	}
	defer rows.Close()
	for rows.Next() {
		var lc LaneCounts
		var lane string
		if serr := rows.Scan(&lane, &lc.New, &lc.NewDue, &lc.Processing, &lc.Done, &lc.DeadLetter); serr != nil {
			err = serr
			return
		}
		lc.Lane = model.Lane(lane)
		lanes = append(lanes, lc)
	}
	err = rows.Err()
	return
}

// DeadLetterRate is the dead-letter rate for one event type.
type DeadLetterRate struct {
	EventType  string
	Total      int64
	DeadLetter int64
	Rate       float64
}

// DeadLetterRates reports per-event-type dead-letter rates, a supplemental
// operator signal beyond the lane-level counts in QueueSnapshot.
func (db *DB) DeadLetterRates() ([]DeadLetterRate, error) {
	rows, err := db.conn.Query(`
		SELECT event_type, COUNT(*),
			SUM(CASE WHEN status = 'dead_letter' THEN 1 ELSE 0 END)
		FROM outbox GROUP BY event_type ORDER BY event_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeadLetterRate
	for rows.Next() {
		var r DeadLetterRate
		if err := rows.Scan(&r.EventType, &r.Total, &r.DeadLetter); err != nil {
			return nil, err
		}
		if r.Total > 0 {
			r.Rate = float64(r.DeadLetter) / float64(r.Total)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
