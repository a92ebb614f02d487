package store

import (
	"github.com/axiomorient/axiomme/internal/model"
)

// GetIndexState reads the index_state row for a URI.
func (db *DB) GetIndexState(uri string) (model.IndexStateEntry, bool) {
	var e model.IndexStateEntry
	e.Uri = uri
	err := db.conn.QueryRow(
		`SELECT content_hash, mtime_nanos, status, indexed_at FROM index_state WHERE uri = ?`, uri,
	).Scan(&e.ContentHash, &e.MtimeNanos, &e.Status, &e.IndexedAt)
	if err != nil {
		return model.IndexStateEntry{}, false
	}
	return e, true
}

// UpsertIndexState records the content hash/mtime observed at last index.
func (db *DB) UpsertIndexState(uri, contentHash string, mtimeNanos int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec(
		`INSERT INTO index_state (uri, content_hash, mtime_nanos, status, indexed_at)
		 VALUES (?, ?, ?, 'indexed', unixepoch())
		 ON CONFLICT(uri) DO UPDATE SET content_hash = excluded.content_hash, mtime_nanos = excluded.mtime_nanos,
			status = excluded.status, indexed_at = excluded.indexed_at`,
		uri, contentHash, mtimeNanos,
	)
	return err
}

// DeleteIndexState removes a URI's index_state row.
func (db *DB) DeleteIndexState(uri string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec(`DELETE FROM index_state WHERE uri = ?`, uri)
	return err
}

// AllIndexState returns every tracked URI's state, for reconciliation.
func (db *DB) AllIndexState() ([]model.IndexStateEntry, error) {
	rows, err := db.conn.Query(`SELECT uri, content_hash, mtime_nanos, status, indexed_at FROM index_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.IndexStateEntry
	for rows.Next() {
		var e model.IndexStateEntry
		if err := rows.Scan(&e.Uri, &e.ContentHash, &e.MtimeNanos, &e.Status, &e.IndexedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
