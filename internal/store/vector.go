package store

import (
	"fmt"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

// UpsertVector stores an embedding for a search_docs row, keyed by its id.
// No-op when the vec0 sidecar is unavailable.
func (db *DB) UpsertVector(docID int64, embedding []float32) error {
	if !db.vecAvailable {
		return nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	data, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return fmt.Errorf("serialize embedding: %w", err)
	}
	_, err = db.conn.Exec(`INSERT INTO search_docs_vec (doc_id, embedding) VALUES (?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET embedding = excluded.embedding`, docID, data)
	return err
}

// DeleteVector removes a search_docs row's embedding.
func (db *DB) DeleteVector(docID int64) error {
	if !db.vecAvailable {
		return nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec(`DELETE FROM search_docs_vec WHERE doc_id = ?`, docID)
	return err
}

// VectorHit is a single KNN result from the vec0 sidecar.
type VectorHit struct {
	Uri      string
	Distance float64
}

// VectorSearch performs a KNN search over the vec0 sidecar, joined back to
// search_docs for the URI. Returns an empty result, not an error, when the
// sidecar is unavailable, so callers can unconditionally fold this into a
// fusion step alongside lexical search.
func (db *DB) VectorSearch(queryEmbedding []float32, topK int) ([]VectorHit, error) {
	if !db.vecAvailable {
		return nil, nil
	}
	data, err := sqlite_vec.SerializeFloat32(queryEmbedding)
	if err != nil {
		return nil, fmt.Errorf("serialize query embedding: %w", err)
	}

	rows, err := db.conn.Query(`
		SELECT s.uri, v.distance
		FROM search_docs_vec v
		JOIN search_docs s ON s.id = v.doc_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance`, data, topK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var out []VectorHit
	for rows.Next() {
		var h VectorHit
		if err := rows.Scan(&h.Uri, &h.Distance); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// DocIDForUri resolves a search_docs row's id for an embedding-upsert
// handler that only has the URI.
func (db *DB) DocIDForUri(uri string) (int64, bool) {
	var id int64
	if err := db.conn.QueryRow(`SELECT id FROM search_docs WHERE uri = ?`, uri).Scan(&id); err != nil {
		return 0, false
	}
	return id, true
}
