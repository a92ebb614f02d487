package store

import (
	"fmt"
	"strings"

	"github.com/axiomorient/axiomme/internal/model"
)

// UpsertSearchDoc writes the durable mirror of an IndexRecord used to
// rebuild the in-memory index at startup, and refreshes its tags and FTS
// row.
func (db *DB) UpsertSearchDoc(rec model.IndexRecord) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin upsert search doc: %w", err)
	}
	defer tx.Rollback()

	parentUri := ""
	if rec.ParentUri != nil {
		parentUri = rec.ParentUri.String()
	}
	recUri := rec.Uri.String()

	isLeaf := 0
	if rec.IsLeaf {
		isLeaf = 1
	}

	res, err := tx.Exec(
		`INSERT INTO search_docs (uri, parent_uri, is_leaf, context_type, name, abstract, content, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, unixepoch())
		 ON CONFLICT(uri) DO UPDATE SET parent_uri=excluded.parent_uri, is_leaf=excluded.is_leaf,
			context_type=excluded.context_type, name=excluded.name, abstract=excluded.abstract,
			content=excluded.content, updated_at=excluded.updated_at`,
		recUri, parentUri, isLeaf, string(rec.ContextType), rec.Name, rec.AbstractText, rec.Content,
	)
	if err != nil {
		return fmt.Errorf("upsert search_docs: %w", err)
	}

	var docID int64
	if err := tx.QueryRow(`SELECT id FROM search_docs WHERE uri = ?`, recUri).Scan(&docID); err != nil {
		return fmt.Errorf("lookup search_docs id: %w", err)
	}
	_ = res

	if _, err := tx.Exec(`DELETE FROM search_doc_tags WHERE doc_id = ?`, docID); err != nil {
		return fmt.Errorf("clear search_doc_tags: %w", err)
	}
	for _, tag := range rec.Tags {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO search_doc_tags (doc_id, tag) VALUES (?, ?)`, docID, tag); err != nil {
			return fmt.Errorf("insert search_doc_tags: %w", err)
		}
	}

	if db.ftsAvailable {
		if _, err := tx.Exec(`DELETE FROM search_docs_fts WHERE uri = ?`, recUri); err != nil {
			return fmt.Errorf("clear fts row: %w", err)
		}
		tagsJoined := strings.Join(rec.Tags, " ")
		if _, err := tx.Exec(
			`INSERT INTO search_docs_fts (uri, name, abstract, content, tags) VALUES (?, ?, ?, ?, ?)`,
			recUri, rec.Name, rec.AbstractText, rec.Content, tagsJoined,
		); err != nil {
			return fmt.Errorf("insert fts row: %w", err)
		}
	}

	return tx.Commit()
}

// DeleteSearchDoc removes a URI's durable mirror row (and its tags/FTS row
// via cascade/explicit delete).
func (db *DB) DeleteSearchDoc(uri string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM search_docs WHERE uri = ?`, uri); err != nil {
		return err
	}
	if db.ftsAvailable {
		if _, err := tx.Exec(`DELETE FROM search_docs_fts WHERE uri = ?`, uri); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AllSearchDocs loads every durable search doc row, for rebuilding the
// in-memory index at startup. Tags are loaded per-doc.
func (db *DB) AllSearchDocs() ([]model.IndexRecord, error) {
	rows, err := db.conn.Query(`SELECT id, uri, parent_uri, is_leaf, context_type, name, abstract, content, updated_at FROM search_docs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type row struct {
		id                            int64
		uri, parentUri, ctxType, name string
		abstract, content             string
		isLeaf                        int
		updatedAt                     int64
	}
	var raws []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.uri, &r.parentUri, &r.isLeaf, &r.ctxType, &r.name, &r.abstract, &r.content, &r.updatedAt); err != nil {
			return nil, err
		}
		raws = append(raws, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []model.IndexRecord
	for _, r := range raws {
		tags, err := db.tagsForDoc(r.id)
		if err != nil {
			return nil, err
		}
		out = append(out, model.IndexRecord{
			ContextType:  model.ContextType(r.ctxType),
			Name:         r.name,
			AbstractText: r.abstract,
			Content:      r.content,
			IsLeaf:       r.isLeaf == 1,
			Tags:         tags,
			UpdatedAt:    r.updatedAt,
		})
		// Uri/ParentUri are left to the caller to parse and attach, since
		// this package does not import the uri package's parsing logic.
	}
	return out, nil
}

func (db *DB) tagsForDoc(docID int64) ([]string, error) {
	rows, err := db.conn.Query(`SELECT tag FROM search_doc_tags WHERE doc_id = ? ORDER BY tag`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// RawSearchDoc is a denormalized row handed back with its raw URI strings,
// for callers (the indexing pipeline startup rebuild) that parse URIs
// themselves.
type RawSearchDoc struct {
	Uri, ParentUri string
	IsLeaf         bool
	ContextType    string
	Name           string
	Abstract       string
	Content        string
	Tags           []string
	UpdatedAt      int64
}

// AllRawSearchDocs is like AllSearchDocs but preserves the raw URI strings.
func (db *DB) AllRawSearchDocs() ([]RawSearchDoc, error) {
	rows, err := db.conn.Query(`SELECT id, uri, parent_uri, is_leaf, context_type, name, abstract, content, updated_at FROM search_docs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RawSearchDoc
	var ids []int64
	for rows.Next() {
		var id int64
		var d RawSearchDoc
		var isLeaf int
		if err := rows.Scan(&id, &d.Uri, &d.ParentUri, &isLeaf, &d.ContextType, &d.Name, &d.Abstract, &d.Content, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.IsLeaf = isLeaf == 1
		out = append(out, d)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, id := range ids {
		tags, err := db.tagsForDoc(id)
		if err != nil {
			return nil, err
		}
		out[i].Tags = tags
	}
	return out, nil
}

// LexicalFallback performs an FTS MATCH query (or a LIKE scan if FTS5 is
// unavailable) restricted to nothing else — the in-memory index is the
// primary search path; this exists to rebuild candidate sets at startup
// before the in-memory index is populated, and as a durability check.
func (db *DB) LexicalFallback(query string, limit int) ([]string, error) {
	if db.ftsAvailable {
		rows, err := db.conn.Query(
			`SELECT uri FROM search_docs_fts WHERE search_docs_fts MATCH ? LIMIT ?`, query, limit,
		)
		if err == nil {
			defer rows.Close()
			var uris []string
			for rows.Next() {
				var u string
				if err := rows.Scan(&u); err != nil {
					return nil, err
				}
				uris = append(uris, u)
			}
			return uris, rows.Err()
		}
	}

	rows, err := db.conn.Query(
		`SELECT uri FROM search_docs WHERE name LIKE '%'||?||'%' OR abstract LIKE '%'||?||'%' LIMIT ?`,
		query, query, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var uris []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		uris = append(uris, u)
	}
	return uris, rows.Err()
}
