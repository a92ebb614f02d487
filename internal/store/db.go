// Package store provides the SQLite-backed relational state store: a
// single-process local database with WAL journaling and foreign keys on,
// backing index_state, the outbox, the trace index, the OM tables, the
// lexical search index, and the reconciler's run log.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// DB wraps a SQLite connection. All writes are serialized behind a single
// mutex so the connection is never left in an implicit-transaction state;
// reads go to the connection pool without taking it.
type DB struct {
	conn         *sql.DB
	mu           sync.Mutex
	ftsAvailable bool
	vecAvailable bool
	vecDims      int
}

// OpenPath opens or creates the state store database at path.
func OpenPath(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if runtime.GOOS != "windows" {
		for _, suffix := range []string{"", "-wal", "-shm"} {
			_ = os.Chmod(path+suffix, 0o600)
		}
	}

	return db, nil
}

// OpenMemory opens an in-memory database for testing.
func OpenMemory() (*DB, error) {
	conn, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// in-memory databases are destroyed when the last connection closes;
	// pin the pool to a single connection so concurrent test helpers share it.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying sql.DB for read-only direct queries.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

func (db *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS system_kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT (unixepoch())
		)`,

		`CREATE TABLE IF NOT EXISTS index_state (
			uri TEXT PRIMARY KEY,
			content_hash TEXT NOT NULL,
			mtime_nanos INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'indexed',
			indexed_at INTEGER NOT NULL DEFAULT (unixepoch())
		)`,

		`CREATE TABLE IF NOT EXISTS outbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			uri TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'new',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			next_attempt_at INTEGER NOT NULL DEFAULT (unixepoch()),
			lane TEXT NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (unixepoch())
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_status_next ON outbox(status, next_attempt_at)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_event_type ON outbox(event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_lane ON outbox(lane)`,

		`CREATE TABLE IF NOT EXISTS queue_checkpoint (
			worker TEXT PRIMARY KEY,
			last_event_id INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT (unixepoch())
		)`,

		`CREATE TABLE IF NOT EXISTS trace_index (
			trace_id TEXT PRIMARY KEY,
			request_type TEXT NOT NULL,
			query TEXT NOT NULL DEFAULT '',
			target_uri TEXT NOT NULL DEFAULT '',
			stop_reason TEXT NOT NULL DEFAULT '',
			explored_nodes INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL DEFAULT (unixepoch())
		)`,

		`CREATE TABLE IF NOT EXISTS search_docs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uri TEXT NOT NULL UNIQUE,
			parent_uri TEXT NOT NULL DEFAULT '',
			is_leaf INTEGER NOT NULL DEFAULT 0,
			context_type TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			abstract TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL DEFAULT (unixepoch())
		)`,
		`CREATE INDEX IF NOT EXISTS idx_search_docs_parent ON search_docs(parent_uri)`,

		`CREATE TABLE IF NOT EXISTS search_doc_tags (
			doc_id INTEGER NOT NULL REFERENCES search_docs(id) ON DELETE CASCADE,
			tag TEXT NOT NULL,
			PRIMARY KEY (doc_id, tag)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_search_doc_tags_tag ON search_doc_tags(tag)`,

		`CREATE TABLE IF NOT EXISTS om_records (
			scope TEXT NOT NULL,
			scope_key TEXT NOT NULL,
			generation_count INTEGER NOT NULL DEFAULT 0,
			last_applied_outbox_event_id INTEGER NOT NULL DEFAULT 0,
			active_observations TEXT NOT NULL DEFAULT '',
			observation_token_count INTEGER NOT NULL DEFAULT 0,
			pending_message_tokens INTEGER NOT NULL DEFAULT 0,
			last_observed_at INTEGER NOT NULL DEFAULT 0,
			last_activated_message_ids TEXT NOT NULL DEFAULT '[]',
			is_buffering_observation INTEGER NOT NULL DEFAULT 0,
			last_buffered_at_tokens INTEGER NOT NULL DEFAULT 0,
			buffered_reflection_ready INTEGER NOT NULL DEFAULT 0,
			buffered_reflection_text TEXT NOT NULL DEFAULT '',
			observer_trigger_count_total INTEGER NOT NULL DEFAULT 0,
			reflector_trigger_count_total INTEGER NOT NULL DEFAULT 0,
			current_task TEXT NOT NULL DEFAULT '',
			suggested_response TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (scope_key)
		)`,

		`CREATE TABLE IF NOT EXISTS om_observation_chunks (
			record_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			cycle_id TEXT NOT NULL DEFAULT '',
			observations TEXT NOT NULL DEFAULT '',
			token_count INTEGER NOT NULL DEFAULT 0,
			message_tokens INTEGER NOT NULL DEFAULT 0,
			message_ids TEXT NOT NULL DEFAULT '[]',
			last_observed_at INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL DEFAULT (unixepoch()),
			PRIMARY KEY (record_id, seq)
		)`,

		`CREATE TABLE IF NOT EXISTS om_observer_applied_events (
			outbox_event_id INTEGER PRIMARY KEY,
			scope_key TEXT NOT NULL,
			generation_count INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS om_thread_states (
			scope_key TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			last_observed_at INTEGER NOT NULL DEFAULT 0,
			pending_tokens INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (scope_key, thread_id)
		)`,

		`CREATE TABLE IF NOT EXISTS om_scope_sessions (
			scope_key TEXT NOT NULL,
			session_id TEXT NOT NULL,
			joined_at INTEGER NOT NULL DEFAULT (unixepoch()),
			PRIMARY KEY (scope_key, session_id)
		)`,

		`CREATE TABLE IF NOT EXISTS om_runtime_metrics (
			metric TEXT PRIMARY KEY,
			count INTEGER NOT NULL DEFAULT 0,
			p_max_latency_ms INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS reconcile_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			status TEXT NOT NULL DEFAULT 'running',
			drift_count INTEGER NOT NULL DEFAULT 0,
			invalid_uri_entries INTEGER NOT NULL DEFAULT 0,
			missing_uri_entries INTEGER NOT NULL DEFAULT 0,
			missing_files_pruned INTEGER NOT NULL DEFAULT 0,
			reindexed_scopes TEXT NOT NULL DEFAULT '[]',
			drift_sample TEXT NOT NULL DEFAULT '[]',
			started_at INTEGER NOT NULL DEFAULT (unixepoch()),
			finished_at INTEGER NOT NULL DEFAULT 0
		)`,
	}

	for _, m := range migrations {
		if _, err := db.conn.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}

	currentVersion := db.SchemaVersion()
	versioned := []struct {
		version int
		fn      func() error
	}{
		{1, db.migrateV1},
		{2, db.migrateV2FTS},
	}
	for _, m := range versioned {
		if currentVersion < m.version {
			if err := m.fn(); err != nil {
				return fmt.Errorf("migration v%d: %w", m.version, err)
			}
			if err := db.SetSchemaMeta("schema_version", strconv.Itoa(m.version)); err != nil {
				return fmt.Errorf("record migration v%d: %w", m.version, err)
			}
		}
	}

	if !db.hasColumn("om_records", "current_task") {
		return fmt.Errorf("missing required column om_records.current_task")
	}

	return nil
}

func (db *DB) migrateV1() error { return nil }

// migrateV2FTS creates an FTS5 virtual table over (name, abstract, content,
// tags) for lexical fallback search. Best-effort: FTS5 may be unavailable
// on some SQLite builds, and failure here is non-fatal.
func (db *DB) migrateV2FTS() error {
	_, err := db.conn.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS search_docs_fts USING fts5(
		uri UNINDEXED, name, abstract, content, tags,
		content=''
	)`)
	if err != nil {
		db.ftsAvailable = false
		return nil
	}
	db.ftsAvailable = true
	return nil
}

// FTSAvailable reports whether the FTS5 module is available.
func (db *DB) FTSAvailable() bool {
	return db.ftsAvailable
}

// EnableVectorIndex creates the optional sqlite-vec sidecar table sized to
// dims, used when the workspace configures an embedding-backed vector
// search path. Best-effort: an unavailable vec0 module is non-fatal, as
// the DRR retrieval engine's lexical path works without it.
func (db *DB) EnableVectorIndex(dims int) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var vecVersion string
	if err := db.conn.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		db.vecAvailable = false
		return nil
	}

	_, err := db.conn.Exec(fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS search_docs_vec USING vec0(
			doc_id INTEGER PRIMARY KEY,
			embedding float[%d]
		)`, dims))
	if err != nil {
		db.vecAvailable = false
		return nil
	}
	db.vecAvailable = true
	db.vecDims = dims
	return nil
}

// VectorAvailable reports whether the sqlite-vec sidecar is active.
func (db *DB) VectorAvailable() bool {
	return db.vecAvailable
}

// SchemaVersion returns the current schema version (0 if unset).
func (db *DB) SchemaVersion() int {
	v, ok := db.GetSchemaMeta("schema_version")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// GetSchemaMeta reads a value from schema_meta.
func (db *DB) GetSchemaMeta(key string) (string, bool) {
	var value string
	err := db.conn.QueryRow(`SELECT value FROM schema_meta WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

// SetSchemaMeta writes a key-value pair to schema_meta.
func (db *DB) SetSchemaMeta(key, value string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec(
		`INSERT INTO schema_meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// hasColumn reports whether a table currently has a column.
func (db *DB) hasColumn(table, column string) bool {
	rows, err := db.conn.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid      int
			name     string
			colType  string
			notNull  int
			defaultV sql.NullString
			primaryK int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultV, &primaryK); err != nil {
			continue
		}
		if strings.EqualFold(name, column) {
			return true
		}
	}
	return false
}

// IntegrityCheck runs PRAGMA integrity_check.
func (db *DB) IntegrityCheck() error {
	var result string
	if err := db.conn.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// GetKV reads a value from system_kv.
func (db *DB) GetKV(key string) (string, bool) {
	var value string
	err := db.conn.QueryRow(`SELECT value FROM system_kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

// SetKV upserts a value into system_kv.
func (db *DB) SetKV(key, value string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec(
		`INSERT INTO system_kv (key, value, updated_at) VALUES (?, ?, unixepoch())
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value,
	)
	return err
}
