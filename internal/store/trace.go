package store

import "github.com/axiomorient/axiomme/internal/model"

// RecordTrace persists the summary row used to rebuild a trace index;
// the full RetrievalTrace JSON is written to the filesystem by the
// retrieval engine at axiom://queue/traces/<trace_id>.json.
func (db *DB) RecordTrace(t model.RetrievalTrace) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec(
		`INSERT INTO trace_index (trace_id, request_type, query, target_uri, stop_reason, explored_nodes, latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(trace_id) DO UPDATE SET stop_reason=excluded.stop_reason,
			explored_nodes=excluded.explored_nodes, latency_ms=excluded.latency_ms`,
		t.TraceId, t.RequestType, t.Query, t.TargetUri, string(t.StopReason), t.Metrics.ExploredNodes, t.Metrics.LatencyMs,
	)
	return err
}

// TraceSummary is a trace_index row.
type TraceSummary struct {
	TraceId       string
	RequestType   string
	Query         string
	TargetUri     string
	StopReason    string
	ExploredNodes int
	LatencyMs     int64
	CreatedAt     int64
}

// GetTraceSummary reads a single trace_index row.
func (db *DB) GetTraceSummary(traceID string) (TraceSummary, bool) {
	var s TraceSummary
	err := db.conn.QueryRow(
		`SELECT trace_id, request_type, query, target_uri, stop_reason, explored_nodes, latency_ms, created_at
		 FROM trace_index WHERE trace_id = ?`, traceID,
	).Scan(&s.TraceId, &s.RequestType, &s.Query, &s.TargetUri, &s.StopReason, &s.ExploredNodes, &s.LatencyMs, &s.CreatedAt)
	if err != nil {
		return TraceSummary{}, false
	}
	return s, true
}
