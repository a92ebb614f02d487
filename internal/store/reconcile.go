package store

import "encoding/json"

// ReconcileRun is a row of the reconcile_runs log.
type ReconcileRun struct {
	Id                 int64
	Status             string // running | success | dry_run | failed
	DriftCount         int
	InvalidUriEntries  int
	MissingUriEntries  int
	MissingFilesPruned int
	ReindexedScopes    []string
	DriftSample        []string
	StartedAt          int64
	FinishedAt         int64
}

// StartReconcileRun inserts a new running reconcile_runs row.
func (db *DB) StartReconcileRun() (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	res, err := db.conn.Exec(`INSERT INTO reconcile_runs (status) VALUES ('running')`)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// FinishReconcileRun records the final report for a run.
func (db *DB) FinishReconcileRun(id int64, status string, r ReconcileRun) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	scopes, err := json.Marshal(r.ReindexedScopes)
	if err != nil {
		return err
	}
	sample, err := json.Marshal(r.DriftSample)
	if err != nil {
		return err
	}

	_, err = db.conn.Exec(`
		UPDATE reconcile_runs SET status=?, drift_count=?, invalid_uri_entries=?, missing_uri_entries=?,
			missing_files_pruned=?, reindexed_scopes=?, drift_sample=?, finished_at=unixepoch()
		WHERE id = ?`,
		status, r.DriftCount, r.InvalidUriEntries, r.MissingUriEntries, r.MissingFilesPruned,
		string(scopes), string(sample), id,
	)
	return err
}

// LastReconcileRun returns the most recently started run, if any.
func (db *DB) LastReconcileRun() (ReconcileRun, bool) {
	var r ReconcileRun
	var scopes, sample string
	err := db.conn.QueryRow(`
		SELECT id, status, drift_count, invalid_uri_entries, missing_uri_entries, missing_files_pruned,
			reindexed_scopes, drift_sample, started_at, finished_at
		FROM reconcile_runs ORDER BY id DESC LIMIT 1`).Scan(
		&r.Id, &r.Status, &r.DriftCount, &r.InvalidUriEntries, &r.MissingUriEntries, &r.MissingFilesPruned,
		&scopes, &sample, &r.StartedAt, &r.FinishedAt,
	)
	if err != nil {
		return ReconcileRun{}, false
	}
	_ = json.Unmarshal([]byte(scopes), &r.ReindexedScopes)
	_ = json.Unmarshal([]byte(sample), &r.DriftSample)
	return r, true
}
