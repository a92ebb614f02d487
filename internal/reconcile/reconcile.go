// Package reconcile detects and heals drift between index_state and the
// filesystem: entries referencing files that no longer exist, and
// malformed URIs left behind by an earlier schema or bug.
package reconcile

import (
	"github.com/axiomorient/axiomme/internal/indexing"
	"github.com/axiomorient/axiomme/internal/store"
	"github.com/axiomorient/axiomme/internal/uri"
	"github.com/axiomorient/axiomme/internal/vfs"
)

// MaxDriftSample bounds how many drifted URIs are recorded in a run's
// report, so a badly drifted workspace doesn't balloon the reconcile_runs
// row.
const MaxDriftSample = 50

// Reconciler walks index_state for a set of scopes and heals drift
// against the filesystem.
type Reconciler struct {
	fs       *vfs.FS
	db       *store.DB
	pipeline *indexing.Pipeline
}

// New constructs a reconciler.
func New(fs *vfs.FS, db *store.DB, pipeline *indexing.Pipeline) *Reconciler {
	return &Reconciler{fs: fs, db: db, pipeline: pipeline}
}

// Options controls one reconcile run.
type Options struct {
	Scopes   []uri.Scope // empty means every non-internal scope
	DryRun   bool
	Reindex  bool // when true, scopes with detected drift are re-walked via the indexing pipeline
}

// Report summarizes one reconcile run.
type Report struct {
	DriftCount         int
	InvalidUriEntries  int
	MissingUriEntries  int
	MissingFilesPruned int
	ReindexedScopes    []string
	DriftSample        []string
}

// Run executes one reconcile pass, recording its start/finish in
// reconcile_runs.
func (r *Reconciler) Run(opts Options) (Report, error) {
	runID, err := r.db.StartReconcileRun()
	if err != nil {
		return Report{}, err
	}

	scopes := opts.Scopes
	if len(scopes) == 0 {
		for s := uri.Resources; s <= uri.Trash; s++ {
			if !s.IsInternal() {
				scopes = append(scopes, s)
			}
		}
	}

	report, err := r.reconcileScopes(scopes, opts)
	status := "success"
	if opts.DryRun {
		status = "dry_run"
	}
	if err != nil {
		status = "failed"
	}

	finishErr := r.db.FinishReconcileRun(runID, status, store.ReconcileRun{
		DriftCount:         report.DriftCount,
		InvalidUriEntries:  report.InvalidUriEntries,
		MissingUriEntries:  report.MissingUriEntries,
		MissingFilesPruned: report.MissingFilesPruned,
		ReindexedScopes:    report.ReindexedScopes,
		DriftSample:        report.DriftSample,
	})
	if err != nil {
		return report, err
	}
	return report, finishErr
}

func (r *Reconciler) reconcileScopes(scopes []uri.Scope, opts Options) (Report, error) {
	allowed := make(map[uri.Scope]bool, len(scopes))
	for _, s := range scopes {
		allowed[s] = true
	}

	entries, err := r.db.AllIndexState()
	if err != nil {
		return Report{}, err
	}

	var report Report
	driftedScopes := make(map[uri.Scope]bool)

	for _, e := range entries {
		parsed, err := uri.Parse(e.Uri)
		if err != nil {
			report.InvalidUriEntries++
			report.DriftCount++
			addSample(&report, e.Uri)
			if !opts.DryRun {
				_ = r.db.DeleteIndexState(e.Uri)
				report.MissingFilesPruned++
			}
			continue
		}
		if !allowed[parsed.Scope()] {
			continue
		}
		if r.fs.Exists(parsed) {
			continue
		}

		report.MissingUriEntries++
		report.DriftCount++
		addSample(&report, e.Uri)
		driftedScopes[parsed.Scope()] = true
		if !opts.DryRun {
			_ = r.db.DeleteSearchDoc(e.Uri)
			_ = r.db.DeleteIndexState(e.Uri)
			report.MissingFilesPruned++
		}
	}

	if opts.Reindex && !opts.DryRun {
		for s := range driftedScopes {
			if err := r.pipeline.IndexScope(s); err != nil {
				return report, err
			}
			report.ReindexedScopes = append(report.ReindexedScopes, s.String())
		}
	}

	return report, nil
}

func addSample(report *Report, u string) {
	if len(report.DriftSample) < MaxDriftSample {
		report.DriftSample = append(report.DriftSample, u)
	}
}

// LastRun reports the most recently started reconcile run, if any.
func (r *Reconciler) LastRun() (store.ReconcileRun, bool) {
	return r.db.LastReconcileRun()
}
