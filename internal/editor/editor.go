// Package editor implements the markdown edit gate: the load/save cycle
// for user-editable markdown documents. Saves take a dedicated
// reader-writer lock for the full load-compare-write-reindex-verify
// cycle, distinct from the in-memory index's own lock, so a concurrent
// load never observes a half-written document and two concurrent saves
// never interleave their reindex passes.
package editor

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/axiomorient/axiomme/internal/axerr"
	"github.com/axiomorient/axiomme/internal/contenthash"
	"github.com/axiomorient/axiomme/internal/indexing"
	"github.com/axiomorient/axiomme/internal/uri"
	"github.com/axiomorient/axiomme/internal/vfs"
)

// editableExts is the set of file extensions the markdown edit gate will
// load or save.
var editableExts = map[string]bool{"md": true, "markdown": true}

// editableScopes is the closed set of scopes the editor will touch;
// internal scopes (queue/temp/trash) are never user-editable.
var editableScopes = map[uri.Scope]bool{
	uri.Resources: true,
	uri.User:      true,
	uri.Agent:     true,
	uri.Session:   true,
}

// Document is the result of a load: the current bytes plus the etag a
// subsequent save must present to avoid a lost-update conflict.
type Document struct {
	Uri     string
	Content string
	Etag    string
}

// SaveResult reports what a save actually did, including the time spent
// in each phase of the cycle.
type SaveResult struct {
	Uri           string
	Etag          string
	ReindexedRoot string
	SaveMs        int64
	ReindexMs     int64
}

// Editor guards markdown document reads and writes with a dedicated
// reader-writer lock, independent of the in-memory index's own locking.
type Editor struct {
	fs       *vfs.FS
	pipeline *indexing.Pipeline
	gate     sync.RWMutex
}

// New constructs an Editor over a workspace's filesystem and indexing
// pipeline.
func New(fs *vfs.FS, pipeline *indexing.Pipeline) *Editor {
	return &Editor{fs: fs, pipeline: pipeline}
}

// Load reads a markdown document, computing its current etag. Load holds
// the gate's read lock only for the duration of the read, so it never
// blocks on another load, only on an in-flight save.
func (e *Editor) Load(rawUri string) (Document, error) {
	target, err := uri.Parse(rawUri)
	if err != nil {
		return Document{}, err
	}
	if err := validateTarget(e.fs, target); err != nil {
		return Document{}, err
	}

	e.gate.RLock()
	defer e.gate.RUnlock()

	content, err := e.fs.Read(target)
	if err != nil {
		return Document{}, err
	}
	return Document{
		Uri:     target.String(),
		Content: string(content),
		Etag:    contenthash.Hash(content),
	}, nil
}

// Save writes content to uri, enforcing an optimistic-concurrency check
// against expectedEtag when non-empty, then reindexes the document's
// parent directory so its tier and search state stay consistent with
// what was just written. On reindex failure the previous bytes are
// restored and reindexed again as a rollback, and the save is reported
// as failed even though the write itself succeeded.
func (e *Editor) Save(rawUri, content, expectedEtag string) (SaveResult, error) {
	target, err := uri.Parse(rawUri)
	if err != nil {
		return SaveResult{}, err
	}
	if err := validateTarget(e.fs, target); err != nil {
		return SaveResult{}, err
	}
	parent, ok := target.Parent()
	if !ok {
		return SaveResult{}, axerr.New(axerr.Validation, target.String(), "markdown target must not be a scope root")
	}

	e.gate.Lock()
	defer e.gate.Unlock()

	previous, err := e.fs.Read(target)
	if err != nil {
		return SaveResult{}, err
	}
	if expectedEtag != "" && contenthash.Hash(previous) != expectedEtag {
		return SaveResult{}, axerr.New(axerr.Conflict, target.String(), "etag mismatch")
	}

	saveStart := time.Now()
	if err := e.fs.WriteAtomic(target, []byte(content), false); err != nil {
		return SaveResult{}, err
	}
	saveMs := time.Since(saveStart).Milliseconds()

	reindexStart := time.Now()
	if reindexErr := e.pipeline.ReindexWithAncestors(parent); reindexErr != nil {
		rollbackWrite := e.fs.WriteAtomic(target, previous, false)
		var rollbackReindex error
		if rollbackWrite == nil {
			rollbackReindex = e.pipeline.ReindexWithAncestors(parent)
		}
		return SaveResult{}, axerr.Wrap(axerr.Internal, target.String(),
			rollbackSummary(rollbackWrite, rollbackReindex), reindexErr)
	}
	reindexMs := time.Since(reindexStart).Milliseconds()

	committed, err := e.fs.Read(target)
	if err != nil {
		return SaveResult{}, err
	}
	return SaveResult{
		Uri:           target.String(),
		Etag:          contenthash.Hash(committed),
		ReindexedRoot: parent.String(),
		SaveMs:        saveMs,
		ReindexMs:     reindexMs,
	}, nil
}

func rollbackSummary(rollbackWrite, rollbackReindex error) string {
	writeStatus := "ok"
	if rollbackWrite != nil {
		writeStatus = "err:" + rollbackWrite.Error()
	}
	reindexStatus := "ok_or_skipped"
	if rollbackReindex != nil {
		reindexStatus = "err:" + rollbackReindex.Error()
	}
	return "markdown save failed during reindex, rollback_write=" + writeStatus + " rollback_reindex=" + reindexStatus
}

func validateTarget(fs *vfs.FS, target uri.AxiomUri) error {
	if !editableScopes[target.Scope()] {
		return axerr.New(axerr.PermissionDenied, target.String(), "markdown editor does not allow scope "+target.Scope().String())
	}
	if !fs.Exists(target) {
		return axerr.New(axerr.NotFound, target.String(), "markdown target does not exist")
	}
	if fs.IsDir(target) {
		return axerr.New(axerr.Validation, target.String(), "markdown target must be a file")
	}
	name := target.LastSegment()
	if vfs.IsSkipName(name) {
		return axerr.New(axerr.PermissionDenied, target.String(), "markdown editor cannot modify a generated tier file")
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if !editableExts[ext] {
		return axerr.New(axerr.Validation, target.String(), "markdown editor only supports .md/.markdown targets")
	}
	return nil
}
