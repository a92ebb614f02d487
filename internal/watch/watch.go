// Package watch monitors a workspace's scope directories for filesystem
// changes and drives incremental reindexing through the indexing pipeline.
package watch

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/axiomorient/axiomme/internal/indexing"
	"github.com/axiomorient/axiomme/internal/vfs"
)

// skipDirNames are directory basenames never walked or watched, regardless
// of scope.
var skipDirNames = map[string]bool{
	".git":         true,
	"node_modules": true,
	".axiomme":     true,
}

// Watcher drives fsnotify events into the indexing pipeline with a
// debounce window, so a burst of saves from one edit collapses into a
// single reindex per touched path.
type Watcher struct {
	fs       *vfs.FS
	pipeline *indexing.Pipeline
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]bool
	timer   *time.Timer
}

// New constructs a watcher over fsys, dispatching reindex work to pipeline.
// debounceMs <= 0 falls back to a 2 second window.
func New(fsys *vfs.FS, pipeline *indexing.Pipeline, debounceMs int64) *Watcher {
	d := 2 * time.Second
	if debounceMs > 0 {
		d = time.Duration(debounceMs) * time.Millisecond
	}
	return &Watcher{
		fs:       fsys,
		pipeline: pipeline,
		debounce: d,
		pending:  make(map[string]bool),
	}
}

// Run watches every non-hidden directory beneath the workspace root,
// internal scopes included (their changes are dropped at flush), and
// blocks until stop is closed or an unrecoverable watcher error occurs.
func (w *Watcher) Run(stop <-chan struct{}) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: create watcher: %w", err)
	}
	defer fsw.Close()

	root := w.fs.Root()
	for _, d := range walkDirs(root) {
		if err := fsw.Add(d); err != nil {
			fmt.Fprintf(os.Stderr, "axiomme: watch: could not watch %s: %v\n", d, err)
		}
	}

	for {
		select {
		case <-stop:
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(fsw, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "axiomme: watch: error: %v\n", err)
		}
	}
}

func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, event fsnotify.Event) {
	base := filepath.Base(event.Name)
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !skipDirNames[base] {
				fsw.Add(event.Name)
			}
			return
		}
	}

	if vfs.SkipNames[base] || strings.HasPrefix(base, ".") {
		return
	}

	switch {
	case event.Has(fsnotify.Write), event.Has(fsnotify.Create), event.Has(fsnotify.Rename):
		w.schedule(event.Name)
	case event.Has(fsnotify.Remove):
		w.schedule(event.Name)
	}
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[path] = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]bool)
	w.mu.Unlock()

	for _, p := range paths {
		u, err := w.fs.UriFromPath(p)
		if err != nil {
			continue
		}
		if u.Scope().IsInternal() {
			continue
		}
		if err := w.pipeline.ReindexWithAncestors(u); err != nil {
			fmt.Fprintf(os.Stderr, "axiomme: watch: reindex %s: %v\n", u.String(), err)
		}
	}
}

func walkDirs(root string) []string {
	var dirs []string
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if name != filepath.Base(root) && (skipDirNames[name] || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			dirs = append(dirs, path)
		}
		return nil
	})
	return dirs
}
