package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/axiomorient/axiomme/internal/config"
	"github.com/axiomorient/axiomme/internal/index"
	"github.com/axiomorient/axiomme/internal/indexing"
	"github.com/axiomorient/axiomme/internal/store"
	"github.com/axiomorient/axiomme/internal/uri"
	"github.com/axiomorient/axiomme/internal/vfs"
)

func mkdirAll(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
}

func TestWalkDirsSkipsHiddenAndInternalDirs(t *testing.T) {
	root := t.TempDir()

	mkdirAll(t, filepath.Join(root, "resources", "nested"))
	mkdirAll(t, filepath.Join(root, ".git"))
	mkdirAll(t, filepath.Join(root, ".axiomme"))

	got := walkDirs(root)
	relSet := make(map[string]bool, len(got))
	for _, p := range got {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			t.Fatalf("rel path: %v", err)
		}
		relSet[filepath.ToSlash(rel)] = true
	}

	if !relSet["resources"] || !relSet["resources/nested"] {
		t.Fatalf("expected resources dirs to be watched, got: %#v", relSet)
	}
	if relSet[".git"] {
		t.Fatalf("expected .git to be skipped, got: %#v", relSet)
	}
	if relSet[".axiomme"] {
		t.Fatalf("expected .axiomme to be skipped, got: %#v", relSet)
	}
}

func TestWatcherFlushReindexesScheduledPaths(t *testing.T) {
	root := t.TempDir()
	fsys, err := vfs.New(root)
	if err != nil {
		t.Fatalf("vfs.New: %v", err)
	}
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	defer db.Close()
	idx := index.New()
	cfg := config.Config{}

	target, err := uri.Root(uri.Resources).Join("note.md")
	if err != nil {
		t.Fatal(err)
	}
	path := fsys.ResolveUri(target)
	if err := os.WriteFile(path, []byte("# hello\nbody text"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	pipeline := indexing.New(fsys, db, idx, cfg)
	w := New(fsys, pipeline, 1)
	w.schedule(path)
	w.flush()

	if _, ok := idx.Get(target); !ok {
		t.Fatalf("expected %s to be indexed after flush", target)
	}
}

func TestWatcherScheduleDebouncesRepeatedEvents(t *testing.T) {
	root := t.TempDir()
	fsys, err := vfs.New(root)
	if err != nil {
		t.Fatalf("vfs.New: %v", err)
	}
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	defer db.Close()
	idx := index.New()
	pipeline := indexing.New(fsys, db, idx, config.Config{})

	w := New(fsys, pipeline, 20)
	path := filepath.Join(root, "resources", "note.md")
	w.schedule(path)
	w.schedule(path)

	w.mu.Lock()
	pendingCount := len(w.pending)
	w.mu.Unlock()
	if pendingCount != 1 {
		t.Fatalf("expected one pending path after repeated schedule, got %d", pendingCount)
	}

	time.Sleep(40 * time.Millisecond)
	w.mu.Lock()
	afterFlush := len(w.pending)
	w.mu.Unlock()
	if afterFlush != 0 {
		t.Fatalf("expected debounce timer to have flushed pending set, got %d remaining", afterFlush)
	}
}
