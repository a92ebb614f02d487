package editor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/axiomorient/axiomme/internal/axerr"
	"github.com/axiomorient/axiomme/internal/config"
	"github.com/axiomorient/axiomme/internal/contenthash"
	"github.com/axiomorient/axiomme/internal/index"
	"github.com/axiomorient/axiomme/internal/indexing"
	"github.com/axiomorient/axiomme/internal/store"
	"github.com/axiomorient/axiomme/internal/vfs"
)

func newTestEditor(t *testing.T) (*Editor, *vfs.FS) {
	t.Helper()
	root := t.TempDir()
	fsys, err := vfs.New(root)
	if err != nil {
		t.Fatal(err)
	}
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	idx := index.New()
	cfg := config.Config{TierSynthesisMode: config.TierDeterministic, InternalTierPolicy: config.TierVirtual}
	pipeline := indexing.New(fsys, db, idx, cfg)
	return New(fsys, pipeline), fsys
}

func writeFile(t *testing.T, fsys *vfs.FS, rel, content string) {
	t.Helper()
	path := filepath.Join(fsys.Root(), rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadReturnsContentAndMatchingEtag(t *testing.T) {
	ed, fsys := newTestEditor(t)
	writeFile(t, fsys, "resources/note.md", "# Note\nbody")

	doc, err := ed.Load("axiom://resources/note.md")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := contenthash.Hash([]byte("# Note\nbody"))
	if doc.Etag != want {
		t.Fatalf("etag = %s, want %s", doc.Etag, want)
	}
	if doc.Content != "# Note\nbody" {
		t.Fatalf("content = %q", doc.Content)
	}
}

func TestSaveRoundTripsEtag(t *testing.T) {
	ed, fsys := newTestEditor(t)
	writeFile(t, fsys, "resources/note.md", "old")

	result, err := ed.Save("axiom://resources/note.md", "new content", "")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	want := contenthash.Hash([]byte("new content"))
	if result.Etag != want {
		t.Fatalf("save etag = %s, want %s", result.Etag, want)
	}

	doc, err := ed.Load("axiom://resources/note.md")
	if err != nil {
		t.Fatalf("Load after save: %v", err)
	}
	if doc.Etag != result.Etag {
		t.Fatalf("load etag %s != save etag %s", doc.Etag, result.Etag)
	}
	if doc.Content != "new content" {
		t.Fatalf("content after save = %q", doc.Content)
	}
}

func TestSaveRejectsStaleEtag(t *testing.T) {
	ed, fsys := newTestEditor(t)
	writeFile(t, fsys, "resources/note.md", "original")

	if _, err := ed.Save("axiom://resources/note.md", "overwrite", "not-the-real-etag"); err == nil {
		t.Fatal("expected conflict error for stale etag")
	} else if !axerr.Is(err, axerr.Conflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}

	content, err := os.ReadFile(filepath.Join(fsys.Root(), "resources", "note.md"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "original" {
		t.Fatalf("content changed despite conflict: %q", content)
	}
}

func TestSaveAcceptsMatchingEtag(t *testing.T) {
	ed, fsys := newTestEditor(t)
	writeFile(t, fsys, "resources/note.md", "original")

	doc, err := ed.Load("axiom://resources/note.md")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ed.Save("axiom://resources/note.md", "updated", doc.Etag); err != nil {
		t.Fatalf("Save with correct etag: %v", err)
	}
}

func TestSaveRejectsNonMarkdownExtension(t *testing.T) {
	ed, fsys := newTestEditor(t)
	writeFile(t, fsys, "resources/data.json", "{}")

	if _, err := ed.Save("axiom://resources/data.json", "{}", ""); err == nil {
		t.Fatal("expected validation error for non-markdown target")
	} else if !axerr.Is(err, axerr.Validation) {
		t.Fatalf("expected Validation, got %v", err)
	}
}

func TestSaveRejectsGeneratedTierFile(t *testing.T) {
	ed, fsys := newTestEditor(t)
	writeFile(t, fsys, "resources/sub/.abstract.md", "generated")

	if _, err := ed.Save("axiom://resources/sub/.abstract.md", "hand-edited", ""); err == nil {
		t.Fatal("expected permission error for tier file")
	} else if !axerr.Is(err, axerr.PermissionDenied) {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
}

func TestSaveRejectsInternalScope(t *testing.T) {
	ed, fsys := newTestEditor(t)
	writeFile(t, fsys, "queue/note.md", "body")

	if _, err := ed.Save("axiom://queue/note.md", "body", ""); err == nil {
		t.Fatal("expected permission error for internal scope")
	} else if !axerr.Is(err, axerr.PermissionDenied) {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
}

func TestSaveRejectsScopeRootTarget(t *testing.T) {
	ed, _ := newTestEditor(t)

	if _, err := ed.Save("axiom://resources", "body", ""); err == nil {
		t.Fatal("expected an error for a scope-root target")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	ed, _ := newTestEditor(t)

	if _, err := ed.Load("axiom://resources/missing.md"); err == nil {
		t.Fatal("expected not-found error")
	} else if !axerr.Is(err, axerr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
