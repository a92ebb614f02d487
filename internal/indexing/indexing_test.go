package indexing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/axiomorient/axiomme/internal/config"
	"github.com/axiomorient/axiomme/internal/index"
	"github.com/axiomorient/axiomme/internal/store"
	"github.com/axiomorient/axiomme/internal/uri"
	"github.com/axiomorient/axiomme/internal/vfs"
)

func newTestPipeline(t *testing.T) (*Pipeline, *vfs.FS, *store.DB, *index.Index) {
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
	return New(fsys, db, idx, cfg), fsys, db, idx
}

func TestIndexScopeIndexesFilesAndDirs(t *testing.T) {
	p, fsys, _, idx := newTestPipeline(t)

	notesDir := filepath.Join(fsys.Root(), "resources", "notes")
	if err := os.MkdirAll(notesDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(notesDir, "a.md"), []byte("# Heading One\nbody text\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := p.IndexScope(uri.Resources); err != nil {
		t.Fatal(err)
	}

	fileUri, err := uri.Parse("axiom://resources/notes/a.md")
	if err != nil {
		t.Fatal(err)
	}
	rec, ok := idx.Get(fileUri)
	if !ok {
		t.Fatal("expected a.md to be indexed")
	}
	if len(rec.Tags) == 0 || rec.Tags[0] != "heading one" {
		t.Fatalf("tags = %+v, want tail heading", rec.Tags)
	}

	dirUri, err := uri.Parse("axiom://resources/notes")
	if err != nil {
		t.Fatal(err)
	}
	dirRec, ok := idx.Get(dirUri)
	if !ok {
		t.Fatal("expected notes dir to be indexed")
	}
	if dirRec.IsLeaf {
		t.Fatal("directory record should not be a leaf")
	}
}

func TestIndexScopeSkipsInternal(t *testing.T) {
	p, fsys, _, idx := newTestPipeline(t)

	tempDir := filepath.Join(fsys.Root(), "temp", "scratch")
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tempDir, "x.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := p.IndexScope(uri.Temp); err != nil {
		t.Fatal(err)
	}
	if idx.Len() != 0 {
		t.Fatalf("internal scope must not be indexed, got %d records", idx.Len())
	}
}

func TestReindexSkipsUnchangedContent(t *testing.T) {
	p, fsys, db, _ := newTestPipeline(t)

	path := filepath.Join(fsys.Root(), "resources", "a.md")
	if err := os.WriteFile(path, []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := p.IndexScope(uri.Resources); err != nil {
		t.Fatal(err)
	}

	fileUri, _ := uri.Parse("axiom://resources/a.md")
	state1, ok := db.GetIndexState(fileUri.String())
	if !ok {
		t.Fatal("expected index_state row")
	}

	if err := p.IndexScope(uri.Resources); err != nil {
		t.Fatal(err)
	}
	state2, _ := db.GetIndexState(fileUri.String())
	if state1.IndexedAt != state2.IndexedAt || state1.ContentHash != state2.ContentHash {
		t.Fatalf("expected unchanged index_state (indexed_at, content hash) across reindex passes")
	}
}
