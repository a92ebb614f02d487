package reconcile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/axiomorient/axiomme/internal/config"
	"github.com/axiomorient/axiomme/internal/index"
	"github.com/axiomorient/axiomme/internal/indexing"
	"github.com/axiomorient/axiomme/internal/store"
	"github.com/axiomorient/axiomme/internal/uri"
	"github.com/axiomorient/axiomme/internal/vfs"
)

func TestRunDetectsAndPrunesMissingFile(t *testing.T) {
	root := t.TempDir()
	fsys, err := vfs.New(root)
	if err != nil {
		t.Fatal(err)
	}
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	idx := index.New()
	cfg := config.Config{TierSynthesisMode: config.TierDeterministic, InternalTierPolicy: config.TierVirtual}
	pipe := indexing.New(fsys, db, idx, cfg)

	path := filepath.Join(root, "resources", "a.md")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := pipe.IndexScope(uri.Resources); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	rec := New(fsys, db, pipe)
	report, err := rec.Run(Options{Scopes: []uri.Scope{uri.Resources}})
	if err != nil {
		t.Fatal(err)
	}
	if report.DriftCount == 0 || report.MissingFilesPruned == 0 {
		t.Fatalf("expected drift detected and pruned, got %+v", report)
	}

	fileUri, _ := uri.Parse("axiom://resources/a.md")
	if _, ok := db.GetIndexState(fileUri.String()); ok {
		t.Fatal("expected index_state row pruned after reconcile")
	}
}

func TestRunDryRunDoesNotMutate(t *testing.T) {
	root := t.TempDir()
	fsys, err := vfs.New(root)
	if err != nil {
		t.Fatal(err)
	}
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	idx := index.New()
	cfg := config.Config{TierSynthesisMode: config.TierDeterministic, InternalTierPolicy: config.TierVirtual}
	pipe := indexing.New(fsys, db, idx, cfg)

	path := filepath.Join(root, "resources", "a.md")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := pipe.IndexScope(uri.Resources); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	rec := New(fsys, db, pipe)
	report, err := rec.Run(Options{Scopes: []uri.Scope{uri.Resources}, DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if report.MissingFilesPruned != 0 {
		t.Fatalf("dry run must not prune, got %d", report.MissingFilesPruned)
	}

	fileUri, _ := uri.Parse("axiom://resources/a.md")
	if _, ok := db.GetIndexState(fileUri.String()); !ok {
		t.Fatal("dry run must leave index_state untouched")
	}
}
