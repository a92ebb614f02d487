package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/axiomorient/axiomme/internal/retrieval"
	"github.com/axiomorient/axiomme/internal/uri"
)

func TestOpenHydratesEmptyWorkspace(t *testing.T) {
	t.Setenv("AXIOMME_EMBED_PROVIDER", "none")
	root := t.TempDir()

	ws, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ws.Close()

	if ws.Index.Len() != 0 {
		t.Fatalf("expected empty index on fresh workspace, got %d records", ws.Index.Len())
	}
	for _, s := range []uri.Scope{uri.Resources, uri.User, uri.Agent, uri.Session} {
		if !fileExists(filepath.Join(root, s.String())) {
			t.Fatalf("expected scope dir %s to be created", s)
		}
	}
}

func TestOpenIndexesAndQueriesContent(t *testing.T) {
	t.Setenv("AXIOMME_EMBED_PROVIDER", "none")
	root := t.TempDir()

	resourcesDir := filepath.Join(root, "resources")
	if err := os.MkdirAll(resourcesDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(resourcesDir, "widget.md"), []byte("# widget\nwidget alpha notes"), 0o644); err != nil {
		t.Fatal(err)
	}

	ws, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ws.Close()

	if err := ws.IndexAllScopes(); err != nil {
		t.Fatalf("IndexAllScopes: %v", err)
	}
	if ws.Index.Len() == 0 {
		t.Fatal("expected records after indexing scopes")
	}

	result, err := ws.Query(retrieval.SearchOptions{Query: "widget", Limit: 5, RequestType: "query"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(result.Hits) == 0 {
		t.Fatal("expected at least one hit for indexed content")
	}
}

func TestReopenRehydratesFromStore(t *testing.T) {
	t.Setenv("AXIOMME_EMBED_PROVIDER", "none")
	root := t.TempDir()

	resourcesDir := filepath.Join(root, "resources")
	if err := os.MkdirAll(resourcesDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(resourcesDir, "note.md"), []byte("# note\nsome content"), 0o644); err != nil {
		t.Fatal(err)
	}

	ws1, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := ws1.IndexAllScopes(); err != nil {
		t.Fatalf("IndexAllScopes: %v", err)
	}
	wantLen := ws1.Index.Len()
	if err := ws1.Close(); err != nil {
		t.Fatal(err)
	}

	ws2, err := Open(root)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer ws2.Close()
	if ws2.Index.Len() != wantLen {
		t.Fatalf("rehydrated index len = %d, want %d", ws2.Index.Len(), wantLen)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
