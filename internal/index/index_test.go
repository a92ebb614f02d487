package index

import (
	"testing"

	"github.com/axiomorient/axiomme/internal/model"
	"github.com/axiomorient/axiomme/internal/uri"
)

func mustUri(t *testing.T, text string) uri.AxiomUri {
	t.Helper()
	u, err := uri.Parse(text)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestUpsertGetChildrenRoots(t *testing.T) {
	ix := New()
	root := mustUri(t, "axiom://resources")
	docs := mustUri(t, "axiom://resources/docs")
	auth := mustUri(t, "axiom://resources/docs/auth.md")

	ix.Upsert(model.IndexRecord{Uri: root, Name: "resources", AbstractText: "root", IsLeaf: false})
	ix.Upsert(model.IndexRecord{Uri: docs, ParentUri: &root, Name: "docs", AbstractText: "docs dir", IsLeaf: false})
	ix.Upsert(model.IndexRecord{Uri: auth, ParentUri: &docs, Name: "auth.md", AbstractText: "auth notes", Content: "oauth flow", IsLeaf: true, Tags: []string{"oauth"}})

	if got, ok := ix.Get(auth); !ok || got.Name != "auth.md" {
		t.Fatalf("Get(auth) = %+v, %v", got, ok)
	}

	children := ix.ChildrenOf(docs)
	if len(children) != 1 || children[0].Uri.String() != auth.String() {
		t.Fatalf("ChildrenOf(docs) = %+v", children)
	}

	roots := ix.ScopeRoots([]uri.Scope{uri.Resources})
	if len(roots) != 1 || roots[0].Uri.String() != root.String() {
		t.Fatalf("ScopeRoots = %+v", roots)
	}

	if ix.Len() != 3 {
		t.Fatalf("Len = %d, want 3", ix.Len())
	}
}

func TestDeleteDetaches(t *testing.T) {
	ix := New()
	root := mustUri(t, "axiom://resources")
	docs := mustUri(t, "axiom://resources/docs")
	ix.Upsert(model.IndexRecord{Uri: root, Name: "resources"})
	ix.Upsert(model.IndexRecord{Uri: docs, ParentUri: &root, Name: "docs"})

	ix.Delete(docs)
	if _, ok := ix.Get(docs); ok {
		t.Fatal("expected docs deleted")
	}
	if len(ix.ChildrenOf(root)) != 0 {
		t.Fatal("expected root to have no children after delete")
	}
}

func TestSearchLexicalScore(t *testing.T) {
	ix := New()
	root := mustUri(t, "axiom://resources")
	auth := mustUri(t, "axiom://resources/auth.md")
	other := mustUri(t, "axiom://resources/other.md")

	ix.Upsert(model.IndexRecord{Uri: root, Name: "resources"})
	ix.Upsert(model.IndexRecord{Uri: auth, ParentUri: &root, Name: "auth.md", AbstractText: "oauth login flow", IsLeaf: true})
	ix.Upsert(model.IndexRecord{Uri: other, ParentUri: &root, Name: "other.md", AbstractText: "unrelated content", IsLeaf: true})

	results := ix.Search("oauth", nil, 10, 0, nil)
	if len(results) == 0 || results[0].Record.Uri.String() != auth.String() {
		t.Fatalf("Search(oauth) = %+v", results)
	}
}

func TestFilterProjection(t *testing.T) {
	ix := New()
	root := mustUri(t, "axiom://resources")
	a := mustUri(t, "axiom://resources/a.md")
	b := mustUri(t, "axiom://resources/b.md")
	ix.Upsert(model.IndexRecord{Uri: root, Name: "resources"})
	ix.Upsert(model.IndexRecord{Uri: a, ParentUri: &root, Name: "a.md", Tags: []string{"skill"}})
	ix.Upsert(model.IndexRecord{Uri: b, ParentUri: &root, Name: "b.md", Tags: []string{"memory"}})

	allowed := ix.FilterProjectionUris(&Filter{Tags: []string{"skill"}})
	if allowed == nil || !allowed[a.String()] || allowed[b.String()] {
		t.Fatalf("FilterProjectionUris = %+v", allowed)
	}

	if ix.FilterProjectionUris(nil) != nil {
		t.Fatal("expected nil projection for nil filter")
	}
}
