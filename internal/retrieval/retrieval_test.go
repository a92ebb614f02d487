package retrieval

import (
	"testing"

	"github.com/axiomorient/axiomme/internal/config"
	"github.com/axiomorient/axiomme/internal/index"
	"github.com/axiomorient/axiomme/internal/model"
	"github.com/axiomorient/axiomme/internal/relation"
	"github.com/axiomorient/axiomme/internal/uri"
	"github.com/axiomorient/axiomme/internal/vfs"
)

func must(t *testing.T, u uri.AxiomUri, err error) uri.AxiomUri {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func testDrrConfig() config.DrrConfig {
	return config.DrrConfig{
		Alpha:                0.65,
		GlobalTopK:           16,
		MaxConvergenceRounds: 2,
		BudgetMaxMs:          800,
		BudgetMaxNodes:       256,
		BudgetMaxDepth:       12,
	}
}

func TestExactMatchScoreExactUriHit(t *testing.T) {
	rec := model.IndexRecord{
		Uri:          must(t, uri.Root(uri.Resources).Join("auth.md")),
		Name:         "auth.md",
		AbstractText: "oauth notes",
		IsLeaf:       true,
		ContextType:  model.ContextResource,
	}
	keys := newExactRecordKeys(rec)
	query := newExactQueryKeys(rec.Uri.String())
	if score := exactMatchScore(query, keys); score != 1.0 {
		t.Fatalf("exact uri hit score = %v, want 1.0", score)
	}
}

func TestExactMatchScoreNoMatch(t *testing.T) {
	rec := model.IndexRecord{
		Uri:  must(t, uri.Root(uri.Resources).Join("auth.md")),
		Name: "auth.md",
	}
	keys := newExactRecordKeys(rec)
	query := newExactQueryKeys("completely unrelated phrase zzz")
	if score := exactMatchScore(query, keys); score != 0 {
		t.Fatalf("expected no match, got %v", score)
	}
}

// TestDRRConvergenceOauthExample mirrors the spec's worked convergence
// example: three records (root, docs/, docs/auth.md), query "oauth", the
// leaf should win and the run should stop within a handful of nodes.
func TestDRRConvergenceOauthExample(t *testing.T) {
	idx := index.New()

	root := uri.Root(uri.Resources)
	docs := must(t, root.Join("docs"))
	authMd := must(t, docs.Join("auth.md"))

	idx.Upsert(model.IndexRecord{Uri: root, IsLeaf: false, ContextType: model.ContextDir, Name: "resources", Depth: 0})
	idx.Upsert(model.IndexRecord{Uri: docs, ParentUri: &root, IsLeaf: false, ContextType: model.ContextDir, Name: "docs", AbstractText: "oauth and auth docs", Depth: 1})
	idx.Upsert(model.IndexRecord{Uri: authMd, ParentUri: &docs, IsLeaf: true, ContextType: model.ContextResource, Name: "auth.md", AbstractText: "oauth flow details", Depth: 2})

	cfg := config.Config{Drr: testDrrConfig(), Reranker: config.RerankerOff}
	engine := New(idx, nil, cfg)

	result, err := engine.Query(SearchOptions{Query: "oauth", Limit: 5, RequestType: "query"})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Hits) == 0 {
		t.Fatal("expected at least one hit")
	}
	if result.Hits[0].Uri != authMd.String() {
		t.Fatalf("top hit = %q, want %q", result.Hits[0].Uri, authMd.String())
	}
	if result.Trace.StopReason != model.StopConverged && result.Trace.StopReason != model.StopQueueEmpty {
		t.Fatalf("stop_reason = %v, want converged or queue_empty", result.Trace.StopReason)
	}
	if result.Trace.Metrics.ExploredNodes > 3 {
		t.Fatalf("explored_nodes = %d, want <= 3", result.Trace.Metrics.ExploredNodes)
	}
}

// TestZeroBudgetMsStopsOnFirstPop covers the explicit-zero-budget
// scenario: an override of MaxMs: 0 must be honored as "stop immediately",
// not silently ignored as "no override" the way a bare int zero value
// would be.
func TestZeroBudgetMsStopsOnFirstPop(t *testing.T) {
	idx := index.New()

	root := uri.Root(uri.Resources)
	docs := must(t, root.Join("docs"))
	authMd := must(t, docs.Join("auth.md"))

	idx.Upsert(model.IndexRecord{Uri: root, IsLeaf: false, ContextType: model.ContextDir, Name: "resources", Depth: 0})
	idx.Upsert(model.IndexRecord{Uri: docs, ParentUri: &root, IsLeaf: false, ContextType: model.ContextDir, Name: "docs", AbstractText: "oauth and auth docs", Depth: 1})
	idx.Upsert(model.IndexRecord{Uri: authMd, ParentUri: &docs, IsLeaf: true, ContextType: model.ContextResource, Name: "auth.md", AbstractText: "oauth flow details", Depth: 2})

	cfg := config.Config{Drr: testDrrConfig(), Reranker: config.RerankerOff}
	engine := New(idx, nil, cfg)

	var zero int64
	result, err := engine.Query(SearchOptions{
		Query:       "oauth",
		Limit:       5,
		RequestType: "query",
		Budget:      &Budget{MaxMs: &zero},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Trace.StopReason != model.StopBudgetMs {
		t.Fatalf("stop_reason = %v, want %v", result.Trace.StopReason, model.StopBudgetMs)
	}
	if result.Trace.Metrics.ExploredNodes != 0 {
		t.Fatalf("explored_nodes = %d, want 0 (budget exhausted before any pop was processed)", result.Trace.Metrics.ExploredNodes)
	}
}

// TestFusionSortOrderAndLimit checks testable property 6: hits are
// sorted (score desc, uri asc), len <= limit, and final_topk mirrors hits.
func TestFusionSortOrderAndLimit(t *testing.T) {
	idx := index.New()
	root := uri.Root(uri.Resources)
	a := must(t, root.Join("a.md"))
	b := must(t, root.Join("b.md"))

	idx.Upsert(model.IndexRecord{Uri: root, IsLeaf: false, ContextType: model.ContextDir, Name: "resources", Depth: 0})
	idx.Upsert(model.IndexRecord{Uri: a, ParentUri: &root, IsLeaf: true, ContextType: model.ContextResource, Name: "a.md", AbstractText: "widget alpha", Depth: 1})
	idx.Upsert(model.IndexRecord{Uri: b, ParentUri: &root, IsLeaf: true, ContextType: model.ContextResource, Name: "b.md", AbstractText: "widget beta", Depth: 1})

	cfg := config.Config{Drr: testDrrConfig(), Reranker: config.RerankerOff}
	engine := New(idx, nil, cfg)

	result, err := engine.Query(SearchOptions{Query: "widget", Limit: 1, RequestType: "query"})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Hits) != 1 {
		t.Fatalf("len(hits) = %d, want 1 (limit)", len(result.Hits))
	}
	if len(result.Trace.FinalTopK) != len(result.Hits) {
		t.Fatalf("final_topk length %d != hits length %d", len(result.Trace.FinalTopK), len(result.Hits))
	}
	for i, h := range result.Hits {
		if result.Trace.FinalTopK[i].Uri != h.Uri {
			t.Fatalf("final_topk[%d] = %q, want %q", i, result.Trace.FinalTopK[i].Uri, h.Uri)
		}
	}
}

// TestRerankerIntentStructField mirrors testable property 8: a symbolic
// query should favor the code file over an equally-scored markdown file.
func TestRerankerIntentStructField(t *testing.T) {
	idx := index.New()
	root := uri.Root(uri.Resources)
	rsFile := must(t, root.Join("handler.rs"))
	mdFile := must(t, root.Join("handler.md"))

	idx.Upsert(model.IndexRecord{Uri: root, IsLeaf: false, ContextType: model.ContextDir, Name: "resources", Depth: 0})
	idx.Upsert(model.IndexRecord{Uri: rsFile, ParentUri: &root, IsLeaf: true, ContextType: model.ContextResource, Name: "handler.rs", AbstractText: "struct field_name impl", Depth: 1})
	idx.Upsert(model.IndexRecord{Uri: mdFile, ParentUri: &root, IsLeaf: true, ContextType: model.ContextResource, Name: "handler.md", AbstractText: "struct field_name impl", Depth: 1})

	cfg := config.Config{Drr: testDrrConfig(), Reranker: config.RerankerDocAwareV1}
	engine := New(idx, nil, cfg)

	result, err := engine.Query(SearchOptions{Query: "struct::field_name", Limit: 5, RequestType: "query"})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Hits) < 2 {
		t.Fatalf("expected both candidates, got %d hits", len(result.Hits))
	}
	if result.Hits[0].Uri != rsFile.String() {
		t.Fatalf("top hit = %q, want %q (code favored for symbolic query)", result.Hits[0].Uri, rsFile.String())
	}
}

// TestRelationEnrichmentIdempotent mirrors testable property 7: running
// enrichment twice over the same result set yields the same relations.
func TestRelationEnrichmentIdempotent(t *testing.T) {
	root := t.TempDir()
	fsys, err := vfs.New(root)
	if err != nil {
		t.Fatal(err)
	}

	idx := index.New()
	base := uri.Root(uri.Resources)
	a := must(t, base.Join("a.md"))
	b := must(t, base.Join("b.md"))
	idx.Upsert(model.IndexRecord{Uri: base, IsLeaf: false, ContextType: model.ContextDir, Name: "resources", Depth: 0})
	idx.Upsert(model.IndexRecord{Uri: a, ParentUri: &base, IsLeaf: true, ContextType: model.ContextResource, Name: "a.md", AbstractText: "widget alpha", Depth: 1})
	idx.Upsert(model.IndexRecord{Uri: b, ParentUri: &base, IsLeaf: true, ContextType: model.ContextResource, Name: "b.md", AbstractText: "widget beta", Depth: 1})

	relStore := relation.New(fsys, idx, nil)
	if _, err := relStore.Link(base, "rel-1", []string{a.String(), b.String()}, "see also"); err != nil {
		t.Fatal(err)
	}

	cfg := config.Config{Drr: testDrrConfig(), Reranker: config.RerankerOff}
	engine := New(idx, relStore, cfg)

	run := func() []ContextHit {
		result, err := engine.Query(SearchOptions{Query: "widget", Limit: 5, RequestType: "query"})
		if err != nil {
			t.Fatal(err)
		}
		return result.Hits
	}

	first := run()
	second := run()
	if len(first) != len(second) {
		t.Fatalf("hit count changed across runs: %d vs %d", len(first), len(second))
	}
	byUri := func(hits []ContextHit) map[string][]RelatedLink {
		out := make(map[string][]RelatedLink, len(hits))
		for _, h := range hits {
			out[h.Uri] = h.Relations
		}
		return out
	}
	firstRel, secondRel := byUri(first), byUri(second)
	for u, rels := range firstRel {
		other, ok := secondRel[u]
		if !ok || len(other) != len(rels) {
			t.Fatalf("relations for %q changed across runs: %v vs %v", u, rels, other)
		}
	}
}
