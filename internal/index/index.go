// Package index is the engine's hot read-path structure: an ordered map
// from URI to IndexRecord plus derived parent/child and scope-root
// indexes, guarded by a reader-writer lock.
package index

import (
	"sort"
	"strings"
	"sync"

	"github.com/axiomorient/axiomme/internal/model"
	"github.com/axiomorient/axiomme/internal/uri"
)

// Index is the arena owning all IndexRecords. External views (frontier
// nodes, selected hits) carry URIs and look records up by map access.
type Index struct {
	mu       sync.RWMutex
	records  map[string]*model.IndexRecord
	order    []string // insertion order, for deterministic all_records()
	children map[string][]string
	roots    map[uri.Scope][]string
}

// New constructs an empty index.
func New() *Index {
	return &Index{
		records:  make(map[string]*model.IndexRecord),
		children: make(map[string][]string),
		roots:    make(map[uri.Scope][]string),
	}
}

// Upsert replaces the record at its URI, maintaining derived indexes.
func (ix *Index) Upsert(rec model.IndexRecord) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	key := rec.Uri.String()
	if _, existed := ix.records[key]; !existed {
		ix.order = append(ix.order, key)
	}
	r := rec
	ix.records[key] = &r

	if rec.ParentUri != nil {
		pkey := rec.ParentUri.String()
		if !containsStr(ix.children[pkey], key) {
			ix.children[pkey] = append(ix.children[pkey], key)
		}
	} else {
		s := rec.Uri.Scope()
		if !containsStr(ix.roots[s], key) {
			ix.roots[s] = append(ix.roots[s], key)
		}
	}
}

// Delete removes a URI and detaches it from parent/child indexes. It does
// not recursively delete children; callers delete subtrees bottom-up.
func (ix *Index) Delete(u uri.AxiomUri) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	key := u.String()
	rec, ok := ix.records[key]
	if !ok {
		return
	}
	delete(ix.records, key)
	ix.order = removeStr(ix.order, key)

	if rec.ParentUri != nil {
		pkey := rec.ParentUri.String()
		ix.children[pkey] = removeStr(ix.children[pkey], key)
	} else {
		ix.roots[rec.Uri.Scope()] = removeStr(ix.roots[rec.Uri.Scope()], key)
	}
	delete(ix.children, key)
}

// Get looks up a record by URI.
func (ix *Index) Get(u uri.AxiomUri) (model.IndexRecord, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	rec, ok := ix.records[u.String()]
	if !ok {
		return model.IndexRecord{}, false
	}
	return *rec, true
}

// ChildrenOf returns the direct children of a URI, in insertion order.
func (ix *Index) ChildrenOf(u uri.AxiomUri) []model.IndexRecord {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []model.IndexRecord
	for _, key := range ix.children[u.String()] {
		if rec, ok := ix.records[key]; ok {
			out = append(out, *rec)
		}
	}
	return out
}

// ScopeRoots returns the root records of the given scopes, or all
// non-internal scopes if scopes is empty.
func (ix *Index) ScopeRoots(scopes []uri.Scope) []model.IndexRecord {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if len(scopes) == 0 {
		for s := uri.Resources; s <= uri.Trash; s++ {
			if !s.IsInternal() {
				scopes = append(scopes, s)
			}
		}
	}
	var out []model.IndexRecord
	for _, s := range scopes {
		for _, key := range ix.roots[s] {
			if rec, ok := ix.records[key]; ok {
				out = append(out, *rec)
			}
		}
	}
	return out
}

// AllRecords returns every record in insertion order.
func (ix *Index) AllRecords() []model.IndexRecord {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]model.IndexRecord, 0, len(ix.order))
	for _, key := range ix.order {
		if rec, ok := ix.records[key]; ok {
			out = append(out, *rec)
		}
	}
	return out
}

// Len reports the number of indexed records.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.records)
}

// Filter is a tag/mime predicate over records.
type Filter struct {
	Tags []string
	Mime string
}

// FilterProjectionUris precomputes the allowed URI set for a filter, or
// nil if no filter is given (meaning "no restriction").
func (ix *Index) FilterProjectionUris(filter *Filter) map[string]bool {
	if filter == nil || (len(filter.Tags) == 0 && filter.Mime == "") {
		return nil
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	allowed := make(map[string]bool)
	for _, key := range ix.order {
		rec := ix.records[key]
		if matchesFilter(rec, filter) {
			allowed[key] = true
		}
	}
	return allowed
}

func matchesFilter(rec *model.IndexRecord, filter *Filter) bool {
	if len(filter.Tags) > 0 {
		found := false
		for _, want := range filter.Tags {
			for _, tag := range rec.Tags {
				if tag == want {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.Mime != "" {
		if !strings.HasSuffix(rec.Name, filter.Mime) {
			return false
		}
	}
	return true
}

// SearchResult is a lexically scored candidate.
type SearchResult struct {
	Record model.IndexRecord
	Score  float64
}

// Search performs a lexical scan over records, optionally restricted to a
// target subtree and a tag/mime filter. Score is a simple token-overlap
// measure; exact-match boosting is layered on top by the retrieval engine.
func (ix *Index) Search(query string, target *uri.AxiomUri, limit int, threshold float64, filter *Filter) []SearchResult {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}
	allowed := ix.FilterProjectionUris(filter)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var results []SearchResult
	for _, key := range ix.order {
		rec := ix.records[key]
		if target != nil && !rec.Uri.StartsWith(*target) {
			continue
		}
		if allowed != nil && !allowed[key] {
			continue
		}
		score := lexicalScore(queryTokens, rec)
		if score < threshold {
			continue
		}
		results = append(results, SearchResult{Record: *rec, Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Record.Uri.String() < results[j].Record.Uri.String()
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

func tokenize(s string) []string {
	lower := strings.ToLower(s)
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	return fields
}

// lexicalScore is a bounded [0,1] token-overlap score across name,
// abstract, tags, and content, weighted toward name/abstract hits.
func lexicalScore(queryTokens []string, rec *model.IndexRecord) float64 {
	nameTokens := tokenize(rec.Name)
	abstractTokens := tokenize(rec.AbstractText)
	contentTokens := tokenize(rec.Content)

	nameSet := toSet(nameTokens)
	abstractSet := toSet(abstractTokens)
	contentSet := toSet(contentTokens)
	tagSet := toSet(rec.Tags)

	var score float64
	matched := 0
	for _, qt := range queryTokens {
		hit := false
		if nameSet[qt] {
			score += 0.45
			hit = true
		}
		if abstractSet[qt] {
			score += 0.3
			hit = true
		}
		if tagSet[qt] {
			score += 0.2
			hit = true
		}
		if contentSet[qt] {
			score += 0.1
			hit = true
		}
		if hit {
			matched++
		}
	}
	if matched == 0 {
		return 0
	}
	score = score / float64(len(queryTokens))
	if score > 1 {
		score = 1
	}
	return score
}

func toSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeStr(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
