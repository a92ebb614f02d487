// Package retrieval implements the DRR (deterministic hierarchical
// retrieval) engine: typed-query planning, frontier expansion under
// budgets, exact-match boosting, document-aware reranking, relation
// enrichment, and trace emission.
package retrieval

import (
	"github.com/axiomorient/axiomme/internal/index"
	"github.com/axiomorient/axiomme/internal/model"
	"github.com/axiomorient/axiomme/internal/uri"
)

// Budget overrides the engine's default expansion limits for one query.
// A nil field leaves the engine's configured default in place; a non-nil
// field overrides it even when the pointed-to value is zero, so an
// explicit zero budget (e.g. MaxMs pointing at 0) deterministically stops
// expansion on the very first frontier pop instead of being silently
// treated as "no override".
type Budget struct {
	MaxMs    *int64
	MaxNodes *int
	MaxDepth *int
}

// SearchOptions is the input to a retrieval run.
type SearchOptions struct {
	Query          string
	TargetUri      *uri.AxiomUri
	SessionHints   []string
	Budget         *Budget
	Limit          int
	ScoreThreshold float64
	MinMatchTokens int
	Filter         *index.Filter
	RequestType    string
}

// RelatedLink is a relation enrichment entry attached to a hit.
type RelatedLink struct {
	RelatedUri string
	LinkId     string
	Reason     string
}

// ContextHit is one scored, traceable retrieval result.
type ContextHit struct {
	Uri          string
	Score        float64
	Name         string
	AbstractText string
	ContextType  model.ContextType
	Tags         []string
	Relations    []RelatedLink
}

// Result is the output of a retrieval run: ranked hits plus their trace.
type Result struct {
	Hits  []ContextHit
	Trace model.RetrievalTrace
	Notes []string
}
