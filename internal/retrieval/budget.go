package retrieval

import "github.com/axiomorient/axiomme/internal/config"

// resolvedBudget is the effective per-run expansion limit, after applying
// any per-query override over the engine's configured defaults. timeMs
// stays a pointer all the way through expansion, like nodes/depth's
// "unset means no override" cousin but for the one field that has a
// legitimate zero value (stop immediately) distinct from unset: nil means
// no time budget at all, a non-nil zero means stop on the first pop.
type resolvedBudget struct {
	timeMs *int64
	nodes  int
	depth  int
}

// resolveBudget merges a per-query override over the engine's configured
// defaults. Each override field is a pointer so an explicit zero can be
// distinguished from "not set": only a nil field falls back to cfg.
func resolveBudget(cfg config.DrrConfig, override *Budget) resolvedBudget {
	timeMs := cfg.BudgetMaxMs
	rb := resolvedBudget{timeMs: &timeMs, nodes: cfg.BudgetMaxNodes, depth: cfg.BudgetMaxDepth}
	if override == nil {
		return rb
	}
	if override.MaxMs != nil {
		rb.timeMs = override.MaxMs
	}
	if override.MaxNodes != nil {
		rb.nodes = *override.MaxNodes
	}
	if override.MaxDepth != nil {
		rb.depth = *override.MaxDepth
	}
	return rb
}
