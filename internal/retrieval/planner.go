package retrieval

import (
	"fmt"
	"strings"

	"github.com/axiomorient/axiomme/internal/uri"
)

// typedQuery is one query variant derived from the request: the raw
// query text plus any session-hint derived variants.
type typedQuery struct {
	kind  string
	query string
}

type queryPlan struct {
	typedQueries []typedQuery
	scopes       []uri.Scope
	notes        []string
}

// planQuery always emits a primary typed query, plus a session_recent
// and/or session_om typed query when session hints are present.
func planQuery(opts SearchOptions) queryPlan {
	plan := queryPlan{
		typedQueries: []typedQuery{{kind: "primary", query: opts.Query}},
	}

	var recent []string
	var omHints []string
	for _, hint := range opts.SessionHints {
		if strings.HasPrefix(strings.ToLower(hint), "om:") {
			omHints = append(omHints, hint[len("om:"):])
		} else {
			recent = append(recent, hint)
		}
	}
	if len(recent) > 0 {
		plan.typedQueries = append(plan.typedQueries, typedQuery{kind: "session_recent", query: strings.Join(recent, " ")})
	}
	if len(omHints) > 0 {
		plan.typedQueries = append(plan.typedQueries, typedQuery{kind: "session_om", query: strings.Join(omHints, " ")})
		plan.notes = append(plan.notes, fmt.Sprintf("session_om_hints:%d", len(omHints)))
	}

	if opts.TargetUri != nil {
		plan.scopes = []uri.Scope{opts.TargetUri.Scope()}
	} else {
		for s := uri.Resources; s <= uri.Trash; s++ {
			if !s.IsInternal() {
				plan.scopes = append(plan.scopes, s)
			}
		}
	}
	return plan
}

func uriInScopes(u string, scopes []uri.Scope) bool {
	parsed, err := uri.Parse(u)
	if err != nil {
		return false
	}
	for _, s := range scopes {
		if parsed.Scope() == s {
			return true
		}
	}
	return false
}

func matchesQueryBounds(u string, plan queryPlan, target *uri.AxiomUri) bool {
	if !uriInScopes(u, plan.scopes) {
		return false
	}
	return uriInTarget(u, target)
}

func uriInTarget(u string, target *uri.AxiomUri) bool {
	if target == nil {
		return true
	}
	parsed, err := uri.Parse(u)
	if err != nil {
		return false
	}
	return parsed.StartsWith(*target)
}

func matchesProjection(u string, projection map[string]bool) bool {
	if projection == nil {
		return true
	}
	return projection[u]
}
