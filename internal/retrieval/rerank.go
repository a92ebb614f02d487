package retrieval

import (
	"fmt"
	"strings"

	"github.com/axiomorient/axiomme/internal/model"
)

type queryIntent string

const (
	intentLexical  queryIntent = "lexical"
	intentSemantic queryIntent = "semantic"
	intentMixed    queryIntent = "mixed"
)

type docClass string

const (
	classAPI     docClass = "api"
	classConfig  docClass = "config"
	classCode    docClass = "code"
	classGuide   docClass = "guide"
	classMemory  docClass = "memory"
	classSkill   docClass = "skill"
	classSession docClass = "session"
	classOther   docClass = "other"
)

const maxRerankBoost = 0.65

// symbolicMarkers are characters whose presence in a query signals a
// lexical, code-shaped lookup (a struct path, a flag, a file extension)
// rather than a natural-language question.
const symbolicMarkers = "::/_-.#@"

func classifyIntent(query string) queryIntent {
	tokens := strings.Fields(query)
	symbolic := strings.ContainsAny(query, symbolicMarkers) || containsDigit(query)
	switch {
	case len(tokens) <= 2 && symbolic:
		return intentLexical
	case len(tokens) > 6 && !symbolic:
		return intentSemantic
	default:
		return intentMixed
	}
}

func containsDigit(s string) bool {
	for _, r := range s {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}

func neededDocKinds(query string) map[docClass]bool {
	lower := strings.ToLower(query)
	needs := make(map[docClass]bool)
	add := func(class docClass, markers ...string) {
		for _, m := range markers {
			if strings.Contains(lower, m) {
				needs[class] = true
				return
			}
		}
	}
	add(classAPI, "api", "endpoint", "route")
	add(classConfig, "config", ".toml", ".yaml", "setting")
	add(classCode, "func", "struct", "impl", ".go", ".rs", "::")
	add(classGuide, "how to", "guide", "tutorial", "readme")
	add(classMemory, "memory", "remember", "recall")
	add(classSkill, "skill", "tool", "capability")
	add(classSession, "session", "conversation", "chat")
	return needs
}

func classifyHit(hit ContextHit) docClass {
	lower := strings.ToLower(hit.Uri)
	switch {
	case hit.ContextType == model.ContextMemory:
		return classMemory
	case hit.ContextType == model.ContextSkill:
		return classSkill
	case hit.ContextType == model.ContextSession:
		return classSession
	case strings.Contains(lower, "/api/"):
		return classAPI
	case strings.HasSuffix(lower, ".toml") || strings.HasSuffix(lower, ".yaml") ||
		strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".json"):
		return classConfig
	case strings.HasSuffix(lower, ".go") || strings.HasSuffix(lower, ".rs") ||
		strings.HasSuffix(lower, ".py") || strings.HasSuffix(lower, ".ts"):
		return classCode
	case strings.HasSuffix(lower, ".md"):
		return classGuide
	default:
		return classOther
	}
}

var baseClassIntentScore = map[docClass]map[queryIntent]float64{
	classAPI:     {intentLexical: 0.20, intentMixed: 0.10},
	classConfig:  {intentLexical: 0.18, intentMixed: 0.08},
	classCode:    {intentLexical: 0.22, intentMixed: 0.10},
	classGuide:   {intentMixed: 0.08, intentSemantic: 0.15},
	classMemory:  {intentMixed: 0.05, intentSemantic: 0.12},
	classSkill:   {intentLexical: 0.05, intentMixed: 0.08, intentSemantic: 0.10},
	classSession: {intentMixed: 0.05, intentSemantic: 0.10},
	classOther:   {},
}

func toTokenSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, t := range strings.Fields(strings.ToLower(s)) {
		out[t] = true
	}
	return out
}

func overlapFraction(queryTokens map[string]bool, text string) float64 {
	tokens := toTokenSet(text)
	if len(tokens) == 0 || len(queryTokens) == 0 {
		return 0
	}
	matched := 0
	for t := range tokens {
		if queryTokens[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(tokens))
}

func tagOverlapFraction(queryTokens map[string]bool, tags []string) float64 {
	if len(tags) == 0 || len(queryTokens) == 0 {
		return 0
	}
	matched := 0
	for _, tag := range tags {
		if queryTokens[strings.ToLower(tag)] {
			matched++
		}
	}
	return float64(matched) / float64(len(tags))
}

// rerankDocAware applies the doc-aware-v1 reranker in place: each hit's
// score is multiplied by (1 + boost), where boost sums a base
// class/intent weight, a query-need match bonus, URI/name token overlap,
// and tag overlap, bounded to maxRerankBoost.
func rerankDocAware(hits []ContextHit, query string, notes *[]string) {
	intent := classifyIntent(query)
	needs := neededDocKinds(query)
	queryTokens := toTokenSet(query)

	for i := range hits {
		hit := &hits[i]
		class := classifyHit(*hit)
		boost := baseClassIntentScore[class][intent]
		if needs[class] {
			boost += 0.15
		}
		boost += overlapFraction(queryTokens, hit.Uri) * 0.10
		boost += overlapFraction(queryTokens, hit.Name) * 0.10
		boost += tagOverlapFraction(queryTokens, hit.Tags) * 0.10
		if boost > maxRerankBoost {
			boost = maxRerankBoost
		}
		hit.Score = hit.Score * (1 + boost)
	}
	*notes = append(*notes, fmt.Sprintf("reranker:doc-aware-v1 intent=%s", intent))
}
