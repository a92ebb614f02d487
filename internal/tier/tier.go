// Package tier synthesizes per-directory .abstract.md and .overview.md
// files in deterministic or semantic-lite mode, and enforces the
// internal-scope virtual-vs-persist tier policy.
package tier

import (
	"fmt"
	"sort"
	"strings"

	"github.com/axiomorient/axiomme/internal/config"
)

// Item is one directory entry considered for tier synthesis.
type Item struct {
	Name    string
	IsDir   bool
	Abstract string // the child's own abstract, if it is a directory
}

// Synthesized holds the generated tier text for a directory.
type Synthesized struct {
	Abstract string
	Overview string
}

// Synthesize produces the abstract and overview text for a directory from
// its listed items, honoring the configured synthesis mode.
func Synthesize(dirName string, items []Item, mode config.TierSynthesisMode) Synthesized {
	sorted := make([]Item, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	abstract := fmt.Sprintf("%s (%d item%s)", dirName, len(sorted), plural(len(sorted)))

	var b strings.Builder
	for _, it := range sorted {
		if it.IsDir {
			fmt.Fprintf(&b, "- %s/", it.Name)
			if it.Abstract != "" {
				fmt.Fprintf(&b, " — %s", it.Abstract)
			}
			b.WriteByte('\n')
		} else {
			fmt.Fprintf(&b, "- %s\n", it.Name)
		}
	}

	if mode == config.TierSemanticLite {
		topics := topicTokens(sorted)
		if len(topics) > 0 {
			b.WriteString("\ntopics: " + strings.Join(topics, ", ") + "\n")
		}
		b.WriteString(fmt.Sprintf("\n%s contains %d entries covering %s.\n", dirName, len(sorted), summaryClause(topics)))
	}

	return Synthesized{Abstract: abstract, Overview: b.String()}
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// topicTokens extracts a bounded set of distinguishing name tokens across
// a directory's items, used by semantic-lite mode.
func topicTokens(items []Item) []string {
	seen := make(map[string]bool)
	var out []string
	for _, it := range items {
		base := strings.TrimSuffix(it.Name, extOf(it.Name))
		for _, tok := range strings.FieldsFunc(strings.ToLower(base), func(r rune) bool {
			return r == '-' || r == '_' || r == '.' || r == ' '
		}) {
			if len(tok) < 3 || seen[tok] {
				continue
			}
			seen[tok] = true
			out = append(out, tok)
			if len(out) >= 8 {
				return out
			}
		}
	}
	return out
}

func extOf(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i:]
	}
	return ""
}

func summaryClause(topics []string) string {
	if len(topics) == 0 {
		return "no distinguishing topics"
	}
	return strings.Join(topics, ", ")
}

// ShouldPersist decides whether generated tiers for a scope should be
// written to disk, per the internal-scope virtual-vs-persist policy.
func ShouldPersist(internal bool, policy config.InternalTierPolicy) bool {
	if !internal {
		return true
	}
	return policy == config.TierPersist
}
