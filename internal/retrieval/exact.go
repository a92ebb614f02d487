package retrieval

import (
	"hash/fnv"
	"regexp"
	"sort"
	"strings"

	"github.com/axiomorient/axiomme/internal/model"
)

const (
	maxExactHeadingKeys     = 24
	maxExactContentLineKeys = 64
)

// compactKey is an alnum-only lowercased key plus its character bigram
// multiset, used for fuzzy Sorensen-Dice scoring.
type compactKey struct {
	key     string
	bigrams map[string]int
}

func newCompactKey(s string) compactKey {
	key := compactAlnum(s)
	return compactKey{key: key, bigrams: charBigrams(key)}
}

var nonAlnumRe = regexp.MustCompile(`[^a-z0-9]+`)

func compactAlnum(s string) string {
	return nonAlnumRe.ReplaceAllString(strings.ToLower(s), "")
}

func charBigrams(s string) map[string]int {
	runes := []rune(s)
	if len(runes) == 0 {
		return map[string]int{}
	}
	if len(runes) == 1 {
		return map[string]int{string(runes): 1}
	}
	out := make(map[string]int, len(runes)-1)
	for i := 0; i < len(runes)-1; i++ {
		out[string(runes[i:i+2])]++
	}
	return out
}

// diceCoefficient is the Sorensen-Dice score over two bigram multisets.
func diceCoefficient(a, b map[string]int) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var totalA, totalB, overlap int
	for _, v := range a {
		totalA += v
	}
	for k, v := range b {
		totalB += v
		if av, ok := a[k]; ok {
			if av < v {
				overlap += av
			} else {
				overlap += v
			}
		}
	}
	if totalA+totalB == 0 {
		return 0
	}
	return 2 * float64(overlap) / float64(totalA+totalB)
}

var tokenRe = regexp.MustCompile(`[a-z0-9]+`)

// tokenSignature renders the sorted unique lowercased token set of text,
// so two strings differing only in word order or casing compare equal.
func tokenSignature(s string) string {
	toks := tokenRe.FindAllString(strings.ToLower(s), -1)
	uniq := make(map[string]bool, len(toks))
	for _, t := range toks {
		uniq[t] = true
	}
	out := make([]string, 0, len(uniq))
	for t := range uniq {
		out = append(out, t)
	}
	sort.Strings(out)
	return strings.Join(out, " ")
}

func stableFingerprint64(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

func headingText(trimmed string) (string, bool) {
	level := 0
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	if level == 0 || level > 6 {
		return "", false
	}
	rest := strings.TrimSpace(trimmed[level:])
	rest = strings.TrimSpace(strings.TrimRight(rest, "#"))
	if rest == "" {
		return "", false
	}
	return rest, true
}

func extractHeadingLowers(content string, limit int) []string {
	if limit <= 0 {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	inFence := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		heading, ok := headingText(trimmed)
		if !ok {
			continue
		}
		lowered := strings.ToLower(heading)
		if seen[lowered] {
			continue
		}
		seen[lowered] = true
		out = append(out, lowered)
		if len(out) >= limit {
			break
		}
	}
	sort.Strings(out)
	return out
}

func extractContentLineLowers(content string, limit int) []string {
	if limit <= 0 {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(content, "\n") {
		normalized := strings.Join(strings.Fields(line), " ")
		lowered := strings.ToLower(strings.TrimSpace(normalized))
		if len(lowered) < 3 || seen[lowered] {
			continue
		}
		seen[lowered] = true
		out = append(out, lowered)
		if len(out) >= limit {
			break
		}
	}
	sort.Strings(out)
	return out
}

func mapStrings(in []string, f func(string) string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = f(s)
	}
	return out
}

func sortedUnique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func hashSorted(keys []string) []uint64 {
	seen := make(map[uint64]bool, len(keys))
	out := make([]uint64, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		h := stableFingerprint64(k)
		if seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func containsHash(hashes []uint64, target uint64) bool {
	i := sort.Search(len(hashes), func(i int) bool { return hashes[i] >= target })
	return i < len(hashes) && hashes[i] == target
}

func containsKey(keys []string, target string) bool {
	i := sort.Search(len(keys), func(i int) bool { return keys[i] >= target })
	return i < len(keys) && keys[i] == target
}

func basenameOf(u string) string {
	idx := strings.LastIndex(u, "/")
	if idx < 0 {
		return u
	}
	return u[idx+1:]
}

func stemOf(basename string) string {
	idx := strings.LastIndex(basename, ".")
	if idx <= 0 {
		return basename
	}
	return basename[:idx]
}

// exactRecordKeys is the precomputed key set used to score a single
// IndexRecord against a query in exactMatchScore.
type exactRecordKeys struct {
	uriLower      string
	nameLower     string
	abstractLower string
	basenameLower string
	stemLower     string

	nameCompact     compactKey
	abstractCompact string
	basenameCompact compactKey
	stemCompact     compactKey

	nameTokenSig     string
	abstractTokenSig string
	basenameTokenSig string
	stemTokenSig     string

	headingHashes       []uint64
	headingCompact      []string
	headingTokenSig     []string
	contentLineHashes   []uint64
	contentLineTokenSig []string
}

func newExactRecordKeys(rec model.IndexRecord) exactRecordKeys {
	basename := basenameOf(rec.Uri.String())
	stem := stemOf(basename)
	headingLowers := extractHeadingLowers(rec.Content, maxExactHeadingKeys)
	contentLowers := extractContentLineLowers(rec.Content, maxExactContentLineKeys)

	return exactRecordKeys{
		uriLower:      strings.ToLower(rec.Uri.String()),
		nameLower:     strings.ToLower(rec.Name),
		abstractLower: strings.ToLower(rec.AbstractText),
		basenameLower: strings.ToLower(basename),
		stemLower:     strings.ToLower(stem),

		nameCompact:     newCompactKey(rec.Name),
		abstractCompact: compactAlnum(rec.AbstractText),
		basenameCompact: newCompactKey(basename),
		stemCompact:     newCompactKey(stem),

		nameTokenSig:     tokenSignature(rec.Name),
		abstractTokenSig: tokenSignature(rec.AbstractText),
		basenameTokenSig: tokenSignature(basename),
		stemTokenSig:     tokenSignature(stem),

		headingHashes:       hashSorted(headingLowers),
		headingCompact:      sortedUnique(mapStrings(headingLowers, compactAlnum)),
		headingTokenSig:     sortedUnique(mapStrings(headingLowers, tokenSignature)),
		contentLineHashes:   hashSorted(contentLowers),
		contentLineTokenSig: sortedUnique(mapStrings(contentLowers, tokenSignature)),
	}
}

// exactQueryKeys is the query-side counterpart of exactRecordKeys.
type exactQueryKeys struct {
	rawLower     string
	rawLowerHash uint64
	compact      compactKey
	tokenSig     string
}

func newExactQueryKeys(query string) exactQueryKeys {
	rawLower := strings.ToLower(strings.TrimSpace(query))
	var hash uint64
	if rawLower != "" {
		hash = stableFingerprint64(rawLower)
	}
	return exactQueryKeys{
		rawLower:     rawLower,
		rawLowerHash: hash,
		compact:      newCompactKey(query),
		tokenSig:     tokenSignature(query),
	}
}

func (q exactQueryKeys) isEmpty() bool {
	return q.rawLower == "" && q.compact.key == "" && q.tokenSig == ""
}

// exactMatchScore is the maximum match across a fixed ordered cascade of
// rules: literal lowered fields, heading/content-line hash hits, token
// signatures, compact-key hits, edit-distance-one hits on compact keys of
// five or more runes, then a bounded Dice-coefficient fuzzy match over
// character bigrams.
func exactMatchScore(query exactQueryKeys, keys exactRecordKeys) float64 {
	if query.isEmpty() {
		return 0
	}

	if query.rawLower != "" {
		switch {
		case query.rawLower == keys.uriLower:
			return 1.0
		case containsHash(keys.headingHashes, query.rawLowerHash):
			return 0.985
		case containsHash(keys.contentLineHashes, query.rawLowerHash):
			return 0.975
		case query.rawLower == keys.abstractLower:
			return 0.99
		case query.rawLower == keys.basenameLower:
			return 0.98
		case query.rawLower == keys.stemLower:
			return 0.96
		case query.rawLower == keys.nameLower:
			return 0.94
		}
	}

	if query.tokenSig != "" {
		switch {
		case query.tokenSig == keys.abstractTokenSig:
			return 0.95
		case containsKey(keys.headingTokenSig, query.tokenSig):
			return 0.935
		case containsKey(keys.contentLineTokenSig, query.tokenSig):
			return 0.93
		case query.tokenSig == keys.stemTokenSig:
			return 0.92
		case query.tokenSig == keys.basenameTokenSig:
			return 0.90
		case query.tokenSig == keys.nameTokenSig:
			return 0.88
		}
	}

	if query.compact.key != "" {
		switch {
		case query.compact.key == keys.stemCompact.key:
			return 0.93
		case containsKey(keys.headingCompact, query.compact.key):
			return 0.925
		case query.compact.key == keys.basenameCompact.key:
			return 0.91
		case query.compact.key == keys.nameCompact.key:
			return 0.89
		case query.compact.key == keys.abstractCompact:
			return 0.87
		}

		if len([]rune(query.compact.key)) >= 5 {
			switch {
			case anyWithinEditDistanceOne(query.compact.key, keys.headingCompact):
				return 0.88
			case withinEditDistanceOne(query.compact.key, keys.stemCompact.key):
				return 0.86
			case withinEditDistanceOne(query.compact.key, keys.basenameCompact.key):
				return 0.84
			case withinEditDistanceOne(query.compact.key, keys.nameCompact.key):
				return 0.82
			}
		}

		if fuzzy := bestDiceScore(query.compact, keys); fuzzy > 0 {
			return fuzzy
		}
	}

	return 0
}

func anyWithinEditDistanceOne(target string, candidates []string) bool {
	for _, c := range candidates {
		if withinEditDistanceOne(target, c) {
			return true
		}
	}
	return false
}

// withinEditDistanceOne reports whether lhs and rhs differ by at most one
// character substitution, one adjacent transposition, or one insertion or
// deletion.
func withinEditDistanceOne(lhs, rhs string) bool {
	if lhs == rhs {
		return true
	}
	lhsChars := []rune(lhs)
	rhsChars := []rune(rhs)
	lhsLen, rhsLen := len(lhsChars), len(rhsChars)
	diff := lhsLen - rhsLen
	if diff < 0 {
		diff = -diff
	}
	if diff > 1 {
		return false
	}

	if lhsLen == rhsLen {
		var mismatches []int
		for i := range lhsChars {
			if lhsChars[i] != rhsChars[i] {
				mismatches = append(mismatches, i)
			}
		}
		if len(mismatches) <= 1 {
			return true
		}
		if len(mismatches) == 2 {
			first, second := mismatches[0], mismatches[1]
			if second == first+1 && lhsChars[first] == rhsChars[second] && lhsChars[second] == rhsChars[first] {
				return true
			}
		}
		return false
	}

	shorter, longer := lhsChars, rhsChars
	if lhsLen > rhsLen {
		shorter, longer = rhsChars, lhsChars
	}
	shortIdx, longIdx, edits := 0, 0, 0
	for shortIdx < len(shorter) && longIdx < len(longer) {
		if shorter[shortIdx] == longer[longIdx] {
			shortIdx++
			longIdx++
			continue
		}
		edits++
		if edits > 1 {
			return false
		}
		longIdx++
	}
	return true
}

func bestDiceScore(q compactKey, keys exactRecordKeys) float64 {
	best := 0.0
	consider := func(field compactKey, weight float64) {
		if field.key == "" {
			return
		}
		dice := diceCoefficient(q.bigrams, field.bigrams)
		if dice < 0.70 {
			return
		}
		if score := weight * (0.52 + 0.43*dice); score > best {
			best = score
		}
	}
	consider(keys.stemCompact, 0.93)
	consider(keys.basenameCompact, 0.91)
	consider(keys.nameCompact, 0.89)
	return best
}
