// Package uri implements the axiom:// scoped URI model: parsing,
// normalization, composition, and scope internality.
package uri

import (
	"strings"

	"github.com/axiomorient/axiomme/internal/axerr"
)

// Scope is the closed set of top-level workspace partitions.
type Scope int

const (
	Resources Scope = iota
	User
	Agent
	Session
	Queue
	Temp
	Trash
)

var scopeNames = [...]string{"resources", "user", "agent", "session", "queue", "temp", "trash"}

func (s Scope) String() string {
	if s < Resources || s > Trash {
		return "invalid"
	}
	return scopeNames[s]
}

// IsInternal reports whether a scope is internal: not user-editable,
// excluded from indexing, and eligible for virtualized tiers.
func (s Scope) IsInternal() bool {
	return s == Queue || s == Temp || s == Trash
}

// ParseScope resolves a scope tag to its Scope value.
func ParseScope(tag string) (Scope, bool) {
	for i, name := range scopeNames {
		if name == tag {
			return Scope(i), true
		}
	}
	return 0, false
}

const scheme = "axiom://"

// AxiomUri is an immutable scoped URI: a scope plus an ordered sequence of
// non-empty path segments.
type AxiomUri struct {
	scope    Scope
	segments []string
}

// Root returns the URI naming a scope's root.
func Root(scope Scope) AxiomUri {
	return AxiomUri{scope: scope}
}

// Parse validates and constructs an AxiomUri from its canonical text form.
// Fails on an unknown scheme/scope, an empty segment, "..", "/" or NUL
// inside a segment, backslashes, or other control characters.
func Parse(text string) (AxiomUri, error) {
	if !strings.HasPrefix(text, scheme) {
		return AxiomUri{}, axerr.New(axerr.InvalidUri, text, "missing axiom:// scheme")
	}
	rest := text[len(scheme):]
	if rest == "" {
		return AxiomUri{}, axerr.New(axerr.InvalidUri, text, "missing scope")
	}

	scopeTag, segPart, hasSlash := strings.Cut(rest, "/")
	scope, ok := ParseScope(scopeTag)
	if !ok {
		return AxiomUri{}, axerr.New(axerr.InvalidUri, text, "unknown scope "+scopeTag)
	}

	u := AxiomUri{scope: scope}
	if !hasSlash {
		return u, nil
	}

	for _, seg := range strings.Split(segPart, "/") {
		if err := validateSegment(seg); err != nil {
			return AxiomUri{}, axerr.Wrap(axerr.InvalidUri, text, "invalid segment "+seg, err)
		}
		u.segments = append(u.segments, seg)
	}
	return u, nil
}

func validateSegment(seg string) error {
	if seg == "" {
		return axerr.New(axerr.InvalidUri, seg, "empty segment")
	}
	if seg == ".." {
		return axerr.New(axerr.InvalidUri, seg, "parent traversal segment")
	}
	for _, r := range seg {
		switch {
		case r == '/' || r == '\\' || r == 0:
			return axerr.New(axerr.InvalidUri, seg, "illegal character in segment")
		case r < 0x20:
			return axerr.New(axerr.InvalidUri, seg, "control character in segment")
		}
	}
	return nil
}

// String renders the canonical text form. Parse(u.String()) == u.
func (u AxiomUri) String() string {
	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString(u.scope.String())
	for _, seg := range u.segments {
		b.WriteByte('/')
		b.WriteString(seg)
	}
	return b.String()
}

// Scope returns the URI's scope.
func (u AxiomUri) Scope() Scope { return u.scope }

// Segments returns the ordered path segments after the scope. The returned
// slice must not be mutated by callers.
func (u AxiomUri) Segments() []string { return u.segments }

// Depth is the segment count (0 for a scope root).
func (u AxiomUri) Depth() int { return len(u.segments) }

// IsRoot reports whether the URI names a scope root.
func (u AxiomUri) IsRoot() bool { return len(u.segments) == 0 }

// LastSegment returns the final segment, or "" for a scope root.
func (u AxiomUri) LastSegment() string {
	if len(u.segments) == 0 {
		return ""
	}
	return u.segments[len(u.segments)-1]
}

// Parent returns the URI's parent, and false if u is already a scope root.
func (u AxiomUri) Parent() (AxiomUri, bool) {
	if len(u.segments) == 0 {
		return AxiomUri{}, false
	}
	p := AxiomUri{scope: u.scope, segments: append([]string(nil), u.segments[:len(u.segments)-1]...)}
	return p, true
}

// Join appends a segment, returning the child URI.
func (u AxiomUri) Join(segment string) (AxiomUri, error) {
	if err := validateSegment(segment); err != nil {
		return AxiomUri{}, err
	}
	child := AxiomUri{scope: u.scope, segments: append(append([]string(nil), u.segments...), segment)}
	return child, nil
}

// StartsWith reports whether u is other or a descendant of other. Both
// URIs must share a scope.
func (u AxiomUri) StartsWith(other AxiomUri) bool {
	if u.scope != other.scope {
		return false
	}
	if len(other.segments) > len(u.segments) {
		return false
	}
	for i, seg := range other.segments {
		if u.segments[i] != seg {
			return false
		}
	}
	return true
}

// Equal reports byte-exact equality.
func (u AxiomUri) Equal(other AxiomUri) bool {
	return u.String() == other.String()
}
