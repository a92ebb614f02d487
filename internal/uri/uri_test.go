package uri

import "testing"

func TestParseRoundTrip(t *testing.T) {
	cases := []string{
		"axiom://resources",
		"axiom://resources/docs",
		"axiom://resources/docs/auth.md",
		"axiom://queue/traces/abc-123.json",
	}
	for _, text := range cases {
		u, err := Parse(text)
		if err != nil {
			t.Fatalf("Parse(%q): %v", text, err)
		}
		if got := u.String(); got != text {
			t.Errorf("round trip: Parse(%q).String() = %q", text, got)
		}
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := []string{
		"",
		"axiom://nope/seg",
		"axiom://resources/",
		"axiom://resources//x",
		"axiom://resources/..",
		"axiom://resources/a/../b",
		"axiom://resources/a\\b",
		"http://resources/x",
	}
	for _, text := range cases {
		if _, err := Parse(text); err == nil {
			t.Errorf("Parse(%q): expected error, got nil", text)
		}
	}
}

func TestScopeInternal(t *testing.T) {
	internal := []Scope{Queue, Temp, Trash}
	for _, s := range internal {
		if !s.IsInternal() {
			t.Errorf("%s: expected internal", s)
		}
	}
	external := []Scope{Resources, User, Agent, Session}
	for _, s := range external {
		if s.IsInternal() {
			t.Errorf("%s: expected external", s)
		}
	}
}

func TestParentJoinStartsWith(t *testing.T) {
	root := Root(Resources)
	docs, err := root.Join("docs")
	if err != nil {
		t.Fatal(err)
	}
	auth, err := docs.Join("auth.md")
	if err != nil {
		t.Fatal(err)
	}
	if !auth.StartsWith(docs) || !auth.StartsWith(root) {
		t.Errorf("expected auth.md to start with docs and root")
	}
	parent, ok := auth.Parent()
	if !ok || !parent.Equal(docs) {
		t.Errorf("expected parent(auth.md) == docs, got %v ok=%v", parent, ok)
	}
	if _, ok := root.Parent(); ok {
		t.Errorf("root has no parent")
	}
	if auth.LastSegment() != "auth.md" {
		t.Errorf("LastSegment = %q", auth.LastSegment())
	}
	if auth.Depth() != 2 {
		t.Errorf("Depth = %d, want 2", auth.Depth())
	}
}
