package tier

import (
	"strings"
	"testing"

	"github.com/axiomorient/axiomme/internal/config"
)

func TestSynthesizeDeterministicSortsAndCounts(t *testing.T) {
	items := []Item{
		{Name: "b.md", IsDir: false},
		{Name: "a-notes", IsDir: true, Abstract: "a-notes (2 items)"},
		{Name: "c.md", IsDir: false},
	}
	out := Synthesize("resources", items, config.TierDeterministic)

	if !strings.Contains(out.Abstract, "3 item") {
		t.Fatalf("abstract = %q, want item count", out.Abstract)
	}
	lines := strings.Split(strings.TrimSpace(out.Overview), "\n")
	if len(lines) != 3 {
		t.Fatalf("overview lines = %d, want 3: %q", len(lines), out.Overview)
	}
	if !strings.HasPrefix(lines[0], "- a-notes/") {
		t.Fatalf("first line = %q, want sorted dir first", lines[0])
	}
	if !strings.Contains(lines[0], "a-notes (2 items)") {
		t.Fatalf("first line missing child abstract: %q", lines[0])
	}
}

func TestSynthesizeSemanticLiteAddsTopics(t *testing.T) {
	items := []Item{
		{Name: "retrieval-notes.md"},
		{Name: "retrieval-plan.md"},
		{Name: "outbox-design.md"},
	}
	out := Synthesize("docs", items, config.TierSemanticLite)

	if !strings.Contains(out.Overview, "topics:") {
		t.Fatalf("semantic-lite overview missing topics line: %q", out.Overview)
	}
	if !strings.Contains(out.Overview, "retrieval") {
		t.Fatalf("expected topic token retrieval in %q", out.Overview)
	}
}

func TestSynthesizeEmptyDirectory(t *testing.T) {
	out := Synthesize("empty", nil, config.TierDeterministic)
	if !strings.Contains(out.Abstract, "0 items") {
		t.Fatalf("abstract = %q, want 0 items", out.Abstract)
	}
	if strings.TrimSpace(out.Overview) != "" {
		t.Fatalf("overview = %q, want empty", out.Overview)
	}
}

func TestShouldPersist(t *testing.T) {
	if !ShouldPersist(false, config.TierVirtual) {
		t.Fatal("non-internal scope must always persist")
	}
	if ShouldPersist(true, config.TierVirtual) {
		t.Fatal("internal scope under virtual policy must not persist")
	}
	if !ShouldPersist(true, config.TierPersist) {
		t.Fatal("internal scope under persist policy must persist")
	}
}
