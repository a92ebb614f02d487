package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.InternalTierPolicy != TierVirtual {
		t.Errorf("default InternalTierPolicy = %v", cfg.InternalTierPolicy)
	}
	if cfg.Drr.Alpha != 0.65 {
		t.Errorf("default Drr.Alpha = %v", cfg.Drr.Alpha)
	}
	if !cfg.Om.Enabled {
		t.Errorf("default Om.Enabled = false")
	}
}

func TestLoadTOMLOverride(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".axiomme"), 0o755); err != nil {
		t.Fatal(err)
	}
	content := `
[tier]
internal_tier_policy = "persist"

[search]
reranker = "doc-aware-v1"

[om]
buffer_tokens = 500
`
	if err := os.WriteFile(filepath.Join(dir, ".axiomme", "config.toml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.InternalTierPolicy != TierPersist {
		t.Errorf("InternalTierPolicy = %v", cfg.InternalTierPolicy)
	}
	if cfg.Reranker != RerankerDocAwareV1 {
		t.Errorf("Reranker = %v", cfg.Reranker)
	}
	if cfg.Om.BufferTokens != 500 {
		t.Errorf("Om.BufferTokens = %d", cfg.Om.BufferTokens)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".axiomme"), 0o755); err != nil {
		t.Fatal(err)
	}
	content := "[search]\nreranker = \"off\"\n"
	if err := os.WriteFile(filepath.Join(dir, ".axiomme", "config.toml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	os.Setenv("AXIOMME_SEARCH_RERANKER", "doc-aware-v1")
	defer os.Unsetenv("AXIOMME_SEARCH_RERANKER")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Reranker != RerankerDocAwareV1 {
		t.Errorf("env override failed: Reranker = %v", cfg.Reranker)
	}
}
