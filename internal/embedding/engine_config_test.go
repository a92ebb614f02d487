package embedding

import (
	"testing"

	"github.com/axiomorient/axiomme/internal/config"
)

func TestFromEngineConfigDefaultsToOllama(t *testing.T) {
	p, err := FromEngineConfig(config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "ollama" {
		t.Fatalf("Name() = %q, want ollama", p.Name())
	}
}

func TestFromEngineConfigRejectsUnknownProvider(t *testing.T) {
	_, err := FromEngineConfig(config.Config{EmbeddingProvider: "bogus"})
	if err == nil {
		t.Fatal("expected unknown provider to error")
	}
}
