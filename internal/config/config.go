// Package config resolves the engine's configuration snapshot, loaded
// once at workspace open from environment variables and an optional
// .axiomme/config.toml file beneath the workspace root, in that priority
// order over built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// InternalTierPolicy is the closed set of internal-scope tier persistence
// policies.
type InternalTierPolicy string

const (
	TierVirtual InternalTierPolicy = "virtual"
	TierPersist InternalTierPolicy = "persist"
)

// TierSynthesisMode is the closed set of tier-text generation styles.
type TierSynthesisMode string

const (
	TierDeterministic TierSynthesisMode = "deterministic"
	TierSemanticLite  TierSynthesisMode = "semantic-lite"
)

// RerankerMode is the closed set of retrieval reranker modes.
type RerankerMode string

const (
	RerankerOff        RerankerMode = "off"
	RerankerDocAwareV1 RerankerMode = "doc-aware-v1"
)

// OmConfig groups the observational-memory runtime's tunables.
type OmConfig struct {
	Enabled                 bool
	ObserverMaxMessages     int
	ObservationMaxChars     int
	ReflectorMaxChars       int
	ReflectorObservationTokens int
	BufferTokens            int
	ActivationRatio         float64
	ObserverBlockAfter      int
	RolloutProfile          string
}

// DrrConfig groups the retrieval engine's tunables.
type DrrConfig struct {
	Alpha                float64
	GlobalTopK           int
	MaxConvergenceRounds int
	BudgetMaxMs          int64
	BudgetMaxNodes       int
	BudgetMaxDepth       int
}

// RetryConfig describes the per-event-type outbox retry policy.
type RetryConfig struct {
	BaseSeconds float64
	CapSeconds  float64
	MaxAttempts int
}

// Config is the resolved, immutable configuration snapshot consulted by
// the core. It is read once at workspace open and never mutated.
type Config struct {
	WorkspaceRoot      string
	InternalTierPolicy InternalTierPolicy
	TierSynthesisMode  TierSynthesisMode
	Reranker           RerankerMode
	Om                 OmConfig
	Drr                DrrConfig
	DefaultRetry       RetryConfig
	EventRetry         map[string]RetryConfig
	OutboxTimeoutSeconds int64
	EmbeddingProvider  string
	EmbeddingModel     string
	EmbeddingAPIKey    string
	EmbeddingBaseURL   string
	EmbeddingDimensions int
	EmbeddingStrictError bool
	VectorBackend      string // "", "sqlite-vec"
	WatchDebounceMs    int64
}

type fileConfig struct {
	Tier     tierFile     `toml:"tier"`
	Om       omFile       `toml:"om"`
	Search   searchFile   `toml:"search"`
	Outbox   outboxFile   `toml:"outbox"`
	Embedding embeddingFile `toml:"embedding"`
}

type tierFile struct {
	InternalPolicy string `toml:"internal_tier_policy"`
	SynthesisMode  string `toml:"tier_synthesis_mode"`
}

type omFile struct {
	Enabled                *bool   `toml:"enabled"`
	ObserverMaxMessages    int     `toml:"observer_max_messages"`
	ObservationMaxChars    int     `toml:"observation_max_chars"`
	ReflectorMaxChars      int     `toml:"reflector_max_chars"`
	ReflectorObservationTokens int `toml:"reflector_observation_tokens"`
	BufferTokens           int     `toml:"buffer_tokens"`
	ActivationRatio        float64 `toml:"activation_ratio"`
	ObserverBlockAfter     int     `toml:"observer_block_after"`
	RolloutProfile         string  `toml:"rollout_profile"`
}

type searchFile struct {
	Reranker      string `toml:"reranker"`
	VectorBackend string `toml:"vector_backend"`
}

type outboxFile struct {
	TimeoutSeconds int64 `toml:"timeout_seconds"`
}

type embeddingFile struct {
	Provider   string `toml:"provider"`
	Model      string `toml:"model"`
	APIKey     string `toml:"api_key"`
	BaseURL    string `toml:"base_url"`
	Dimensions int    `toml:"dimensions"`
	StrictError *bool `toml:"strict_error"`
}

// Load resolves the configuration for a workspace, applying defaults,
// then the TOML file (if present), then environment overrides.
func Load(workspaceRoot string) (Config, error) {
	cfg := defaults(workspaceRoot)

	if path := findConfigFile(workspaceRoot); path != "" {
		var fc fileConfig
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
		applyFile(&cfg, fc)
	}

	applyEnv(&cfg)
	return cfg, nil
}

func defaults(workspaceRoot string) Config {
	return Config{
		WorkspaceRoot:      workspaceRoot,
		InternalTierPolicy: TierVirtual,
		TierSynthesisMode:  TierDeterministic,
		Reranker:           RerankerOff,
		Om: OmConfig{
			Enabled:                    true,
			ObserverMaxMessages:        40,
			ObservationMaxChars:        4000,
			ReflectorMaxChars:          2000,
			ReflectorObservationTokens: 1200,
			BufferTokens:               800,
			ActivationRatio:            0.5,
			ObserverBlockAfter:         3200,
			RolloutProfile:             "baseline",
		},
		Drr: DrrConfig{
			Alpha:                0.65,
			GlobalTopK:           16,
			MaxConvergenceRounds: 2,
			BudgetMaxMs:          800,
			BudgetMaxNodes:       256,
			BudgetMaxDepth:       12,
		},
		DefaultRetry: RetryConfig{BaseSeconds: 2, CapSeconds: 300, MaxAttempts: 6},
		EventRetry: map[string]RetryConfig{
			"om_observer_buffer_requested": {BaseSeconds: 1, CapSeconds: 60, MaxAttempts: 2},
			"om_reflect_requested":         {BaseSeconds: 1, CapSeconds: 60, MaxAttempts: 2},
		},
		OutboxTimeoutSeconds: 120,
		EmbeddingProvider:    "",
		EmbeddingModel:       "",
		EmbeddingDimensions:  0,
		EmbeddingStrictError: false,
		VectorBackend:        "",
		WatchDebounceMs:      2000,
	}
}

func applyFile(cfg *Config, fc fileConfig) {
	if fc.Tier.InternalPolicy != "" {
		cfg.InternalTierPolicy = InternalTierPolicy(fc.Tier.InternalPolicy)
	}
	if fc.Tier.SynthesisMode != "" {
		cfg.TierSynthesisMode = TierSynthesisMode(fc.Tier.SynthesisMode)
	}
	if fc.Om.Enabled != nil {
		cfg.Om.Enabled = *fc.Om.Enabled
	}
	if fc.Om.ObserverMaxMessages > 0 {
		cfg.Om.ObserverMaxMessages = fc.Om.ObserverMaxMessages
	}
	if fc.Om.ObservationMaxChars > 0 {
		cfg.Om.ObservationMaxChars = fc.Om.ObservationMaxChars
	}
	if fc.Om.ReflectorMaxChars > 0 {
		cfg.Om.ReflectorMaxChars = fc.Om.ReflectorMaxChars
	}
	if fc.Om.ReflectorObservationTokens > 0 {
		cfg.Om.ReflectorObservationTokens = fc.Om.ReflectorObservationTokens
	}
	if fc.Om.BufferTokens > 0 {
		cfg.Om.BufferTokens = fc.Om.BufferTokens
	}
	if fc.Om.ActivationRatio > 0 {
		cfg.Om.ActivationRatio = fc.Om.ActivationRatio
	}
	if fc.Om.ObserverBlockAfter > 0 {
		cfg.Om.ObserverBlockAfter = fc.Om.ObserverBlockAfter
	}
	if fc.Om.RolloutProfile != "" {
		cfg.Om.RolloutProfile = fc.Om.RolloutProfile
	}
	if fc.Search.Reranker != "" {
		cfg.Reranker = RerankerMode(fc.Search.Reranker)
	}
	if fc.Search.VectorBackend != "" {
		cfg.VectorBackend = fc.Search.VectorBackend
	}
	if fc.Outbox.TimeoutSeconds > 0 {
		cfg.OutboxTimeoutSeconds = fc.Outbox.TimeoutSeconds
	}
	if fc.Embedding.Provider != "" {
		cfg.EmbeddingProvider = fc.Embedding.Provider
	}
	if fc.Embedding.Model != "" {
		cfg.EmbeddingModel = fc.Embedding.Model
	}
	if fc.Embedding.APIKey != "" {
		cfg.EmbeddingAPIKey = fc.Embedding.APIKey
	}
	if fc.Embedding.BaseURL != "" {
		cfg.EmbeddingBaseURL = fc.Embedding.BaseURL
	}
	if fc.Embedding.Dimensions > 0 {
		cfg.EmbeddingDimensions = fc.Embedding.Dimensions
	}
	if fc.Embedding.StrictError != nil {
		cfg.EmbeddingStrictError = *fc.Embedding.StrictError
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AXIOMME_INTERNAL_TIER_POLICY"); v != "" {
		cfg.InternalTierPolicy = InternalTierPolicy(v)
	}
	if v := os.Getenv("AXIOMME_TIER_SYNTHESIS_MODE"); v != "" {
		cfg.TierSynthesisMode = TierSynthesisMode(v)
	}
	if v := os.Getenv("AXIOMME_SEARCH_RERANKER"); v != "" {
		cfg.Reranker = RerankerMode(v)
	}
	if v := os.Getenv("AXIOMME_OM_ENABLED"); v != "" {
		cfg.Om.Enabled = v != "0" && strings.ToLower(v) != "false"
	}
	if v, ok := envInt("AXIOMME_OM_OBSERVER_MAX_MESSAGES"); ok {
		cfg.Om.ObserverMaxMessages = v
	}
	if v, ok := envInt("AXIOMME_OM_OBSERVATION_MAX_CHARS"); ok {
		cfg.Om.ObservationMaxChars = v
	}
	if v, ok := envInt("AXIOMME_OM_REFLECTOR_MAX_CHARS"); ok {
		cfg.Om.ReflectorMaxChars = v
	}
	if v, ok := envInt("AXIOMME_OM_BUFFER_TOKENS"); ok {
		cfg.Om.BufferTokens = v
	}
	if v, ok := envFloat("AXIOMME_OM_ACTIVATION_RATIO"); ok {
		cfg.Om.ActivationRatio = v
	}
	if v, ok := envInt("AXIOMME_OM_OBSERVER_BLOCK_AFTER"); ok {
		cfg.Om.ObserverBlockAfter = v
	}
	if v := os.Getenv("AXIOMME_OM_ROLLOUT_PROFILE"); v != "" {
		cfg.Om.RolloutProfile = v
	}
	if v, ok := envFloat("AXIOMME_DRR_ALPHA"); ok {
		cfg.Drr.Alpha = v
	}
	if v, ok := envInt("AXIOMME_DRR_GLOBAL_TOPK"); ok {
		cfg.Drr.GlobalTopK = v
	}
	if v, ok := envInt("AXIOMME_DRR_MAX_CONVERGENCE_ROUNDS"); ok {
		cfg.Drr.MaxConvergenceRounds = v
	}
	if v := os.Getenv("AXIOMME_EMBED_PROVIDER"); v != "" {
		cfg.EmbeddingProvider = v
	}
	if v := os.Getenv("AXIOMME_EMBED_MODEL"); v != "" {
		cfg.EmbeddingModel = v
	}
	if v := os.Getenv("AXIOMME_EMBED_API_KEY"); v != "" {
		cfg.EmbeddingAPIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.EmbeddingProvider == "openai" {
		cfg.EmbeddingAPIKey = v
	}
	if v := os.Getenv("AXIOMME_EMBED_BASE_URL"); v != "" {
		cfg.EmbeddingBaseURL = v
	}
	if v, ok := envInt("AXIOMME_EMBED_DIMENSIONS"); ok {
		cfg.EmbeddingDimensions = v
	}
	if v := os.Getenv("AXIOMME_VECTOR_BACKEND"); v != "" {
		cfg.VectorBackend = v
	}
	if v, ok := envInt("AXIOMME_WATCH_DEBOUNCE_MS"); ok {
		cfg.WatchDebounceMs = int64(v)
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// findConfigFile looks for .axiomme/config.toml beneath the workspace root.
func findConfigFile(workspaceRoot string) string {
	p := filepath.Join(workspaceRoot, ".axiomme", "config.toml")
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return ""
}
