// Package config loads and validates the cognitive core's configuration.
// Mirrors the teacher's pkg/config: YAML source of truth, env-var expansion,
// mergo-based default overlay, then a validation pass.
package config

import (
	"fmt"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// OrchestratorConfig configures C7 (spec.md §6).
type OrchestratorConfig struct {
	Enabled              bool    `yaml:"enabled"`
	TimeoutSeconds       int     `yaml:"timeout_seconds"`
	ConfidenceThreshold  float64 `yaml:"confidence_threshold"`
	MaxStages            int     `yaml:"max_stages"`
	FallbackOnFailure    bool    `yaml:"fallback_on_failure"`
}

// StagesConfig bounds per-stage prompt inputs.
type StagesConfig struct {
	V1MaxInputChars   int `yaml:"v1_max_input_chars"`
	V2MaxContextNotes int `yaml:"v2_max_context_notes"`
	V3MaxInputChars   int `yaml:"v3_max_input_chars"`
}

// StoppingConfig holds the per-stage termination thresholds (spec.md §4.7).
// Calibration never changes these values; the orchestrator asks it per
// event for a per-source V3 threshold that takes V3TerminateOverall's place.
type StoppingConfig struct {
	V1EarlyStopOverall float64 `yaml:"v1_early_stop_overall"`
	V3TerminateOverall float64 `yaml:"v3_terminate_overall"`
	V4QueueOverall     float64 `yaml:"v4_queue_overall"`
}

// ModelTier is a logical model-routing tier.
type ModelTier string

const (
	TierFast     ModelTier = "fast"
	TierBalanced ModelTier = "balanced"
	TierStrong   ModelTier = "strong"
)

// ModelsConfig maps stages to tiers.
type ModelsConfig struct {
	V1                         ModelTier `yaml:"v1"`
	V2                         ModelTier `yaml:"v2"`
	V3                         ModelTier `yaml:"v3"`
	V4                         ModelTier `yaml:"v4"`
	AdaptiveEscalationThreshold float64  `yaml:"adaptive_escalation_threshold"`
}

// ContextConfig configures C4.
type ContextConfig struct {
	TopK         int        `yaml:"top_k"`
	MinRelevance float64    `yaml:"min_relevance"`
	Weights      [3]float64 `yaml:"weights"` // entity, semantic, thread
}

// CrossSourceConfig configures C5.
type CrossSourceConfig struct {
	CacheTTLSeconds      int                `yaml:"cache_ttl_seconds"`
	AdapterTimeoutSeconds int               `yaml:"adapter_timeout_seconds"`
	MaxTotalResults      int                `yaml:"max_total_results"`
	SourceWeights        map[string]float64 `yaml:"source_weights"`
}

// ExecutorConfig configures C9.
type ExecutorConfig struct {
	MaxParallelPerPlan   int `yaml:"max_parallel_per_plan"`
	ActionTimeoutSeconds int `yaml:"action_timeout_seconds"`
}

// QueueConfig configures C10.
type QueueConfig struct {
	UndoWindowSeconds int `yaml:"undo_window_seconds"`
	WorkerCount       int `yaml:"worker_count"`
}

// Config is the fully merged, validated configuration for the cognitive
// core.
type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Stages       StagesConfig       `yaml:"stages"`
	Stopping     StoppingConfig     `yaml:"stopping"`
	Models       ModelsConfig       `yaml:"models"`
	Context      ContextConfig      `yaml:"context"`
	CrossSource  CrossSourceConfig  `yaml:"cross_source"`
	Executor     ExecutorConfig     `yaml:"executor"`
	Queue        QueueConfig        `yaml:"queue"`
}

// Defaults returns the configuration defaults named in spec.md §6.
func Defaults() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			Enabled:             true,
			TimeoutSeconds:      30,
			ConfidenceThreshold: 0.90,
			MaxStages:           4,
			FallbackOnFailure:   true,
		},
		Stages: StagesConfig{
			V1MaxInputChars:   8000,
			V2MaxContextNotes: 5,
			V3MaxInputChars:   4000,
		},
		Stopping: StoppingConfig{
			V1EarlyStopOverall: 0.95,
			V3TerminateOverall: 0.90,
			V4QueueOverall:     0.90,
		},
		Models: ModelsConfig{
			V1: TierFast, V2: TierFast, V3: TierFast, V4: TierStrong,
			AdaptiveEscalationThreshold: 0.80,
		},
		Context: ContextConfig{
			TopK:         5,
			MinRelevance: 0.3,
			Weights:      [3]float64{0.4, 0.4, 0.2},
		},
		CrossSource: CrossSourceConfig{
			CacheTTLSeconds:       900,
			AdapterTimeoutSeconds: 10,
			MaxTotalResults:       50,
			SourceWeights:         map[string]float64{},
		},
		Executor: ExecutorConfig{
			MaxParallelPerPlan:   3,
			ActionTimeoutSeconds: 30,
		},
		Queue: QueueConfig{
			UndoWindowSeconds: 300,
			WorkerCount:       4,
		},
	}
}

// Load reads path, expands environment variables, overlays it on top of
// Defaults(), and validates the result. Mirrors the teacher's
// Initialize(ctx, configDir) pipeline (load → expand → merge → validate).
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	expanded := ExpandEnv(raw)

	var user Config
	if err := yaml.Unmarshal(expanded, &user); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg := Defaults()
	if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge config defaults: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// OrchestrationTimeout is a convenience accessor in time.Duration form.
func (c *Config) OrchestrationTimeout() time.Duration {
	return time.Duration(c.Orchestrator.TimeoutSeconds) * time.Second
}

// AdapterTimeout is a convenience accessor in time.Duration form.
func (c *CrossSourceConfig) AdapterTimeout() time.Duration {
	return time.Duration(c.AdapterTimeoutSeconds) * time.Second
}

// CacheTTL is a convenience accessor in time.Duration form.
func (c *CrossSourceConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// ActionTimeout is a convenience accessor in time.Duration form.
func (c *ExecutorConfig) ActionTimeout() time.Duration {
	return time.Duration(c.ActionTimeoutSeconds) * time.Second
}

// UndoWindow is a convenience accessor in time.Duration form.
func (c *QueueConfig) UndoWindow() time.Duration {
	return time.Duration(c.UndoWindowSeconds) * time.Second
}
