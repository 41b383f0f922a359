package config

import "fmt"

// Validate checks that a merged Config is internally consistent. Grounded
// on the teacher's pkg/config/validator.go: a flat list of field checks,
// each returning a descriptive error rather than panicking.
func Validate(c *Config) error {
	if c.Orchestrator.TimeoutSeconds <= 0 {
		return fmt.Errorf("orchestrator.timeout_seconds must be positive, got %d", c.Orchestrator.TimeoutSeconds)
	}
	if c.Orchestrator.MaxStages < 1 || c.Orchestrator.MaxStages > 4 {
		return fmt.Errorf("orchestrator.max_stages must be in [1,4], got %d", c.Orchestrator.MaxStages)
	}
	if !inUnitRange(c.Orchestrator.ConfidenceThreshold) {
		return fmt.Errorf("orchestrator.confidence_threshold must be in [0,1], got %f", c.Orchestrator.ConfidenceThreshold)
	}
	if !inUnitRange(c.Stopping.V1EarlyStopOverall) ||
		!inUnitRange(c.Stopping.V3TerminateOverall) ||
		!inUnitRange(c.Stopping.V4QueueOverall) {
		return fmt.Errorf("stopping thresholds must be in [0,1]")
	}
	if !inUnitRange(c.Models.AdaptiveEscalationThreshold) {
		return fmt.Errorf("models.adaptive_escalation_threshold must be in [0,1]")
	}
	if err := validateTier(c.Models.V1); err != nil {
		return fmt.Errorf("models.v1: %w", err)
	}
	if err := validateTier(c.Models.V2); err != nil {
		return fmt.Errorf("models.v2: %w", err)
	}
	if err := validateTier(c.Models.V3); err != nil {
		return fmt.Errorf("models.v3: %w", err)
	}
	if err := validateTier(c.Models.V4); err != nil {
		return fmt.Errorf("models.v4: %w", err)
	}
	if c.Context.TopK < 1 {
		return fmt.Errorf("context.top_k must be >= 1, got %d", c.Context.TopK)
	}
	if !inUnitRange(c.Context.MinRelevance) {
		return fmt.Errorf("context.min_relevance must be in [0,1]")
	}
	sum := c.Context.Weights[0] + c.Context.Weights[1] + c.Context.Weights[2]
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("context.weights must sum to 1, got %f", sum)
	}
	if c.CrossSource.CacheTTLSeconds <= 0 {
		return fmt.Errorf("cross_source.cache_ttl_seconds must be positive")
	}
	if c.CrossSource.AdapterTimeoutSeconds <= 0 {
		return fmt.Errorf("cross_source.adapter_timeout_seconds must be positive")
	}
	if c.CrossSource.MaxTotalResults <= 0 {
		return fmt.Errorf("cross_source.max_total_results must be positive")
	}
	if c.Executor.MaxParallelPerPlan < 1 {
		return fmt.Errorf("executor.max_parallel_per_plan must be >= 1")
	}
	if c.Executor.ActionTimeoutSeconds <= 0 {
		return fmt.Errorf("executor.action_timeout_seconds must be positive")
	}
	if c.Queue.UndoWindowSeconds <= 0 {
		return fmt.Errorf("queue.undo_window_seconds must be positive")
	}
	if c.Queue.WorkerCount < 1 {
		return fmt.Errorf("queue.worker_count must be >= 1")
	}
	return nil
}

func inUnitRange(v float64) bool { return v >= 0 && v <= 1 }

func validateTier(t ModelTier) error {
	switch t {
	case TierFast, TierBalanced, TierStrong:
		return nil
	default:
		return fmt.Errorf("unknown model tier %q", t)
	}
}
