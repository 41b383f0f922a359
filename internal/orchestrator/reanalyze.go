package orchestrator

import (
	"context"

	"github.com/fourvalet/valet/internal/config"
	"github.com/fourvalet/valet/internal/domain"
)

// RunAtTier re-runs the full pipeline with every stage pinned to tier,
// regardless of the configured per-stage tiers or any prior outcome
// (spec.md §6 reanalyze: "Re-runs orchestrator at tier strong regardless
// of prior outcome").
func (o *Orchestrator) RunAtTier(ctx context.Context, evt domain.PerceivedEvent, tier config.ModelTier) Outcome {
	forcedCfg := *o.cfg
	forcedCfg.Models = config.ModelsConfig{
		V1: tier, V2: tier, V3: tier, V4: tier,
		AdaptiveEscalationThreshold: o.cfg.Models.AdaptiveEscalationThreshold,
	}
	forced := &Orchestrator{models: o.models, ctxSrc: o.ctxSrc, calib: o.calib, cfg: &forcedCfg, bus: o.bus, now: o.now}
	return forced.Run(ctx, evt)
}
