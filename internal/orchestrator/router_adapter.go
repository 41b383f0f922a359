package orchestrator

import (
	"context"

	"github.com/fourvalet/valet/internal/config"
	"github.com/fourvalet/valet/internal/modelrouter"
)

// RouterAdapter wraps a *modelrouter.Router as a ModelCaller, translating
// its CallResult into this package's Result so the orchestrator doesn't
// need to import gobreaker/rate transitively.
type RouterAdapter struct {
	Router *modelrouter.Router
}

// NewRouterAdapter wraps router for use as an Orchestrator's ModelCaller.
func NewRouterAdapter(router *modelrouter.Router) *RouterAdapter {
	return &RouterAdapter{Router: router}
}

func (a *RouterAdapter) Invoke(ctx context.Context, tier config.ModelTier, prompt string) (Result, error) {
	out, err := a.Router.Invoke(ctx, tier, prompt)
	if err != nil {
		return Result{}, err
	}
	return Result{Text: out.Text, Confidence: out.Confidence, TokensUsed: out.TokensUsed}, nil
}

func (a *RouterAdapter) InvokeWithEscalation(ctx context.Context, tier config.ModelTier, prompt string) (Result, config.ModelTier, error) {
	out, usedTier, err := a.Router.InvokeWithEscalation(ctx, tier, prompt)
	if err != nil {
		return Result{}, tier, err
	}
	return Result{Text: out.Text, Confidence: out.Confidence, TokensUsed: out.TokensUsed}, usedTier, nil
}
