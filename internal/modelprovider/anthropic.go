// Package modelprovider supplies concrete modelrouter.Call implementations.
// The teacher calls out to a locally generated gRPC LLM service (pkg/llm),
// but the .proto-generated client that package depends on was never part
// of the retrieved pack, so it can't be adapted here (see DESIGN.md). This
// package is grounded instead on jordigilh-kubernaut's go.mod, which names
// github.com/anthropics/anthropic-sdk-go as its model-provider dependency.
package modelprovider

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/fourvalet/valet/internal/modelrouter"
)

// AnthropicProvider wraps a single anthropic.Client and exposes one
// modelrouter.Call per model name, so one provider instance can back every
// configured tier.
type AnthropicProvider struct {
	client    anthropic.Client
	maxTokens int64
}

// NewAnthropicProvider builds a provider from an API key. maxTokens<=0
// defaults to 1024.
func NewAnthropicProvider(apiKey string, maxTokens int64) *AnthropicProvider {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AnthropicProvider{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		maxTokens: maxTokens,
	}
}

// Call returns a modelrouter.Call bound to this client; every
// modelrouter.TierModel entry can share the same returned Call, since the
// model name travels through the call's own "model" argument.
func (p *AnthropicProvider) Call() modelrouter.Call {
	return func(ctx context.Context, model string, prompt string) (modelrouter.CallResult, error) {
		resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			MaxTokens: p.maxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			return modelrouter.CallResult{}, fmt.Errorf("modelprovider: anthropic call: %w", err)
		}
		var text string
		for _, block := range resp.Content {
			if block.Type == "text" {
				text += block.Text
			}
		}
		return modelrouter.CallResult{
			Text:       text,
			Confidence: confidenceFromStopReason(string(resp.StopReason)),
			TokensUsed: int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		}, nil
	}
}

// confidenceFromStopReason provides a coarse provider-reported confidence
// signal: a clean "end_turn" stop is treated as a fully-formed response, any
// other stop reason (hit a limit, was refused) is discounted so a stage's
// own confidence model carries more weight than the provider's.
func confidenceFromStopReason(reason string) float64 {
	if reason == "end_turn" {
		return 0.95
	}
	return 0.6
}
