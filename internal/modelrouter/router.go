// Package modelrouter implements C6: mapping a logical tier to a concrete
// model, enforcing per-tier rate limits and circuit breakers, and adaptively
// escalating a low-confidence call to the next-higher tier (spec.md §4.6).
package modelrouter

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/fourvalet/valet/internal/config"
	"github.com/fourvalet/valet/internal/domain"
)

// Call is a single model invocation: the rendered prompt in, the model's
// text and reported confidence out. Providers implement this directly;
// Router never parses provider-specific response shapes.
type Call func(ctx context.Context, model string, prompt string) (CallResult, error)

// CallResult is what a provider call returns.
type CallResult struct {
	Text       string
	Confidence float64
	TokensUsed int
}

// TierModel names the concrete model backing a logical tier.
type TierModel struct {
	Tier  config.ModelTier
	Model string
	Call  Call
}

// breakerSettings mirrors the teacher's cautious circuit-breaker posture:
// open after a run of consecutive failures, half-open after a cooldown,
// close again after a handful of probe successes.
func breakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
}

// tierState is the per-tier runtime: rate limiter, breaker, and the model
// it dispatches to.
type tierState struct {
	model   TierModel
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// Router selects a model per logical tier, rate-limits and circuit-breaks
// calls to it, and escalates low-confidence results to the next tier once.
// Grounded on the teacher's pkg/agent/config_resolver.go precedence-based
// resolution, generalized from "resolve an agent's LLM backend" to
// "resolve and call a tier's model".
type Router struct {
	tiers               map[config.ModelTier]*tierState
	order               []config.ModelTier // escalation order, low to high
	escalationThreshold float64
	maxRetriesPerCall   int
}

// Option configures a Router at construction time.
type Option func(*Router)

// WithEscalationThreshold overrides the confidence floor below which a
// tier's result triggers a single re-run at the next-higher tier.
func WithEscalationThreshold(threshold float64) Option {
	return func(r *Router) { r.escalationThreshold = threshold }
}

// WithMaxRetriesPerCall bounds ProviderError retries before giving up
// (spec.md §4.6: "ProviderError (non-retryable after N retries)").
func WithMaxRetriesPerCall(n int) Option {
	return func(r *Router) { r.maxRetriesPerCall = n }
}

// NewRouter builds a Router from an ordered low-to-high tier model list,
// each with its own rate limit (requests/sec, burst).
func NewRouter(models []TierModel, rps float64, burst int, opts ...Option) *Router {
	r := &Router{
		tiers:               make(map[config.ModelTier]*tierState, len(models)),
		escalationThreshold: 0.80,
		maxRetriesPerCall:   2,
	}
	for _, m := range models {
		r.order = append(r.order, m.Tier)
		r.tiers[m.Tier] = &tierState{
			model:   m,
			limiter: rate.NewLimiter(rate.Limit(rps), burst),
			breaker: gobreaker.NewCircuitBreaker(breakerSettings(string(m.Tier))),
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Invoke calls the model at tier with prompt, enforcing the tier's rate
// limit and circuit breaker, retrying ProviderError up to maxRetriesPerCall
// times with exponential backoff before giving up.
func (r *Router) Invoke(ctx context.Context, tier config.ModelTier, prompt string) (CallResult, error) {
	state, ok := r.tiers[tier]
	if !ok {
		return CallResult{}, fmt.Errorf("model router: unknown tier %q", tier)
	}

	if err := state.limiter.Wait(ctx); err != nil {
		return CallResult{}, fmt.Errorf("model router: %w: %w", domain.ErrRateLimited, err)
	}

	var lastErr error
	for attempt := 0; attempt <= r.maxRetriesPerCall; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff(attempt)):
			case <-ctx.Done():
				return CallResult{}, ctx.Err()
			}
		}

		out, err := state.breaker.Execute(func() (interface{}, error) {
			return state.model.Call(ctx, state.model.Model, prompt)
		})
		if err == nil {
			return out.(CallResult), nil
		}
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return CallResult{}, fmt.Errorf("model router: %w for tier %s", domain.ErrBreakerOpen, tier)
		}
		lastErr = err
	}
	return CallResult{}, fmt.Errorf("model router: %w: %w", domain.ErrProviderError, lastErr)
}

// InvokeWithEscalation runs prompt at tier, and if the result's confidence
// is below the escalation threshold, re-runs once at the next-higher tier,
// returning whichever call reported higher confidence (spec.md §4.6).
func (r *Router) InvokeWithEscalation(ctx context.Context, tier config.ModelTier, prompt string) (CallResult, config.ModelTier, error) {
	result, err := r.Invoke(ctx, tier, prompt)
	if err != nil {
		return CallResult{}, tier, err
	}
	if result.Confidence >= r.escalationThreshold {
		return result, tier, nil
	}

	nextTier, ok := r.nextTier(tier)
	if !ok {
		return result, tier, nil
	}

	escalated, err := r.Invoke(ctx, nextTier, prompt)
	if err != nil {
		// The escalation attempt failed; the original (low-confidence but
		// successful) result is still the best we have.
		return result, tier, nil
	}
	if escalated.Confidence > result.Confidence {
		return escalated, nextTier, nil
	}
	return result, tier, nil
}

// nextTier returns the tier immediately above tier in escalation order.
func (r *Router) nextTier(tier config.ModelTier) (config.ModelTier, bool) {
	for i, t := range r.order {
		if t == tier && i+1 < len(r.order) {
			return r.order[i+1], true
		}
	}
	return "", false
}

// backoff is the retry delay schedule for ProviderError retries: 200ms,
// 400ms, 800ms, ...
func backoff(attempt int) time.Duration {
	d := 200 * time.Millisecond
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
