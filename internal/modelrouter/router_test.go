package modelrouter

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fourvalet/valet/internal/config"
	"github.com/fourvalet/valet/internal/domain"
)

func fixedCall(confidence float64) Call {
	return func(ctx context.Context, model, prompt string) (CallResult, error) {
		return CallResult{Text: "ok", Confidence: confidence}, nil
	}
}

func failingCall(err error) Call {
	return func(ctx context.Context, model, prompt string) (CallResult, error) {
		return CallResult{}, err
	}
}

func twoTierRouter(fast, strong Call, opts ...Option) *Router {
	return NewRouter([]TierModel{
		{Tier: config.TierFast, Model: "fast-model", Call: fast},
		{Tier: config.TierStrong, Model: "strong-model", Call: strong},
	}, 1000, 10, opts...)
}

func TestInvokeReturnsCallResult(t *testing.T) {
	r := twoTierRouter(fixedCall(0.9), fixedCall(0.95))
	result, err := r.Invoke(context.Background(), config.TierFast, "hello")
	require.NoError(t, err)
	assert.Equal(t, 0.9, result.Confidence)
}

func TestInvokeUnknownTierErrors(t *testing.T) {
	r := twoTierRouter(fixedCall(0.9), fixedCall(0.9))
	_, err := r.Invoke(context.Background(), config.TierBalanced, "hello")
	assert.Error(t, err)
}

func TestInvokeWithEscalationSkipsWhenConfidenceHigh(t *testing.T) {
	var strongCalls int32
	strong := func(ctx context.Context, model, prompt string) (CallResult, error) {
		atomic.AddInt32(&strongCalls, 1)
		return CallResult{Confidence: 0.99}, nil
	}
	r := twoTierRouter(fixedCall(0.9), strong, WithEscalationThreshold(0.8))

	result, tier, err := r.InvokeWithEscalation(context.Background(), config.TierFast, "q")
	require.NoError(t, err)
	assert.Equal(t, config.TierFast, tier)
	assert.Equal(t, 0.9, result.Confidence)
	assert.Zero(t, atomic.LoadInt32(&strongCalls))
}

func TestInvokeWithEscalationPromotesOnLowConfidence(t *testing.T) {
	r := twoTierRouter(fixedCall(0.5), fixedCall(0.92), WithEscalationThreshold(0.8))

	result, tier, err := r.InvokeWithEscalation(context.Background(), config.TierFast, "q")
	require.NoError(t, err)
	assert.Equal(t, config.TierStrong, tier)
	assert.Equal(t, 0.92, result.Confidence)
}

func TestInvokeWithEscalationKeepsOriginalIfEscalationNotBetter(t *testing.T) {
	r := twoTierRouter(fixedCall(0.5), fixedCall(0.4), WithEscalationThreshold(0.8))

	result, tier, err := r.InvokeWithEscalation(context.Background(), config.TierFast, "q")
	require.NoError(t, err)
	assert.Equal(t, config.TierFast, tier)
	assert.Equal(t, 0.5, result.Confidence)
}

func TestInvokeExhaustsRetriesAsProviderError(t *testing.T) {
	r := twoTierRouter(failingCall(errors.New("503")), fixedCall(0.9), WithMaxRetriesPerCall(1))
	_, err := r.Invoke(context.Background(), config.TierFast, "q")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProviderError)
}

func TestInvokeOpensBreakerAfterConsecutiveFailures(t *testing.T) {
	r := twoTierRouter(failingCall(errors.New("boom")), fixedCall(0.9), WithMaxRetriesPerCall(0))

	var lastErr error
	for i := 0; i < 10; i++ {
		_, lastErr = r.Invoke(context.Background(), config.TierFast, "q")
	}
	assert.ErrorIs(t, lastErr, domain.ErrBreakerOpen)
}

func TestInvokeRateLimitsWithoutBlockingForever(t *testing.T) {
	r := NewRouter([]TierModel{
		{Tier: config.TierFast, Model: "m", Call: fixedCall(0.9)},
	}, 1, 1)

	_, err := r.Invoke(context.Background(), config.TierFast, "q")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = r.Invoke(ctx, config.TierFast, "q")
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}
