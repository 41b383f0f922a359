package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fourvalet/valet/internal/config"
	"github.com/fourvalet/valet/internal/domain"
	"github.com/fourvalet/valet/internal/eventbus"
)

// scriptedCaller returns a fixed Hypothesis JSON per call, in order; it
// never escalates.
type scriptedCaller struct {
	responses []domain.Hypothesis
	calls     int
}

func (c *scriptedCaller) next() domain.Hypothesis {
	if c.calls >= len(c.responses) {
		return c.responses[len(c.responses)-1]
	}
	h := c.responses[c.calls]
	c.calls++
	return h
}

func (c *scriptedCaller) Invoke(ctx context.Context, tier config.ModelTier, prompt string) (Result, error) {
	h := c.next()
	b, _ := json.Marshal(h)
	return Result{Text: string(b), Confidence: h.OverallConfidence()}, nil
}

func (c *scriptedCaller) InvokeWithEscalation(ctx context.Context, tier config.ModelTier, prompt string) (Result, config.ModelTier, error) {
	r, err := c.Invoke(ctx, tier, prompt)
	return r, tier, err
}

func baseEvent() domain.PerceivedEvent {
	return domain.PerceivedEvent{
		EventID: "evt1", Source: domain.SourceEmail, OccurredAt: time.Now(), BodyPlain: "hello",
	}
}

func TestRunTerminatesEarlyOnV1EphemeralDelete(t *testing.T) {
	caller := &scriptedCaller{responses: []domain.Hypothesis{
		{Action: domain.ActionDelete, EarlyStop: domain.EarlyStop{Triggered: true, Reason: "otp"},
			Confidence: domain.ConfidenceComponents{Entity: 0.97, Action: 0.97, Extraction: 0.97, Completeness: 0.97}},
	}}
	o := New(caller, nil, config.Defaults(), eventbus.New())

	out := o.Run(context.Background(), baseEvent())
	require.False(t, out.Errored)
	assert.Equal(t, domain.StageV1, out.Final.StageID)
	assert.Equal(t, domain.ActionDelete, out.Final.Action)
}

func TestRunProgressesThroughAllFourStagesWhenNoneTerminate(t *testing.T) {
	low := domain.ConfidenceComponents{Entity: 0.5, Action: 0.5, Extraction: 0.5, Completeness: 0.5}
	caller := &scriptedCaller{responses: []domain.Hypothesis{
		{Action: domain.ActionEnrichNote, Confidence: low},                              // V1: not terminal (no early stop)
		{Action: domain.ActionEnrichNote, Confidence: low},                              // V2: never terminal
		{Action: domain.ActionEnrichNote, Confidence: low, NeedsNextStage: true},         // V3: needs_next_stage -> continue
		{Action: domain.ActionQueueForReview, Confidence: domain.ConfidenceComponents{Entity: 0.95, Action: 0.95, Extraction: 0.95, Completeness: 0.95}}, // V4: terminal
	}}
	o := New(caller, nil, config.Defaults(), eventbus.New())

	out := o.Run(context.Background(), baseEvent())
	require.False(t, out.Errored)
	require.Len(t, out.Memory.Hypotheses, 4)
	assert.Equal(t, domain.StageV4, out.Final.StageID)
	assert.Equal(t, domain.ActionQueueForReview, out.Final.Action)
}

func TestRunTerminatesAtV3WhenConvergent(t *testing.T) {
	high := domain.ConfidenceComponents{Entity: 0.95, Action: 0.95, Extraction: 0.95, Completeness: 0.95}
	caller := &scriptedCaller{responses: []domain.Hypothesis{
		{Action: domain.ActionEnrichNote, Confidence: domain.ConfidenceComponents{Entity: 0.5, Action: 0.5, Extraction: 0.5, Completeness: 0.5}},
		{Action: domain.ActionEnrichNote, Confidence: domain.ConfidenceComponents{Entity: 0.5, Action: 0.5, Extraction: 0.5, Completeness: 0.5}},
		{Action: domain.ActionEnrichNote, Confidence: high, NeedsNextStage: false},
	}}
	o := New(caller, nil, config.Defaults(), eventbus.New())

	out := o.Run(context.Background(), baseEvent())
	require.False(t, out.Errored)
	require.Len(t, out.Memory.Hypotheses, 3)
	assert.Equal(t, domain.StageV3, out.Final.StageID)
}

type failingCaller struct{}

func (failingCaller) Invoke(ctx context.Context, tier config.ModelTier, prompt string) (Result, error) {
	return Result{}, assertErr
}
func (failingCaller) InvokeWithEscalation(ctx context.Context, tier config.ModelTier, prompt string) (Result, config.ModelTier, error) {
	return Result{}, tier, assertErr
}

var assertErr = assertError("provider down")

type assertError string

func (e assertError) Error() string { return string(e) }

func TestRunReturnsErroredOutcomeOnStageFailure(t *testing.T) {
	o := New(failingCaller{}, nil, config.Defaults(), eventbus.New())
	out := o.Run(context.Background(), baseEvent())
	assert.True(t, out.Errored)
	assert.Error(t, out.Err)
}

func TestRunWithFallbackRecoversUsingBalancedTier(t *testing.T) {
	cfg := config.Defaults()
	cfg.Orchestrator.FallbackOnFailure = true

	fallbackHyp := domain.Hypothesis{Action: domain.ActionArchive, Confidence: domain.ConfidenceComponents{Entity: 0.8, Action: 0.8, Extraction: 0.8, Completeness: 0.8}}
	caller := &fallbackCaller{failFirst: true, fallback: fallbackHyp}
	o := New(caller, nil, cfg, eventbus.New())

	out := o.RunWithFallback(context.Background(), baseEvent())
	require.False(t, out.Errored)
	assert.Equal(t, domain.ActionArchive, out.Final.Action)
}

type fallbackCaller struct {
	failFirst bool
	fallback  domain.Hypothesis
}

func (c *fallbackCaller) Invoke(ctx context.Context, tier config.ModelTier, prompt string) (Result, error) {
	b, _ := json.Marshal(c.fallback)
	return Result{Text: string(b), Confidence: c.fallback.OverallConfidence()}, nil
}

func (c *fallbackCaller) InvokeWithEscalation(ctx context.Context, tier config.ModelTier, prompt string) (Result, config.ModelTier, error) {
	return Result{}, tier, assertErr
}
