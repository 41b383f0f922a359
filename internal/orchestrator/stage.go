// Package orchestrator implements C7, the four-valet reasoning pipeline:
// V1 silent observer → V2 archivist → V3 critic → V4 arbiter, each a
// templated-prompt call against a model tier that returns a structured
// domain.Hypothesis and updates a shared domain.WorkingMemory (spec.md
// §4.7). Directly generalizes the teacher's
// pkg/agent/controller/iterating.go iteration loop (per-iteration timeout,
// progress events, typed failure handling) from "ReAct tool-calling loop"
// to "fixed four-stage valet pipeline".
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/fourvalet/valet/internal/config"
	"github.com/fourvalet/valet/internal/domain"
	"github.com/fourvalet/valet/internal/eventbus"
)

// ModelCaller is the subset of modelrouter.Router the orchestrator needs,
// kept narrow so this package doesn't import modelrouter's gobreaker/rate
// dependencies into its own tests.
type ModelCaller interface {
	Invoke(ctx context.Context, tier config.ModelTier, prompt string) (Result, error)
	InvokeWithEscalation(ctx context.Context, tier config.ModelTier, prompt string) (Result, config.ModelTier, error)
}

// Result mirrors modelrouter.CallResult's shape without importing that
// package.
type Result struct {
	Text       string
	Confidence float64
	TokensUsed int
}

// ContextProvider retrieves the ranked context window C4/C5 feed into
// V2/V3/V4 prompts.
type ContextProvider interface {
	Retrieve(ctx context.Context, evt domain.PerceivedEvent) ([]domain.ContextItem, error)
}

// Calibrator is the subset of C11 the orchestrator reads from: qualifying
// sender->action patterns to seed V1's prompt context, and a per-source
// adjusted V3 stop threshold (spec.md §4.11). Kept narrow so this package
// doesn't need to import calibration's database/sql dependency.
type Calibrator interface {
	PriorsFor(ctx context.Context, sender string) ([]string, error)
	AdjustedV3Threshold(ctx context.Context, source domain.Source, configuredDefault float64) (float64, error)
}

// stageSpec is the fixed per-stage contract from spec.md §4.7's table.
type stageSpec struct {
	id          domain.StageID
	tier        func(cfg config.ModelsConfig) config.ModelTier
	needsContext bool
	prompt      *template.Template
}

// promptContext is what every stage's template renders against.
type promptContext struct {
	Event      domain.PerceivedEvent
	AgeBucket  domain.AgeBucket
	Context    []domain.ContextItem
	Prior      []domain.Hypothesis
	Questions  []string
	Priors     []string
}

func mustTemplate(name, body string) *template.Template {
	return template.Must(template.New(name).Parse(body))
}

var (
	v1Template = mustTemplate("v1", `You are the silent observer. Extract raw facts and classify the action for this event.
Source: {{.Event.Source}}  Subject: {{.Event.Subject}}
Age: {{.AgeBucket}}
{{if .Priors}}Known patterns for this sender:
{{range .Priors}}- {{.}}
{{end}}{{end}}Body:
{{.Event.BodyPlain}}
If this is ephemeral content (OTP, spam, a notification), set early_stop with a reason and be confident (95-99%). Otherwise keep confidence in the honest 60-80% range. Respond as Hypothesis JSON.`)

	v2Template = mustTemplate("v2", `You are the archivist. Enrich V1's hypothesis using the candidate notes below.
Age: {{.AgeBucket}}
Prior hypothesis: {{(index .Prior 0).Action}}
Candidate notes:
{{range .Context}}- {{.NoteID}} ({{.Source}}, score {{printf "%.2f" .Score}}): {{.Snippet}}
{{end}}
Split candidates into notes_used and notes_ignored. Resolve name ambiguities. Detect duplicate extractions. Populate memory_hint for each extraction. You never terminate the chain. Respond as Hypothesis JSON.`)

	v3Template = mustTemplate("v3", `You are the critic. Review the prior hypotheses for missing elements, action over-aggressiveness, age concerns, and contradictions.
Age: {{.AgeBucket}}
{{if eq .AgeBucket "old"}}This event is old: treat deadlines as likely missed and expect duplicates.{{end}}
Candidate notes:
{{range .Context}}- {{.NoteID}}: {{.Snippet}}
{{end}}
Set needs_next_stage=false only if every open question is resolved and overall confidence is at least 0.90. Otherwise record pointed questions_for_next. Respond as Hypothesis JSON.`)

	v4Template = mustTemplate("v4", `You are the arbiter, the terminal stage. Answer the critic's questions, resolve conflicts between stages, and decide on age relevance.
Age: {{.AgeBucket}}
Open questions from the critic:
{{range .Questions}}- {{.}}
{{end}}
Candidate notes:
{{range .Context}}- {{.NoteID}}: {{.Snippet}}
{{end}}
If overall confidence is below 0.90, the action recommendation must be queue_for_review. Respond as Hypothesis JSON.`)
)

func stages() []stageSpec {
	return []stageSpec{
		{id: domain.StageV1, tier: func(c config.ModelsConfig) config.ModelTier { return c.V1 }, needsContext: false, prompt: v1Template},
		{id: domain.StageV2, tier: func(c config.ModelsConfig) config.ModelTier { return c.V2 }, needsContext: true, prompt: v2Template},
		{id: domain.StageV3, tier: func(c config.ModelsConfig) config.ModelTier { return c.V3 }, needsContext: true, prompt: v3Template},
		{id: domain.StageV4, tier: func(c config.ModelsConfig) config.ModelTier { return c.V4 }, needsContext: true, prompt: v4Template},
	}
}

// Orchestrator runs the four-valet pipeline.
type Orchestrator struct {
	models  ModelCaller
	ctxSrc  ContextProvider
	calib   Calibrator
	cfg     *config.Config
	bus     *eventbus.Bus
	now     func() time.Time
}

// New builds an Orchestrator.
func New(models ModelCaller, ctxSrc ContextProvider, cfg *config.Config, bus *eventbus.Bus) *Orchestrator {
	return &Orchestrator{models: models, ctxSrc: ctxSrc, cfg: cfg, bus: bus, now: time.Now}
}

// SetCalibrator wires C11's read side (qualifying sender patterns, adjusted
// per-source V3 threshold) into the orchestrator. Optional: a nil
// calibrator leaves V1's priors empty and V3's threshold at the configured
// default, exactly spec.md §4.11's behavior before any feedback has
// accumulated.
func (o *Orchestrator) SetCalibrator(calib Calibrator) {
	o.calib = calib
}

// senderOf returns the `from` participant's identity, or "" if none.
func senderOf(evt domain.PerceivedEvent) string {
	for _, p := range evt.Participants {
		if p.Role == domain.RoleFrom {
			return p.Identity
		}
	}
	return ""
}

// Outcome is the terminal result of Run.
type Outcome struct {
	Final       domain.Hypothesis
	Extractions []domain.Extraction
	Memory      domain.WorkingMemory
	Errored     bool
	Err         error
}

// Run drives the state machine `start → V1 → {terminal | V2} → V3 →
// {terminal | V4} → terminal` (spec.md §4.7). Any stage failure after
// retries returns an errored Outcome; RunWithFallback wraps Run and, when
// FallbackOnFailure is set, re-runs a single-shot analysis at tier
// balanced instead.
func (o *Orchestrator) Run(ctx context.Context, evt domain.PerceivedEvent) Outcome {
	mem := domain.WorkingMemory{Event: evt}
	age := domain.AgeBucketFor(evt.OccurredAt, o.now())

	o.publish(eventbus.KindAnalysisStarted, evt.EventID, nil)

	if o.ctxSrc != nil {
		items, err := o.ctxSrc.Retrieve(ctx, evt)
		if err == nil {
			mem.Context = items
		}
	}

	for _, stage := range stages() {
		timeout := o.cfg.OrchestrationTimeout()
		stageCtx, cancel := context.WithTimeout(ctx, timeout)
		hyp, err := o.runStage(stageCtx, stage, mem, age)
		cancel()

		trace := domain.StageTrace{StageID: stage.id, StartedAt: o.now()}
		if err != nil {
			trace.Err = err.Error()
			mem.StageTraces = append(mem.StageTraces, trace)
			o.publish(eventbus.KindAnalysisFailed, evt.EventID, map[string]any{"stage": string(stage.id), "error": err.Error()})
			return Outcome{Memory: mem, Errored: true, Err: fmt.Errorf("orchestrator: stage %s: %w", stage.id, err)}
		}

		trace.Model = hyp.ModelUsed
		trace.DurationMS = hyp.DurationMS
		trace.TokensUsed = hyp.TokensUsed

		terminal := o.isTerminal(ctx, evt, stage.id, hyp)
		if terminal {
			o.enforceV4Queueing(&hyp)
		}

		mem.StageTraces = append(mem.StageTraces, trace)
		mem.Hypotheses = append(mem.Hypotheses, hyp)
		mem.OpenQuestions = hyp.QuestionsForNext

		o.publish(eventbus.KindStageCompleted, evt.EventID, map[string]any{
			"stage": string(stage.id), "overall_confidence": hyp.OverallConfidence(),
		})

		if terminal {
			break
		}
	}

	final, ok := mem.LastHypothesis()
	if !ok {
		return Outcome{Memory: mem, Errored: true, Err: fmt.Errorf("orchestrator: no stage produced a hypothesis")}
	}
	extractions := domain.MergeExtractions(mem.Hypotheses)

	o.publish(eventbus.KindAnalysisCompleted, evt.EventID, map[string]any{
		"overall_confidence": final.OverallConfidence(),
		"action":             string(final.Action),
	})

	return Outcome{Final: final, Extractions: extractions, Memory: mem}
}

// RunWithFallback runs the full pipeline and, on failure, falls back to a
// single-shot analysis at tier balanced when cfg.Orchestrator.FallbackOnFailure
// is set (spec.md §4.7's failure semantics).
func (o *Orchestrator) RunWithFallback(ctx context.Context, evt domain.PerceivedEvent) Outcome {
	out := o.Run(ctx, evt)
	if !out.Errored || !o.cfg.Orchestrator.FallbackOnFailure {
		return out
	}

	age := domain.AgeBucketFor(evt.OccurredAt, o.now())
	prompt, err := renderPrompt(v1Template, promptContext{Event: evt, AgeBucket: age})
	if err != nil {
		return out
	}

	start := o.now()
	result, err := o.models.Invoke(ctx, config.TierBalanced, prompt)
	if err != nil {
		return out
	}
	hyp, err := parseHypothesis(result.Text)
	if err != nil {
		return out
	}
	hyp.StageID = domain.StageV4
	hyp.ModelUsed = string(config.TierBalanced)
	hyp.TokensUsed = result.TokensUsed
	hyp.DurationMS = o.now().Sub(start).Milliseconds()

	fallbackMem := out.Memory
	fallbackMem.Hypotheses = append(fallbackMem.Hypotheses, hyp)
	o.publish(eventbus.KindAnalysisCompleted, evt.EventID, map[string]any{
		"overall_confidence": hyp.OverallConfidence(), "fallback": true,
	})
	return Outcome{Final: hyp, Extractions: domain.MergeExtractions(fallbackMem.Hypotheses), Memory: fallbackMem}
}

// isTerminal applies the per-stage stop condition table from spec.md §4.7.
// V3's threshold is the per-source value C11 calibration has adjusted away
// from the configured default (spec.md §4.11); V4's queue-for-review
// threshold is enforced on the hypothesis itself by enforceV4Queueing,
// called by the caller once this stage is known to be terminal.
func (o *Orchestrator) isTerminal(ctx context.Context, evt domain.PerceivedEvent, stage domain.StageID, hyp domain.Hypothesis) bool {
	switch stage {
	case domain.StageV1:
		return hyp.EarlyStop.Triggered && hyp.Action == domain.ActionDelete && hyp.OverallConfidence() >= o.cfg.Stopping.V1EarlyStopOverall
	case domain.StageV2:
		return false
	case domain.StageV3:
		return !hyp.NeedsNextStage && hyp.OverallConfidence() >= o.v3Threshold(ctx, evt.Source)
	case domain.StageV4:
		return true
	default:
		return true
	}
}

// v3Threshold resolves spec.md §4.11's calibrated V3-stop threshold for a
// source, falling back to the configured default when no calibrator is
// wired or no samples exist yet for that source.
func (o *Orchestrator) v3Threshold(ctx context.Context, source domain.Source) float64 {
	def := o.cfg.Stopping.V3TerminateOverall
	if o.calib == nil {
		return def
	}
	adjusted, err := o.calib.AdjustedV3Threshold(ctx, source, def)
	if err != nil {
		return def
	}
	return adjusted
}

// enforceV4Queueing applies spec.md §4.7's V4 contract: "If overall<0.90,
// the action recommendation must be queue_for_review," keyed off
// stopping.v4_queue_overall rather than the V4 prompt's own honesty.
func (o *Orchestrator) enforceV4Queueing(hyp *domain.Hypothesis) {
	if hyp.StageID == domain.StageV4 && hyp.OverallConfidence() < o.cfg.Stopping.V4QueueOverall {
		hyp.Action = domain.ActionQueueForReview
	}
}

// runStage renders the stage's prompt, calls the model router with
// adaptive escalation, and parses the structured Hypothesis response.
func (o *Orchestrator) runStage(ctx context.Context, stage stageSpec, mem domain.WorkingMemory, age domain.AgeBucket) (domain.Hypothesis, error) {
	pctx := promptContext{
		Event: mem.Event, AgeBucket: age, Context: mem.Context,
		Prior: mem.Hypotheses, Questions: mem.OpenQuestions,
	}
	if stage.id == domain.StageV1 && o.calib != nil {
		if priors, err := o.calib.PriorsFor(ctx, senderOf(mem.Event)); err == nil {
			pctx.Priors = priors
		}
	}
	prompt, err := renderPrompt(stage.prompt, pctx)
	if err != nil {
		return domain.Hypothesis{}, fmt.Errorf("%w: %v", domain.ErrParseError, err)
	}

	start := o.now()
	tier := stage.tier(o.cfg.Models)
	result, usedTier, err := o.models.InvokeWithEscalation(ctx, tier, prompt)
	if err != nil {
		return domain.Hypothesis{}, err
	}

	hyp, err := parseHypothesis(result.Text)
	if err != nil {
		return domain.Hypothesis{}, fmt.Errorf("%w: %v", domain.ErrParseError, err)
	}
	hyp.StageID = stage.id
	hyp.ModelUsed = string(usedTier)
	hyp.TokensUsed = result.TokensUsed
	hyp.DurationMS = o.now().Sub(start).Milliseconds()
	if hyp.Confidence == (domain.ConfidenceComponents{}) {
		// The model may not have populated structured confidence; fall back
		// to its own reported scalar confidence on every component.
		hyp.Confidence = domain.ConfidenceComponents{
			Entity: result.Confidence, Action: result.Confidence,
			Extraction: result.Confidence, Completeness: result.Confidence,
		}
	}
	logStage(stage.id, hyp)
	return hyp, nil
}

func renderPrompt(t *template.Template, pctx promptContext) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, pctx); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// parseHypothesis decodes a stage's JSON response into a Hypothesis.
func parseHypothesis(text string) (domain.Hypothesis, error) {
	var hyp domain.Hypothesis
	if err := json.Unmarshal([]byte(text), &hyp); err != nil {
		return domain.Hypothesis{}, err
	}
	return hyp, nil
}

func (o *Orchestrator) publish(kind eventbus.Kind, correlationID string, payload map[string]any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(eventbus.Event{Type: kind, Timestamp: o.now(), CorrelationID: correlationID, Payload: payload})
}

// logStage is a small helper kept for parity with the teacher's
// per-iteration slog.Debug lines; callers that want stage-level logging
// wire this in instead of sprinkling slog calls through runStage.
func logStage(stage domain.StageID, hyp domain.Hypothesis) {
	slog.Debug("orchestrator stage completed",
		"stage", stage, "action", hyp.Action, "overall_confidence", hyp.OverallConfidence())
}
