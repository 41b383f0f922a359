package planner

import (
	"testing"

	"github.com/fourvalet/valet/internal/domain"
)

func TestBuild_ArchiveDependsOnPersistence(t *testing.T) {
	hyp := domain.Hypothesis{
		Action: domain.ActionArchive,
		Confidence: domain.ConfidenceComponents{Entity: 0.95, Action: 0.95, Extraction: 0.95, Completeness: 0.95},
		Extractions: []domain.Extraction{
			{
				Type: domain.ExtractionEvent, WriteMode: domain.WriteEnrich, TargetNote: "budget-q1",
				TargetSection: "## Events", SideEffects: domain.SideEffects{Calendar: true},
			},
		},
	}
	plan, err := Build(hyp)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var archive *domain.PlannedAction
	persistIDs := map[string]bool{}
	for i, a := range plan.Actions {
		if a.Kind == domain.KindArchive {
			archive = &plan.Actions[i]
		}
		if a.Kind == domain.KindEnrichNote || a.Kind == domain.KindCreateCalendar {
			persistIDs[a.ID] = true
		}
	}
	if archive == nil {
		t.Fatalf("expected an archive action, got %+v", plan.Actions)
	}
	for id := range persistIDs {
		found := false
		for _, dep := range archive.DependsOn {
			if dep == id {
				found = true
			}
		}
		if !found {
			t.Errorf("archive action missing dependency on %s", id)
		}
	}
	if plan.Mode != domain.ModeAuto {
		t.Errorf("expected auto mode, got %s", plan.Mode)
	}
}

func TestBuild_QueueForReviewIsSingleAction(t *testing.T) {
	hyp := domain.Hypothesis{
		Action:     domain.ActionQueueForReview,
		Confidence: domain.ConfidenceComponents{Entity: 0.5, Action: 0.5, Extraction: 0.5, Completeness: 0.5},
		Extractions: []domain.Extraction{
			{Type: domain.ExtractionFact, WriteMode: domain.WriteCreate, TargetSection: "## Notes"},
		},
	}
	plan, err := Build(hyp)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(plan.Actions) != 1 || plan.Actions[0].Kind != domain.KindQueueForReview {
		t.Fatalf("expected a single queue_for_review action, got %+v", plan.Actions)
	}
	if plan.Mode != domain.ModeManual {
		t.Errorf("expected manual mode for a review plan, got %s", plan.Mode)
	}
}

func TestBuild_HighRiskForcesReviewOrManual(t *testing.T) {
	hyp := domain.Hypothesis{
		Action:     domain.ActionDraftReply,
		Confidence: domain.ConfidenceComponents{Entity: 0.8, Action: 0.8, Extraction: 0.8, Completeness: 0.8},
	}
	plan, err := Build(hyp)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if plan.Mode == domain.ModeAuto {
		t.Errorf("draft_reply risk should never qualify for auto mode unconditionally without checking risk, got mode=%s max_risk=%f", plan.Mode, plan.MaxRisk)
	}
}

func TestTopologicalOrder_RespectsDependencies(t *testing.T) {
	plan := domain.ActionPlan{Actions: []domain.PlannedAction{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"a", "b"}},
	}}
	order, err := TopologicalOrder(plan)
	if err != nil {
		t.Fatalf("TopologicalOrder: %v", err)
	}
	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	if pos["a"] > pos["b"] || pos["b"] > pos["c"] {
		t.Errorf("order violates dependencies: %v", order)
	}
}
