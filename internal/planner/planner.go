// Package planner implements C8: it turns a terminal orchestrator
// hypothesis into a DAG-shaped ActionPlan, computing per-action risk and
// the plan's execution mode (spec.md §4.8). Grounded on
// quanticsoul4772-unified-thinking/internal/modes/graph.go's use of
// dominikbraun/graph to build and validate a directed graph of vertices,
// repurposed here from "thought graph" to "action dependency graph".
package planner

import (
	"fmt"
	"sort"

	"github.com/dominikbraun/graph"

	"github.com/fourvalet/valet/internal/domain"
)

// Build constructs an ActionPlan from a terminal hypothesis following the
// rules in spec.md §4.8:
//  1. create/enrich extractions become create_note/enrich_note actions.
//  2. side_effects.task/calendar become create_task/create_calendar_event.
//  3. the classified action (archive/delete/flag) becomes one source-side
//     action depending on every note/task/calendar action.
//  4. queue_for_review short-circuits to a single action carrying every
//     other action as an intended (unexecuted) effect.
func Build(hyp domain.Hypothesis) (domain.ActionPlan, error) {
	if hyp.Action == domain.ActionQueueForReview {
		return buildReviewPlan(hyp)
	}

	var actions []domain.PlannedAction
	var persistenceIDs []string

	for i, ext := range hyp.Extractions {
		if ext.ValidationState == domain.ValidationDedupIgnored {
			continue
		}
		id := fmt.Sprintf("extraction-%d", i)
		kind := domain.KindEnrichNote
		if ext.WriteMode == domain.WriteCreate {
			kind = domain.KindCreateNote
		}
		actions = append(actions, newAction(id, kind, map[string]string{
			"target_note":    ext.TargetNote,
			"target_section": ext.TargetSection,
			"extraction":     fmt.Sprintf("%d", i),
			"summary":        ext.PayloadSummary,
			"format":         string(ext.MemoryHint.Format),
		}, nil))
		persistenceIDs = append(persistenceIDs, id)

		if ext.SideEffects.Task {
			taskID := id + "-task"
			actions = append(actions, newAction(taskID, domain.KindCreateTask, map[string]string{
				"extraction": fmt.Sprintf("%d", i),
				"summary":    ext.PayloadSummary,
			}, nil))
			persistenceIDs = append(persistenceIDs, taskID)
		}
		if ext.SideEffects.Calendar {
			calID := id + "-calendar"
			inputs := map[string]string{
				"extraction": fmt.Sprintf("%d", i),
				"summary":    ext.PayloadSummary,
			}
			if ext.SideEffects.Date != nil {
				inputs["date"] = *ext.SideEffects.Date
			}
			if ext.SideEffects.Time != nil {
				inputs["time"] = *ext.SideEffects.Time
			}
			actions = append(actions, newAction(calID, domain.KindCreateCalendar, inputs, nil))
			persistenceIDs = append(persistenceIDs, calID)
		}
	}

	if sourceKind, ok := sourceSideKind(hyp.Action); ok {
		actions = append(actions, newAction("source-action", sourceKind, nil, persistenceIDs))
	}

	if err := validateAcyclic(actions); err != nil {
		return domain.ActionPlan{}, err
	}

	maxRisk := maxRiskOf(actions)
	return domain.ActionPlan{
		Actions: actions,
		MaxRisk: maxRisk,
		Mode:    executionMode(hyp.OverallConfidence(), maxRisk),
	}, nil
}

// buildReviewPlan implements rule 4: a single queue_for_review action
// carrying every action the terminal hypothesis would otherwise have taken
// as an unexecuted "intended_effects" payload.
func buildReviewPlan(hyp domain.Hypothesis) (domain.ActionPlan, error) {
	intended, err := Build(withNonReviewAction(hyp))
	if err != nil {
		return domain.ActionPlan{}, err
	}
	review := newAction("queue-for-review", domain.KindQueueForReview, nil, nil)
	review.Inputs = encodeIntendedEffects(intended.Actions)
	return domain.ActionPlan{
		Actions: []domain.PlannedAction{review},
		MaxRisk: 0,
		Mode:    domain.ModeManual,
	}, nil
}

// withNonReviewAction substitutes a non-terminal action classification so
// Build can still construct the full intended action set without
// recursing into buildReviewPlan.
func withNonReviewAction(hyp domain.Hypothesis) domain.Hypothesis {
	if hyp.Action != domain.ActionQueueForReview {
		return hyp
	}
	clone := hyp
	clone.Action = domain.ActionFlag
	return clone
}

func encodeIntendedEffects(actions []domain.PlannedAction) map[string]string {
	out := make(map[string]string, len(actions))
	for _, a := range actions {
		out["intended:"+a.ID] = string(a.Kind)
	}
	return out
}

func newAction(id string, kind domain.ActionKind, inputs map[string]string, dependsOn []string) domain.PlannedAction {
	sort.Strings(dependsOn)
	return domain.PlannedAction{
		ID:         id,
		Kind:       kind,
		Inputs:     inputs,
		Risk:       domain.RiskFor(kind),
		Reversible: domain.RollbackGuaranteeFor(kind) != domain.RollbackNone,
		Rollback:   domain.RollbackGuaranteeFor(kind),
		DependsOn:  dependsOn,
	}
}

// sourceSideKind maps a hypothesis's classified action to the single
// source-side action it produces, per spec.md §4.8 rule 3. Actions that
// are not source-side (enrich/create/task/calendar/review) have no
// mapping.
func sourceSideKind(action domain.Action) (domain.ActionKind, bool) {
	switch action {
	case domain.ActionArchive:
		return domain.KindArchive, true
	case domain.ActionDelete:
		return domain.KindDelete, true
	case domain.ActionFlag:
		return domain.KindFlag, true
	case domain.ActionMove:
		return domain.KindMove, true
	case domain.ActionSnooze:
		return domain.KindSnooze, true
	case domain.ActionDraftReply:
		return domain.KindDraftReply, true
	default:
		return "", false
	}
}

// executionMode applies the matrix from spec.md §4.8 rule 5.
func executionMode(overall, maxRisk float64) domain.ExecutionMode {
	switch {
	case overall >= 0.90 && maxRisk <= 0.1:
		return domain.ModeAuto
	case overall >= 0.75 && maxRisk <= 0.3:
		return domain.ModeReview
	default:
		return domain.ModeManual
	}
}

func maxRiskOf(actions []domain.PlannedAction) float64 {
	var max float64
	for _, a := range actions {
		if a.Risk > max {
			max = a.Risk
		}
	}
	return max
}

// validateAcyclic builds the dependency graph with dominikbraun/graph and
// confirms it is acyclic (invariant e), returning ErrCyclicPlan wrapped
// with the offending edge if AddEdge reports a cycle.
func validateAcyclic(actions []domain.PlannedAction) error {
	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())
	for _, a := range actions {
		if err := g.AddVertex(a.ID); err != nil && err != graph.ErrVertexAlreadyExists {
			return fmt.Errorf("planner: %w", err)
		}
	}
	for _, a := range actions {
		for _, dep := range a.DependsOn {
			if err := g.AddEdge(dep, a.ID); err != nil {
				return fmt.Errorf("%w: %s -> %s: %v", domain.ErrCyclicPlan, dep, a.ID, err)
			}
		}
	}
	return nil
}

// TopologicalOrder returns the action ids in an order that respects every
// dependency, for the executor to schedule against.
func TopologicalOrder(plan domain.ActionPlan) ([]string, error) {
	g := graph.New(graph.StringHash, graph.Directed())
	for _, a := range plan.Actions {
		if err := g.AddVertex(a.ID); err != nil && err != graph.ErrVertexAlreadyExists {
			return nil, err
		}
	}
	for _, a := range plan.Actions {
		for _, dep := range a.DependsOn {
			if err := g.AddEdge(dep, a.ID); err != nil {
				return nil, fmt.Errorf("%w: %v", domain.ErrCyclicPlan, err)
			}
		}
	}
	order, err := graph.TopologicalSort(g)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCyclicPlan, err)
	}
	return order, nil
}
