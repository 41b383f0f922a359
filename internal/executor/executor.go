// Package executor implements C9: topological, bounded-parallel execution
// of an ActionPlan's DAG with best-effort reverse-order rollback on
// failure (spec.md §4.9). Grounded on the teacher's
// pkg/agent/orchestrator/runner.go concurrency-gated dispatch (a reserved/
// active slot count bounding a goroutine pool, a buffered results channel)
// repurposed from sub-agent goroutines to action-node goroutines.
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fourvalet/valet/internal/domain"
	"github.com/fourvalet/valet/internal/eventbus"
	"github.com/fourvalet/valet/internal/planner"
)

// CompensationHandle undoes the effect of one already-executed action.
type CompensationHandle interface {
	Rollback(ctx context.Context) error
}

// ActionRunner executes a single PlannedAction. Implementations are
// provided by the composition root per action kind (archive/delete/
// create_note/create_task/...); the executor only knows how to sequence
// them.
type ActionRunner interface {
	Execute(ctx context.Context, action domain.PlannedAction) (CompensationHandle, error)
	// Idempotent reports whether retrying this action kind after a
	// transient failure is safe (spec.md §4.9: "retries are applied only
	// to actions declared idempotent").
	Idempotent(kind domain.ActionKind) bool
}

// DefaultActionTimeout bounds a single action when the caller doesn't
// override it (spec.md §4.9 default 30s).
const DefaultActionTimeout = 30 * time.Second

// maxActionRetries is how many extra attempts an idempotent action gets
// after its first failure, within its own action timeout (spec.md §4.9:
// "Retries are applied only to actions declared idempotent").
const maxActionRetries = 2

// actionRetryBackoff is the retry delay schedule for idempotent action
// retries: 100ms, 200ms, 400ms, ... mirroring modelrouter's backoff.
func actionRetryBackoff(attempt int) time.Duration {
	d := 100 * time.Millisecond
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Executor runs an ActionPlan's DAG.
type Executor struct {
	runner      ActionRunner
	maxParallel int
	timeout     time.Duration
	bus         *eventbus.Bus
	now         func() time.Time
}

// New builds an Executor. maxParallel<=0 defaults to 1 (fully serial).
func New(runner ActionRunner, maxParallel int, timeout time.Duration, bus *eventbus.Bus) *Executor {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}
	return &Executor{runner: runner, maxParallel: maxParallel, timeout: timeout, bus: bus, now: time.Now}
}

// Result is the terminal outcome of Run.
type Result struct {
	Executed              []string // action ids that ran to completion
	RolledBack            []string // action ids whose rollback was invoked
	RollbackFailures      map[string]error
	PartiallyRolledBack   bool
	FailedAction          string
	Err                   error
	Handles               map[string]CompensationHandle // kept alive for queue-level undo
}

// Run topologically executes plan's DAG, running mutually-independent
// nodes in parallel up to maxParallel, and performs best-effort reverse-
// order rollback of everything already executed if any action fails.
func (e *Executor) Run(ctx context.Context, correlationID string, plan domain.ActionPlan) Result {
	order, err := planner.TopologicalOrder(plan)
	if err != nil {
		return Result{Err: err}
	}
	byID := make(map[string]domain.PlannedAction, len(plan.Actions))
	for _, a := range plan.Actions {
		byID[a.ID] = a
	}

	var (
		mu           sync.Mutex
		done         = make(map[string]bool)
		handles      = make(map[string]CompensationHandle)
		executedList []string
		execOrder    []string // preserves completion order for reverse rollback
		firstErr     error
		failedID     string
	)

	sem := make(chan struct{}, e.maxParallel)
	notify := make(map[string]chan struct{}, len(order))
	for _, id := range order {
		notify[id] = make(chan struct{})
	}

	var wg sync.WaitGroup
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, id := range order {
		id := id
		action := byID[id]
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(notify[id])

			for _, dep := range action.DependsOn {
				select {
				case <-notify[dep]:
				case <-runCtx.Done():
					return
				}
				mu.Lock()
				depFailed := !done[dep]
				mu.Unlock()
				if depFailed {
					return // a dependency failed or was never scheduled; skip
				}
			}

			select {
			case sem <- struct{}{}:
			case <-runCtx.Done():
				return
			}
			defer func() { <-sem }()

			mu.Lock()
			alreadyFailed := firstErr != nil
			mu.Unlock()
			if alreadyFailed {
				return
			}

			e.publish(correlationID, eventbus.KindActionStarted, id, action.Kind, nil)
			actionCtx, actionCancel := context.WithTimeout(runCtx, e.timeout)
			handle, err := e.executeWithRetry(actionCtx, action)
			actionCancel()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("%w: action %s (%s): %v", domain.ErrActionFailed, id, action.Kind, err)
					failedID = id
					cancel() // stop scheduling new actions
				}
				return
			}
			done[id] = true
			if handle != nil {
				handles[id] = handle
			}
			executedList = append(executedList, id)
			execOrder = append(execOrder, id)
			e.publish(correlationID, eventbus.KindActionCompleted, id, action.Kind, nil)
		}()
	}
	wg.Wait()

	res := Result{Executed: executedList, Handles: handles, Err: firstErr, FailedAction: failedID}
	if firstErr == nil {
		return res
	}

	e.publish(correlationID, eventbus.KindActionFailed, failedID, byID[failedID].Kind, map[string]any{"error": firstErr.Error()})

	// Best-effort rollback in reverse completion order (spec.md §4.9 b).
	res.RollbackFailures = make(map[string]error)
	for i := len(execOrder) - 1; i >= 0; i-- {
		id := execOrder[i]
		handle := handles[id]
		if handle == nil {
			continue
		}
		rbCtx, rbCancel := context.WithTimeout(context.Background(), e.timeout)
		rbErr := handle.Rollback(rbCtx)
		rbCancel()
		res.RolledBack = append(res.RolledBack, id)
		if rbErr != nil {
			res.RollbackFailures[id] = rbErr
			res.PartiallyRolledBack = true
		}
	}
	sort.Strings(res.RolledBack)
	return res
}

// executeWithRetry runs action once and, if it fails and the runner
// declares its kind idempotent, retries up to maxActionRetries times with
// backoff, all within ctx's own per-action timeout (spec.md §4.9).
// Non-idempotent actions never retry: a failed send_reply or delete must
// not be silently repeated.
func (e *Executor) executeWithRetry(ctx context.Context, action domain.PlannedAction) (CompensationHandle, error) {
	handle, err := e.runner.Execute(ctx, action)
	if err == nil || !e.runner.Idempotent(action.Kind) {
		return handle, err
	}
	for attempt := 1; attempt <= maxActionRetries; attempt++ {
		select {
		case <-time.After(actionRetryBackoff(attempt)):
		case <-ctx.Done():
			return nil, err
		}
		handle, err = e.runner.Execute(ctx, action)
		if err == nil {
			return handle, nil
		}
	}
	return nil, err
}

func (e *Executor) publish(correlationID string, kind eventbus.Kind, actionID string, actionKind domain.ActionKind, extra map[string]any) {
	if e.bus == nil {
		return
	}
	payload := map[string]any{"action_id": actionID, "action_kind": string(actionKind)}
	for k, v := range extra {
		payload[k] = v
	}
	e.bus.Publish(eventbus.Event{Type: kind, Timestamp: e.now(), CorrelationID: correlationID, Payload: payload})
}
