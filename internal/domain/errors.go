// Package domain holds the canonical types shared across the cognitive
// core: perceived events, working memory, hypotheses, extractions, notes,
// planned actions, and queue items.
package domain

import "errors"

// Sentinel errors implementing the taxonomy in spec.md §7. Every package
// that raises one of these wraps it with fmt.Errorf("...: %w", err) so
// errors.Is still matches while context is preserved for logs.
var (
	ErrMalformedRecord      = errors.New("malformed record")
	ErrSourceUnavailable    = errors.New("source unavailable")
	ErrRateLimited          = errors.New("rate limited")
	ErrBreakerOpen          = errors.New("circuit breaker open")
	ErrProviderError        = errors.New("provider error")
	ErrParseError           = errors.New("parse error")
	ErrStageTimeout         = errors.New("stage timeout")
	ErrOrchestrationTimeout = errors.New("orchestration timeout")
	ErrNoteConflict         = errors.New("note conflict")
	ErrActionFailed         = errors.New("action failed")
	ErrRollbackFailed       = errors.New("rollback failed")

	// ErrNotFound is a general lookup-miss sentinel used by the knowledge
	// store and queue repositories.
	ErrNotFound = errors.New("not found")
	// ErrCyclicPlan signals a planner DAG would contain a cycle.
	ErrCyclicPlan = errors.New("planned action graph is not acyclic")
	// ErrUndoExpired means the undo token's validity window has elapsed.
	ErrUndoExpired = errors.New("undo token expired")
)
