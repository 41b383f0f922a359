// Package service composes C1-C12 into the operational surface from
// spec.md §6: the subset of the external HTTP/WebSocket API this module
// owns. Grounded on the teacher's pkg/services (a thin facade per entity
// over a shared *ent.Client), generalized into one facade over the
// cognitive core's components.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fourvalet/valet/internal/calibration"
	"github.com/fourvalet/valet/internal/config"
	"github.com/fourvalet/valet/internal/crosssource"
	"github.com/fourvalet/valet/internal/domain"
	"github.com/fourvalet/valet/internal/eventbus"
	"github.com/fourvalet/valet/internal/executor"
	"github.com/fourvalet/valet/internal/knowledge"
	"github.com/fourvalet/valet/internal/orchestrator"
	"github.com/fourvalet/valet/internal/perception"
	"github.com/fourvalet/valet/internal/planner"
	"github.com/fourvalet/valet/internal/queue"
)

// Service is the cognitive core's composition root: it wires the
// orchestrator, planner, executor, knowledge store, cross-source engine,
// approval queue, and calibrator into the operations external callers
// (the out-of-scope HTTP/WebSocket layer) invoke.
type Service struct {
	orch   *orchestrator.Orchestrator
	notes  *knowledge.Store
	search *crosssource.Engine
	q      *queue.Queue
	calib  *calibration.Calibrator
	bus    *eventbus.Bus
	cfg    *config.Config

	normalizer *perception.EventNormalizer
	continuity *perception.ContinuityDetector

	locks *threadLocks
	sem   chan struct{} // bounds concurrent orchestrations (spec.md §5 default 4)
}

// New wires a Service from its already-constructed components. normalizer
// and continuity may be nil if this instance only ever receives
// already-normalized events via Analyze (e.g. a worker reprocessing a
// queued item), not raw source records via Ingest.
func New(orch *orchestrator.Orchestrator, notes *knowledge.Store, search *crosssource.Engine, q *queue.Queue, calib *calibration.Calibrator, bus *eventbus.Bus, cfg *config.Config, workerPoolSize int, normalizer *perception.EventNormalizer, continuity *perception.ContinuityDetector) *Service {
	if workerPoolSize <= 0 {
		workerPoolSize = 4
	}
	return &Service{
		orch: orch, notes: notes, search: search, q: q, calib: calib, bus: bus, cfg: cfg,
		normalizer: normalizer, continuity: continuity,
		locks: newThreadLocks(), sem: make(chan struct{}, workerPoolSize),
	}
}

// Ingest turns a source-native RawRecord into a PerceivedEvent (C1),
// assigns it to a thread (C2), and runs it through Analyze. This is the
// entry point a source adapter's poller calls per new record (spec.md
// §4.1-4.2).
func (s *Service) Ingest(ctx context.Context, raw perception.RawRecord, priorCount int) (domain.QueueItem, error) {
	evt, err := s.normalizer.Normalize(ctx, raw, time.Now())
	if err != nil {
		return domain.QueueItem{}, fmt.Errorf("service: normalize: %w", err)
	}
	s.continuity.Assign(&evt, raw.ThreadHint, priorCount)
	return s.Analyze(ctx, evt)
}

// Analyze runs a freshly perceived event through the full pipeline:
// orchestration (C7) under a per-thread lock and bounded worker pool
// (spec.md §5), planning (C8), and queueing for review or immediate
// auto-execution (C10), depending on the planner's derived execution mode.
func (s *Service) Analyze(ctx context.Context, evt domain.PerceivedEvent) (domain.QueueItem, error) {
	threadKey := evt.EventID
	if evt.ThreadID != nil {
		threadKey = *evt.ThreadID
	}
	lock := s.locks.lockFor(threadKey)

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return domain.QueueItem{}, ctx.Err()
	}
	defer func() { <-s.sem }()

	lock.Lock()
	outcome := s.orch.RunWithFallback(ctx, evt)
	lock.Unlock()

	if outcome.Errored {
		errored := domain.QueueItem{
			ID: uuid.NewString(), EventID: evt.EventID, Source: evt.Source,
			Status: domain.StatusErrored, LastError: outcome.Err.Error(),
			CreatedAt: time.Now(), UpdatedAt: time.Now(),
		}
		_, _ = s.q.Enqueue(ctx, evt.Source, evt.EventID, nil, outcome.Memory)
		return errored, outcome.Err
	}

	plan, err := planner.Build(outcome.Final)
	if err != nil {
		return domain.QueueItem{}, fmt.Errorf("service: failed to build plan: %w", err)
	}

	option := domain.Option{ID: "suggested", Label: "suggested", Plan: plan}
	item, err := s.q.Enqueue(ctx, evt.Source, evt.EventID, []domain.Option{option}, outcome.Memory)
	if err != nil {
		return domain.QueueItem{}, err
	}

	if plan.Mode == domain.ModeAuto {
		if _, err := s.q.Approve(ctx, item.ID, option.ID); err != nil {
			return item, fmt.Errorf("service: auto-execution failed: %w", err)
		}
		item, err = s.q.GetItem(ctx, item.ID)
		if err != nil {
			return item, err
		}
	}
	return item, nil
}

// ListQueue returns items for a derived tab (spec.md §6 list_queue).
func (s *Service) ListQueue(ctx context.Context, tab domain.Tab, limit, offset int) ([]domain.QueueItem, error) {
	return s.q.ListByTab(ctx, tab, limit, offset)
}

// GetItem returns a queue item's full analysis snapshot (spec.md §6
// get_item).
func (s *Service) GetItem(ctx context.Context, id string) (domain.QueueItem, error) {
	return s.q.GetItem(ctx, id)
}

// Approve runs the chosen option's plan and returns an undo token (spec.md
// §6 approve). The human verdict is also recorded for calibration.
func (s *Service) Approve(ctx context.Context, id, optionID string) (domain.UndoToken, error) {
	item, err := s.q.GetItem(ctx, id)
	if err != nil {
		return domain.UndoToken{}, err
	}
	tok, err := s.q.Approve(ctx, id, optionID)
	if err == nil {
		s.recordVerdict(ctx, item, optionID, calibration.VerdictApproveAsSuggested)
	}
	return tok, err
}

// Reject records a terminal rejection and feeds it back to calibration
// (spec.md §6 reject).
func (s *Service) Reject(ctx context.Context, id, reason string) error {
	item, err := s.q.GetItem(ctx, id)
	if err != nil {
		return err
	}
	if err := s.q.Reject(ctx, id, reason); err != nil {
		return err
	}
	s.recordVerdict(ctx, item, "", calibration.VerdictReject)
	return nil
}

// Snooze moves an item to snoozed until the given time (spec.md §6 snooze).
func (s *Service) Snooze(ctx context.Context, id string, until time.Time) error {
	return s.q.Snooze(ctx, id, until)
}

// Undo invokes the stored rollback for an executed item while its token is
// live (spec.md §6 undo).
func (s *Service) Undo(ctx context.Context, id string) error {
	return s.q.Undo(ctx, id, nil)
}

// Reanalyze re-runs the orchestrator at tier strong regardless of the
// item's prior outcome, replaces its plan, and re-enqueues it (spec.md §6
// reanalyze).
func (s *Service) Reanalyze(ctx context.Context, id string) (domain.QueueItem, error) {
	item, err := s.q.GetItem(ctx, id)
	if err != nil {
		return domain.QueueItem{}, err
	}
	outcome := s.orch.RunAtTier(ctx, item.Snapshot.Event, config.TierStrong)
	if outcome.Errored {
		return domain.QueueItem{}, outcome.Err
	}
	plan, err := planner.Build(outcome.Final)
	if err != nil {
		return domain.QueueItem{}, err
	}
	option := domain.Option{ID: "suggested", Label: "suggested", Plan: plan}
	return s.q.Enqueue(ctx, item.Source, item.EventID+":reanalyzed", []domain.Option{option}, outcome.Memory)
}

// SearchNotes runs a hybrid text+semantic search, soft-deleted notes
// excluded by the knowledge store itself (spec.md §6 search_notes).
func (s *Service) SearchNotes(ctx context.Context, query string, k int) ([]domain.Note, error) {
	byText, err := s.notes.SearchText(ctx, query, k)
	if err != nil {
		return nil, err
	}
	matches, err := s.notes.SearchSemantic(ctx, query, k)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(byText))
	out := make([]domain.Note, 0, len(byText)+len(matches))
	for _, n := range byText {
		seen[n.ID] = true
		out = append(out, n)
	}
	for _, m := range matches {
		if seen[m.NoteID] {
			continue
		}
		n, err := s.notes.Get(ctx, m.NoteID)
		if err != nil || n.IsDeleted() {
			continue
		}
		seen[m.NoteID] = true
		out = append(out, n)
	}
	if len(out) > k && k > 0 {
		out = out[:k]
	}
	return out, nil
}

// CrossSourceSearch fans a query out to every enabled source adapter
// (spec.md §6 cross_source_search, §4.5).
func (s *Service) CrossSourceSearch(ctx context.Context, req crosssource.Request) (crosssource.Response, error) {
	return s.search.Search(ctx, req)
}

// ReviewNote applies an SM-2 update and returns the new schedule (spec.md
// §6 review_note).
func (s *Service) ReviewNote(ctx context.Context, id string, quality int) (domain.ReviewMeta, error) {
	return s.notes.RecordReview(ctx, id, quality)
}

// SubscribeEvents returns a server-push stream of bus events filtered to
// kinds (spec.md §6 subscribe_events).
func (s *Service) SubscribeEvents(kinds ...eventbus.Kind) (id string, ch <-chan eventbus.Event, unsubscribe func()) {
	return s.bus.Subscribe(kinds...)
}

// Stats aggregates queue depth per tab.
func (s *Service) Stats(ctx context.Context) (map[domain.Tab]int, error) {
	return s.q.Stats(ctx)
}

// recordVerdict best-effort feeds a human decision back to the calibrator;
// a failure here never blocks the queue operation it accompanies.
func (s *Service) recordVerdict(ctx context.Context, item domain.QueueItem, chosenOption string, verdict calibration.Verdict) {
	if s.calib == nil {
		return
	}
	hyp, ok := item.Snapshot.LastHypothesis()
	if !ok {
		return
	}
	sender := senderOf(item.Snapshot.Event)
	actionKind := domain.ActionKind(hyp.Action)
	_ = s.calib.RecordVerdict(ctx, item.Source, actionKind, hyp.OverallConfidence(), sender, verdict)
}

func senderOf(evt domain.PerceivedEvent) string {
	for _, p := range evt.Participants {
		if p.Role == domain.RoleFrom {
			return p.Identity
		}
	}
	return ""
}

// ExecutorFromConfig is a small helper composition roots use to build the
// C9 executor with the configured parallelism/timeout (spec.md §6
// executor.max_parallel_per_plan / executor.action_timeout_seconds).
func ExecutorFromConfig(runner executor.ActionRunner, cfg *config.Config, bus *eventbus.Bus) *executor.Executor {
	return executor.New(runner, cfg.Executor.MaxParallelPerPlan, time.Duration(cfg.Executor.ActionTimeoutSeconds)*time.Second, bus)
}
