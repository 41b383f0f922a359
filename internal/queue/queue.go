package queue

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fourvalet/valet/internal/domain"
	"github.com/fourvalet/valet/internal/eventbus"
	"github.com/fourvalet/valet/internal/executor"
)

// DefaultUndoWindow is the queue-level undo validity window (spec.md §6:
// queue.undo_window_seconds default 300).
const DefaultUndoWindow = 5 * time.Minute

// Executor is the subset of executor.Executor the queue needs to run an
// approved plan.
type Executor interface {
	Run(ctx context.Context, correlationID string, plan domain.ActionPlan) executor.Result
}

// Queue is the durable approval queue (C10): persisted QueueItems plus the
// live CompensationHandles needed to honor undo while its window is open.
// Grounded on the teacher's pkg/queue (pool.go/worker.go/orphan.go),
// generalized from "alert session queue" to "reviewable action queue".
type Queue struct {
	repo       *repository
	exec       Executor
	bus        *eventbus.Bus
	undoWindow time.Duration
	now        func() time.Time

	mu      sync.Mutex
	handles map[string]map[string]executor.CompensationHandle // queue item id -> action id -> handle
}

// New wires a Queue over its database handle and executor.
func New(db *sql.DB, exec Executor, bus *eventbus.Bus, undoWindow time.Duration) *Queue {
	if undoWindow <= 0 {
		undoWindow = DefaultUndoWindow
	}
	return &Queue{
		repo: newRepository(db), exec: exec, bus: bus, undoWindow: undoWindow,
		now: time.Now, handles: make(map[string]map[string]executor.CompensationHandle),
	}
}

// Enqueue persists a new QueueItem for human review, deduplicating on
// (source, source_id). A duplicate enqueue of an already-known (source,
// event) pair is a no-op returning the existing item, per invariant
// "unique (source, source_id) to deduplicate" (spec.md §4.10).
func (q *Queue) Enqueue(ctx context.Context, source domain.Source, eventID string, options []domain.Option, snapshot domain.WorkingMemory) (domain.QueueItem, error) {
	if existing, err := q.repo.getBySourceID(ctx, source, eventID); err == nil {
		return existing, nil
	}
	now := q.now()
	item := domain.QueueItem{
		ID: uuid.NewString(), EventID: eventID, Source: source, Snapshot: snapshot,
		Options: options, Status: domain.StatusPending, CreatedAt: now, UpdatedAt: now,
	}
	if err := q.repo.insert(ctx, item); err != nil {
		return domain.QueueItem{}, err
	}
	q.publish(eventbus.KindQueueEnqueued, eventID, nil)
	return item, nil
}

// GetItem returns the full analysis snapshot for an item (spec.md §6
// get_item).
func (q *Queue) GetItem(ctx context.Context, id string) (domain.QueueItem, error) {
	return q.repo.get(ctx, id)
}

// ListByTab returns items for a derived tab, paginated (spec.md §6
// list_queue).
func (q *Queue) ListByTab(ctx context.Context, tab domain.Tab, limit, offset int) ([]domain.QueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	return q.repo.listByTab(ctx, tab, limit, offset)
}

// Stats aggregates queue depth per tab (spec.md §4.10 "stats").
func (q *Queue) Stats(ctx context.Context) (map[domain.Tab]int, error) {
	return q.repo.stats(ctx)
}

// Approve transactionally transitions an item to in_progress, runs the
// chosen option's plan through the executor, and returns an undo token
// (spec.md §6 approve).
func (q *Queue) Approve(ctx context.Context, id, optionID string) (domain.UndoToken, error) {
	item, err := q.repo.get(ctx, id)
	if err != nil {
		return domain.UndoToken{}, err
	}
	if item.Status != domain.StatusPending && item.Status != domain.StatusSnoozed {
		return domain.UndoToken{}, fmt.Errorf("queue: item %s is not pending or snoozed (status=%s)", id, item.Status)
	}
	opt, ok := findOption(item.Options, optionID)
	if !ok {
		return domain.UndoToken{}, fmt.Errorf("queue: unknown option %s for item %s", optionID, id)
	}

	if err := q.repo.updateStatus(ctx, id, domain.StatusInProgress, ""); err != nil {
		return domain.UndoToken{}, err
	}

	res := q.exec.Run(ctx, item.EventID, opt.Plan)
	if res.Err != nil {
		_ = q.repo.updateStatus(ctx, id, domain.StatusErrored, res.Err.Error())
		return domain.UndoToken{}, res.Err
	}

	q.mu.Lock()
	q.handles[id] = res.Handles
	q.mu.Unlock()

	tok := domain.UndoToken{
		Token: uuid.NewString(), ExpiresAt: q.now().Add(q.undoWindow),
		NoteVersionsAtExecution: map[string]int{}, // left empty: Approve records no note versions
	}
	if err := q.repo.setUndoToken(ctx, id, &tok); err != nil {
		return domain.UndoToken{}, err
	}
	if err := q.repo.updateStatus(ctx, id, domain.StatusExecuted, ""); err != nil {
		return domain.UndoToken{}, err
	}
	q.publish(eventbus.KindQueueApproved, item.EventID, map[string]any{"item_id": id, "option_id": optionID})
	return tok, nil
}

// Reject marks an item terminally rejected (spec.md §6 reject). The reason
// is not persisted; it travels only in the KindQueueRejected event's
// payload. Calibration is fed the verdict by the service layer, not via
// the event bus.
func (q *Queue) Reject(ctx context.Context, id, reason string) error {
	if err := q.repo.updateStatus(ctx, id, domain.StatusRejected, ""); err != nil {
		return err
	}
	q.publish(eventbus.KindQueueRejected, id, map[string]any{"reason": reason})
	return nil
}

// Snooze moves an item to snoozed until the given time (spec.md §6 snooze).
func (q *Queue) Snooze(ctx context.Context, id string, until time.Time) error {
	return q.repo.setSnoozedUntil(ctx, id, &until)
}

// CancelSnooze returns a snoozed item to pending immediately.
func (q *Queue) CancelSnooze(ctx context.Context, id string) error {
	return q.repo.updateStatus(ctx, id, domain.StatusPending, "")
}

// ScanDueSnoozed returns snoozed items whose snoozed_until has elapsed to
// pending (spec.md §6: "on until elapses, returns to to_process"). Intended
// to be called periodically by a background sweep, mirroring the teacher's
// orphan-detection sweep in pkg/queue/orphan.go.
func (q *Queue) ScanDueSnoozed(ctx context.Context) (int, error) {
	ids, err := q.repo.dueSnoozed(ctx, q.now())
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := q.CancelSnooze(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// Undo invokes the stored rollback for an executed item while its token is
// still live. It refuses with ErrNoteConflict when a note version recorded
// in the token differs from the one the caller passes in noteVersionsNow
// (the queue package doesn't depend on internal/knowledge). Approve records
// no note versions in the token, so for tokens Approve issues this check
// finds no conflict.
func (q *Queue) Undo(ctx context.Context, id string, noteVersionsNow map[string]int) error {
	item, err := q.repo.get(ctx, id)
	if err != nil {
		return err
	}
	if item.Status != domain.StatusExecuted {
		return fmt.Errorf("queue: item %s is not in executed state", id)
	}
	if !item.UndoToken.Valid(q.now()) {
		return domain.ErrUndoExpired
	}
	for noteID, versionAtExec := range item.UndoToken.NoteVersionsAtExecution {
		if current, ok := noteVersionsNow[noteID]; ok && current != versionAtExec {
			return fmt.Errorf("%w: note %s was edited after execution", domain.ErrNoteConflict, noteID)
		}
	}

	q.mu.Lock()
	handles := q.handles[id]
	q.mu.Unlock()

	for actionID, h := range handles {
		if err := h.Rollback(ctx); err != nil {
			return fmt.Errorf("queue: rollback of action %s failed: %w", actionID, err)
		}
	}

	if err := q.repo.updateStatus(ctx, id, domain.StatusPending, ""); err != nil {
		return err
	}
	if err := q.repo.setUndoToken(ctx, id, nil); err != nil {
		return err
	}
	q.mu.Lock()
	delete(q.handles, id)
	q.mu.Unlock()

	q.publish(eventbus.KindQueueUndone, item.EventID, map[string]any{"item_id": id})
	return nil
}

func findOption(options []domain.Option, id string) (domain.Option, bool) {
	for _, o := range options {
		if o.ID == id {
			return o, true
		}
	}
	return domain.Option{}, false
}

func (q *Queue) publish(kind eventbus.Kind, correlationID string, payload map[string]any) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{Type: kind, Timestamp: q.now(), CorrelationID: correlationID, Payload: payload})
}
