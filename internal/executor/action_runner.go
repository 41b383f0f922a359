package executor

import (
	"context"
	"fmt"
	"strconv"

	"github.com/fourvalet/valet/internal/domain"
	"github.com/fourvalet/valet/internal/knowledge"
)

// SideEffectSink is the narrow interface every action kind that reaches an
// external collaborator is executed through. spec.md §1 scopes the file/
// IMAP/Graph protocol clients themselves out of this module ("only their
// semantic contract is consumed"); a composition root supplies a concrete
// implementation talking to whichever store a source actually lives in.
type SideEffectSink interface {
	Archive(ctx context.Context, source, sourceID string) (undo func(context.Context) error, err error)
	Delete(ctx context.Context, source, sourceID string) (undo func(context.Context) error, err error)
	Move(ctx context.Context, source, sourceID, destFolder string) (undo func(context.Context) error, err error)
	Flag(ctx context.Context, source, sourceID string) (undo func(context.Context) error, err error)
	Snooze(ctx context.Context, source, sourceID string, untilUnixSeconds int64) (undo func(context.Context) error, err error)
	DraftReply(ctx context.Context, source, sourceID, body string) (undo func(context.Context) error, err error)
	CreateTask(ctx context.Context, title, due string) (undo func(context.Context) error, err error)
	CreateCalendarEvent(ctx context.Context, title, date, timeOfDay string) (undo func(context.Context) error, err error)
}

// funcHandle adapts a plain rollback closure to CompensationHandle.
type funcHandle func(context.Context) error

func (f funcHandle) Rollback(ctx context.Context) error {
	if f == nil {
		return nil
	}
	return f(ctx)
}

// noteRunner executes the in-scope create_note/enrich_note action kinds
// directly against the knowledge store, and delegates every other kind to
// an injected SideEffectSink. Grounded on the teacher's pkg/agent's pattern
// of a single stage implementation dispatching on a typed kind field, here
// repurposed from LLM stage names to domain.ActionKind.
type noteRunner struct {
	notes *knowledge.Store
	sink  SideEffectSink
}

// NewNoteRunner builds a single long-lived ActionRunner. It is entirely
// self-contained: the planner embeds every field an action needs (target
// note, section, summary, memory-hint format) directly into
// PlannedAction.Inputs at plan-build time, so the runner never needs to
// look back at the hypothesis that produced the plan.
func NewNoteRunner(notes *knowledge.Store, sink SideEffectSink) ActionRunner {
	return &noteRunner{notes: notes, sink: sink}
}

func (r *noteRunner) Idempotent(kind domain.ActionKind) bool {
	switch kind {
	case domain.KindCreateNote, domain.KindEnrichNote, domain.KindFlag, domain.KindArchive, domain.KindSnooze:
		return true
	default:
		return false
	}
}

func (r *noteRunner) Execute(ctx context.Context, action domain.PlannedAction) (CompensationHandle, error) {
	switch action.Kind {
	case domain.KindCreateNote, domain.KindEnrichNote:
		return r.writeNote(ctx, action)
	case domain.KindArchive:
		return r.sinkCall(r.sink.Archive(ctx, action.Inputs["source"], action.Inputs["source_id"]))
	case domain.KindDelete:
		return r.sinkCall(r.sink.Delete(ctx, action.Inputs["source"], action.Inputs["source_id"]))
	case domain.KindMove:
		return r.sinkCall(r.sink.Move(ctx, action.Inputs["source"], action.Inputs["source_id"], action.Inputs["dest_folder"]))
	case domain.KindFlag:
		return r.sinkCall(r.sink.Flag(ctx, action.Inputs["source"], action.Inputs["source_id"]))
	case domain.KindSnooze:
		until, _ := strconv.ParseInt(action.Inputs["snooze_until"], 10, 64)
		return r.sinkCall(r.sink.Snooze(ctx, action.Inputs["source"], action.Inputs["source_id"], until))
	case domain.KindDraftReply:
		return r.sinkCall(r.sink.DraftReply(ctx, action.Inputs["source"], action.Inputs["source_id"], action.Inputs["body"]))
	case domain.KindCreateTask:
		return r.sinkCall(r.sink.CreateTask(ctx, action.Inputs["summary"], action.Inputs["date"]))
	case domain.KindCreateCalendar:
		return r.sinkCall(r.sink.CreateCalendarEvent(ctx, action.Inputs["summary"], action.Inputs["date"], action.Inputs["time"]))
	case domain.KindQueueForReview:
		// Nothing executes: this plan's only action is to have put the
		// item in the queue, which already happened before the executor
		// was ever invoked.
		return nil, nil
	default:
		return nil, fmt.Errorf("executor: unknown action kind %q", action.Kind)
	}
}

func (r *noteRunner) writeNote(ctx context.Context, action domain.PlannedAction) (CompensationHandle, error) {
	noteID := action.Inputs["target_note"]
	section := domain.Section{Header: action.Inputs["target_section"], Body: action.Inputs["summary"]}

	if action.Kind == domain.KindCreateNote {
		note, err := r.notes.Create(ctx, noteID, domain.Frontmatter{Title: noteID, Type: domain.NoteTypeTopic}, []domain.Section{section}, nil)
		if err != nil {
			return nil, err
		}
		return funcHandle(func(rbCtx context.Context) error {
			return r.notes.SoftDelete(rbCtx, note.ID)
		}), nil
	}

	before, err := r.notes.Get(ctx, noteID)
	if err != nil {
		return nil, err
	}
	sections := appendOrReplaceSection(before.Sections, section)
	after, err := r.notes.Update(ctx, noteID, knowledge.EditSpec{Sections: sections})
	if err != nil {
		return nil, err
	}
	return funcHandle(func(rbCtx context.Context) error {
		_, err := r.notes.Update(rbCtx, after.ID, knowledge.EditSpec{Sections: before.Sections})
		return err
	}), nil
}

func appendOrReplaceSection(existing []domain.Section, next domain.Section) []domain.Section {
	for i, s := range existing {
		if s.Header == next.Header {
			out := make([]domain.Section, len(existing))
			copy(out, existing)
			out[i] = next
			return out
		}
	}
	return append(append([]domain.Section{}, existing...), next)
}

func (r *noteRunner) sinkCall(undo func(context.Context) error, err error) (CompensationHandle, error) {
	if err != nil {
		return nil, err
	}
	if undo == nil {
		return nil, nil
	}
	return funcHandle(undo), nil
}

