package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/fourvalet/valet/internal/domain"
)

type fakeSink struct {
	archived, deleted, moved, flagged, snoozed, drafted bool
	tasksCreated, eventsCreated                         int
	undoCalled                                          bool
	failArchive                                         bool
	lastTaskTitle                                       string
}

func (f *fakeSink) call() (func(context.Context) error, error) {
	return func(context.Context) error { f.undoCalled = true; return nil }, nil
}

func (f *fakeSink) Archive(ctx context.Context, source, sourceID string) (func(context.Context) error, error) {
	if f.failArchive {
		return nil, errors.New("archive failed")
	}
	f.archived = true
	return f.call()
}
func (f *fakeSink) Delete(ctx context.Context, source, sourceID string) (func(context.Context) error, error) {
	f.deleted = true
	return f.call()
}
func (f *fakeSink) Move(ctx context.Context, source, sourceID, dest string) (func(context.Context) error, error) {
	f.moved = true
	return f.call()
}
func (f *fakeSink) Flag(ctx context.Context, source, sourceID string) (func(context.Context) error, error) {
	f.flagged = true
	return f.call()
}
func (f *fakeSink) Snooze(ctx context.Context, source, sourceID string, until int64) (func(context.Context) error, error) {
	f.snoozed = true
	return f.call()
}
func (f *fakeSink) DraftReply(ctx context.Context, source, sourceID, body string) (func(context.Context) error, error) {
	f.drafted = true
	return f.call()
}
func (f *fakeSink) CreateTask(ctx context.Context, title, due string) (func(context.Context) error, error) {
	f.tasksCreated++
	f.lastTaskTitle = title
	return f.call()
}
func (f *fakeSink) CreateCalendarEvent(ctx context.Context, title, date, timeOfDay string) (func(context.Context) error, error) {
	f.eventsCreated++
	return f.call()
}

func TestNoteRunner_DelegatesArchiveToSink(t *testing.T) {
	sink := &fakeSink{}
	r := NewNoteRunner(nil, sink)
	handle, err := r.Execute(context.Background(), domain.PlannedAction{
		Kind:   domain.KindArchive,
		Inputs: map[string]string{"source": "email", "source_id": "msg-1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sink.archived {
		t.Fatal("expected Archive to be called")
	}
	if handle == nil {
		t.Fatal("expected a compensation handle")
	}
	if err := handle.Rollback(context.Background()); err != nil {
		t.Fatalf("unexpected rollback error: %v", err)
	}
	if !sink.undoCalled {
		t.Fatal("expected rollback to invoke the sink's undo closure")
	}
}

func TestNoteRunner_PropagatesSinkFailure(t *testing.T) {
	sink := &fakeSink{failArchive: true}
	r := NewNoteRunner(nil, sink)
	_, err := r.Execute(context.Background(), domain.PlannedAction{
		Kind:   domain.KindArchive,
		Inputs: map[string]string{"source": "email", "source_id": "msg-1"},
	})
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestNoteRunner_CreateTaskUsesEmbeddedSummary(t *testing.T) {
	sink := &fakeSink{}
	r := NewNoteRunner(nil, sink)
	_, err := r.Execute(context.Background(), domain.PlannedAction{
		Kind:   domain.KindCreateTask,
		Inputs: map[string]string{"extraction": "0", "summary": "renew passport"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sink.tasksCreated != 1 {
		t.Fatalf("expected 1 task created, got %d", sink.tasksCreated)
	}
	if sink.lastTaskTitle != "renew passport" {
		t.Fatalf("expected task title %q, got %q", "renew passport", sink.lastTaskTitle)
	}
}

func TestNoteRunner_QueueForReviewIsNoop(t *testing.T) {
	r := NewNoteRunner(nil, &fakeSink{})
	handle, err := r.Execute(context.Background(), domain.PlannedAction{Kind: domain.KindQueueForReview})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle != nil {
		t.Fatal("expected no compensation handle for queue_for_review")
	}
}

func TestNoteRunner_Idempotent(t *testing.T) {
	r := NewNoteRunner(nil, &fakeSink{})
	if !r.Idempotent(domain.KindCreateNote) {
		t.Error("expected create_note to be idempotent")
	}
	if r.Idempotent(domain.KindDelete) {
		t.Error("expected delete to not be idempotent")
	}
}
