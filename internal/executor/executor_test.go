package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fourvalet/valet/internal/domain"
)

type fakeHandle struct {
	id         string
	rolledBack *bool
	mu         *sync.Mutex
}

func (h fakeHandle) Rollback(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.rolledBack = true
	return nil
}

type fakeRunner struct {
	mu        sync.Mutex
	failID    string
	executed  []string
	rolledMap map[string]*bool
}

func newFakeRunner(failID string) *fakeRunner {
	return &fakeRunner{failID: failID, rolledMap: make(map[string]*bool)}
}

func (r *fakeRunner) Execute(ctx context.Context, a domain.PlannedAction) (CompensationHandle, error) {
	r.mu.Lock()
	r.executed = append(r.executed, a.ID)
	r.mu.Unlock()
	if a.ID == r.failID {
		return nil, errors.New("boom")
	}
	rolled := false
	r.mu.Lock()
	r.rolledMap[a.ID] = &rolled
	r.mu.Unlock()
	return fakeHandle{id: a.ID, rolledBack: &rolled, mu: &r.mu}, nil
}

func (r *fakeRunner) Idempotent(kind domain.ActionKind) bool { return false }

func TestRun_AllSucceed(t *testing.T) {
	runner := newFakeRunner("")
	ex := New(runner, 2, time.Second, nil)
	plan := domain.ActionPlan{Actions: []domain.PlannedAction{
		{ID: "a", Kind: domain.KindEnrichNote},
		{ID: "b", Kind: domain.KindCreateTask, DependsOn: []string{"a"}},
		{ID: "c", Kind: domain.KindArchive, DependsOn: []string{"a", "b"}},
	}}
	res := ex.Run(context.Background(), "evt-1", plan)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if len(res.Executed) != 3 {
		t.Fatalf("expected 3 executed actions, got %v", res.Executed)
	}
}

func TestRun_FailureTriggersReverseRollback(t *testing.T) {
	runner := newFakeRunner("c")
	ex := New(runner, 3, time.Second, nil)
	plan := domain.ActionPlan{Actions: []domain.PlannedAction{
		{ID: "a", Kind: domain.KindEnrichNote},
		{ID: "b", Kind: domain.KindCreateTask, DependsOn: []string{"a"}},
		{ID: "c", Kind: domain.KindArchive, DependsOn: []string{"a", "b"}},
	}}
	res := ex.Run(context.Background(), "evt-1", plan)
	if res.Err == nil {
		t.Fatal("expected an error")
	}
	if res.FailedAction != "c" {
		t.Fatalf("expected failed action c, got %s", res.FailedAction)
	}
	if len(res.RolledBack) != 2 {
		t.Fatalf("expected a and b rolled back, got %v", res.RolledBack)
	}
	for _, id := range []string{"a", "b"} {
		rolled := runner.rolledMap[id]
		if rolled == nil || !*rolled {
			t.Errorf("expected %s to be rolled back", id)
		}
	}
}
