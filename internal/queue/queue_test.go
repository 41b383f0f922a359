package queue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fourvalet/valet/internal/domain"
	"github.com/fourvalet/valet/internal/executor"
)

const initSchemaSQL = `
CREATE TABLE queue_items (
    id TEXT PRIMARY KEY, source TEXT NOT NULL, source_id TEXT NOT NULL, status TEXT NOT NULL,
    action_kind TEXT NOT NULL, risk DOUBLE PRECISION NOT NULL, confidence DOUBLE PRECISION NOT NULL,
    payload JSONB NOT NULL DEFAULT '{}', snoozed_until TIMESTAMPTZ, last_error TEXT, undo_token JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(), updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (source, source_id)
);
`

type fakeExecutor struct {
	result executor.Result
}

func (f fakeExecutor) Run(ctx context.Context, correlationID string, plan domain.ActionPlan) executor.Result {
	return f.result
}

func newTestQueue(t *testing.T, exec Executor) *Queue {
	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test"), postgres.WithUsername("test"), postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.ExecContext(ctx, initSchemaSQL)
	require.NoError(t, err)

	return New(db, exec, nil, time.Minute)
}

func TestEnqueueDeduplicatesBySourceID(t *testing.T) {
	t.Skip("requires a running Docker daemon for the Postgres testcontainer")

	q := newTestQueue(t, fakeExecutor{})
	ctx := context.Background()

	item1, err := q.Enqueue(ctx, domain.SourceEmail, "evt-1", nil, domain.WorkingMemory{})
	require.NoError(t, err)
	item2, err := q.Enqueue(ctx, domain.SourceEmail, "evt-1", nil, domain.WorkingMemory{})
	require.NoError(t, err)
	assert.Equal(t, item1.ID, item2.ID)
}

func TestApproveThenUndoReturnsToPending(t *testing.T) {
	t.Skip("requires a running Docker daemon for the Postgres testcontainer")

	exec := fakeExecutor{result: executor.Result{Handles: map[string]executor.CompensationHandle{}}}
	q := newTestQueue(t, exec)
	ctx := context.Background()

	opt := domain.Option{ID: "opt-1", Plan: domain.ActionPlan{Actions: []domain.PlannedAction{{ID: "a", Kind: domain.KindArchive}}}}
	item, err := q.Enqueue(ctx, domain.SourceEmail, "evt-2", []domain.Option{opt}, domain.WorkingMemory{})
	require.NoError(t, err)

	tok, err := q.Approve(ctx, item.ID, "opt-1")
	require.NoError(t, err)
	assert.True(t, tok.Valid(time.Now()))

	require.NoError(t, q.Undo(ctx, item.ID, nil))

	got, err := q.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
}
