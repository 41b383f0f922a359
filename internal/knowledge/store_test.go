package knowledge

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
)

// initSchemaSQL mirrors pkg/database/migrations/000001_init.up.sql; kept
// inline so this package's tests don't need to embed the database
// package's migration runner just to stand up a schema.
const initSchemaSQL = `
CREATE TABLE notes (
    id TEXT PRIMARY KEY, type TEXT NOT NULL, path TEXT NOT NULL DEFAULT '',
    current_version INTEGER NOT NULL DEFAULT 0, ease_factor DOUBLE PRECISION NOT NULL DEFAULT 2.5,
    interval_days INTEGER NOT NULL DEFAULT 0, repetitions INTEGER NOT NULL DEFAULT 0,
    next_review_at TIMESTAMPTZ, last_reviewed_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(), updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    deleted_at TIMESTAMPTZ
);
CREATE TABLE note_versions (
    note_id TEXT NOT NULL REFERENCES notes (id) ON DELETE CASCADE, version INTEGER NOT NULL,
    frontmatter JSONB NOT NULL DEFAULT '{}', body TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(), PRIMARY KEY (note_id, version)
);
CREATE TABLE note_entity_links (
    note_id TEXT NOT NULL REFERENCES notes (id) ON DELETE CASCADE,
    entity_type TEXT NOT NULL, entity_value TEXT NOT NULL,
    PRIMARY KEY (note_id, entity_type, entity_value)
);
`

func newTestStore(t *testing.T) *Store {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
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

	index, err := NewVectorIndex("", NewHashingEmbedder(64))
	require.NoError(t, err)

	return NewStore(t.TempDir(), newRepository(db), index)
}

func TestStoreCreateThenGetRoundTrips(t *testing.T) {
	t.Skip("requires a running Docker daemon for the Postgres testcontainer")

	store := newTestStore(t)
	ctx := context.Background()

	note, err := store.Create(ctx, "people", domain.Frontmatter{Title: "Bob", Type: domain.NoteTypePerson}, []domain.Section{{Body: "first note"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, note.Version)

	got, err := store.Get(ctx, note.ID)
	require.NoError(t, err)
	assert.Equal(t, "Bob", got.Frontmatter.Title)
}

func TestStoreUpdateProducesNewVersionAndPreservesOld(t *testing.T) {
	t.Skip("requires a running Docker daemon for the Postgres testcontainer")

	store := newTestStore(t)
	ctx := context.Background()

	note, err := store.Create(ctx, "people", domain.Frontmatter{Title: "Carol", Type: domain.NoteTypePerson}, []domain.Section{{Body: "v1"}}, nil)
	require.NoError(t, err)

	updated, err := store.Update(ctx, note.ID, EditSpec{Sections: []domain.Section{{Body: "v2"}}})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)

	versions, err := store.ListVersions(ctx, note.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "v1", versions[0].Content.Body())
	assert.Equal(t, "v2", versions[1].Content.Body())
}

func TestStoreSoftDeleteExcludesFromSearch(t *testing.T) {
	t.Skip("requires a running Docker daemon for the Postgres testcontainer")

	store := newTestStore(t)
	ctx := context.Background()

	note, err := store.Create(ctx, "topics", domain.Frontmatter{Title: "Roadmap", Type: domain.NoteTypeTopic}, []domain.Section{{Body: "quarterly plan"}}, nil)
	require.NoError(t, err)

	require.NoError(t, store.SoftDelete(ctx, note.ID))

	got, err := store.Get(ctx, note.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted())

	results, err := store.SearchSemantic(ctx, "quarterly plan", 5)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, note.ID, r.NoteID)
	}
}
