package contextretrieval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fourvalet/valet/internal/domain"
)

type fakeSource struct {
	byEntity map[string][]domain.Note
	semantic []SemanticMatch
	byText   map[string][]domain.Note
}

func (f *fakeSource) ByEntity(_ context.Context, entityType domain.EntityType, value string, k int) ([]domain.Note, error) {
	notes := f.byEntity[string(entityType)+":"+value]
	if len(notes) > k {
		notes = notes[:k]
	}
	return notes, nil
}

func (f *fakeSource) SearchSemantic(_ context.Context, query string, k int) ([]SemanticMatch, error) {
	matches := f.semantic
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (f *fakeSource) SearchText(_ context.Context, query string, k int) ([]domain.Note, error) {
	notes := f.byText[query]
	if len(notes) > k {
		notes = notes[:k]
	}
	return notes, nil
}

func note(id string, updated time.Time) domain.Note {
	return domain.Note{ID: id, UpdatedAt: updated, Sections: []domain.Section{{Body: "snippet for " + id}}}
}

func TestRetrieveComposesWeightedPoolsAndDedups(t *testing.T) {
	now := time.Now()
	src := &fakeSource{
		byEntity: map[string][]domain.Note{
			"person:alice@example.com": {note("n1", now), note("n2", now.Add(-time.Hour))},
		},
		semantic: []SemanticMatch{{NoteID: "n1", Score: 0.9}},
		byText:   map[string][]domain.Note{"n1": {note("n1", now)}},
	}
	r := NewRetriever(src, DefaultWeights())

	items, err := r.Retrieve(context.Background(), Request{
		Entities:      []domain.Entity{{Type: domain.EntityPerson, Value: "alice@example.com"}},
		SemanticQuery: "budget review",
		TopK:          5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, items)
	assert.Equal(t, "n1", items[0].NoteID)
	assert.Equal(t, "mixed", items[0].Source)
	assert.Greater(t, items[0].Score, 0.4)
}

func TestRetrieveDropsBelowMinRelevance(t *testing.T) {
	src := &fakeSource{
		byEntity: map[string][]domain.Note{
			"project:atlas": {note("low", time.Now())},
		},
	}
	r := NewRetriever(src, DefaultWeights())

	items, err := r.Retrieve(context.Background(), Request{
		Entities:     []domain.Entity{{Type: domain.EntityProject, Value: "atlas"}},
		MinRelevance: 0.9,
	})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRetrieveTopKLimitsResults(t *testing.T) {
	now := time.Now()
	notes := make([]domain.Note, 0, 8)
	for i := 0; i < 8; i++ {
		notes = append(notes, note(string(rune('a'+i)), now.Add(-time.Duration(i)*time.Minute)))
	}
	src := &fakeSource{byEntity: map[string][]domain.Note{"project:x": notes}}
	r := NewRetriever(src, DefaultWeights())

	items, err := r.Retrieve(context.Background(), Request{
		Entities:     []domain.Entity{{Type: domain.EntityProject, Value: "x"}},
		KPerPool:     8,
		TopK:         3,
		MinRelevance: 0,
	})
	require.NoError(t, err)
	assert.Len(t, items, 3)
}

func TestRetrieveTieBreaksByRecencyThenID(t *testing.T) {
	now := time.Now()
	src := &fakeSource{
		byEntity: map[string][]domain.Note{
			"project:x": {note("b", now)},
			"project:y": {note("a", now)},
		},
	}
	r := NewRetriever(src, DefaultWeights())

	items, err := r.Retrieve(context.Background(), Request{
		Entities: []domain.Entity{
			{Type: domain.EntityProject, Value: "x"},
			{Type: domain.EntityProject, Value: "y"},
		},
		MinRelevance: 0,
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, items[0].Score, items[1].Score)
	assert.Equal(t, "a", items[0].NoteID)
}
