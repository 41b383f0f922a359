package knowledge

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

const notesCollection = "notes"

// VectorIndex wraps a chromem-go collection with the rebuild-and-swap
// discipline spec.md §4.3 requires: "on index rebuild, all notes are
// re-embedded and the index is atomically swapped". Grounded on
// quanticsoul4772-unified-thinking/internal/knowledge/vector_store.go,
// narrowed to the single "notes" collection this store needs.
type VectorIndex struct {
	mu       sync.RWMutex
	db       *chromem.DB
	embedder Embedder
}

// NewVectorIndex builds an in-memory index. persistPath, when non-empty,
// makes it durable across restarts.
func NewVectorIndex(persistPath string, embedder Embedder) (*VectorIndex, error) {
	var db *chromem.DB
	var err error
	if persistPath != "" {
		db, err = chromem.NewPersistentDB(persistPath, false)
	} else {
		db = chromem.NewDB()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create vector db: %w", err)
	}
	if _, err := db.CreateCollection(notesCollection, nil, nil); err != nil {
		return nil, fmt.Errorf("failed to create notes collection: %w", err)
	}
	return &VectorIndex{db: db, embedder: embedder}, nil
}

// Upsert (re)embeds and stores a note's searchable text, keyed by note id.
func (v *VectorIndex) Upsert(ctx context.Context, noteID, text string, metadata map[string]string) error {
	embedding, err := v.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("failed to embed note %s: %w", noteID, err)
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	coll := v.db.GetCollection(notesCollection, nil)
	return coll.AddDocument(ctx, chromem.Document{
		ID: noteID, Content: text, Metadata: metadata, Embedding: embedding,
	})
}

// Delete removes a note from the index (called on soft_delete so it stops
// surfacing in semantic search without touching the version log).
func (v *VectorIndex) Delete(ctx context.Context, noteID string) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	coll := v.db.GetCollection(notesCollection, nil)
	return coll.Delete(ctx, nil, nil, noteID)
}

// SearchResult is one semantic match.
type SearchResult struct {
	NoteID     string
	Similarity float64
}

// Search embeds the query and returns up to k nearest notes.
func (v *VectorIndex) Search(ctx context.Context, query string, k int) ([]SearchResult, error) {
	if k <= 0 {
		k = 10
	}
	embedding, err := v.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	v.mu.RLock()
	coll := v.db.GetCollection(notesCollection, nil)
	v.mu.RUnlock()
	if coll == nil || coll.Count() == 0 {
		return nil, nil
	}
	limit := k
	if count := coll.Count(); limit > count {
		limit = count
	}
	results, err := coll.QueryEmbedding(ctx, embedding, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("semantic search failed: %w", err)
	}
	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		out = append(out, SearchResult{NoteID: r.ID, Similarity: float64(r.Similarity)})
	}
	return out, nil
}

// Rebuild replaces the entire index with a freshly embedded set of
// documents under the write lock, so readers never see a half-rebuilt
// collection.
func (v *VectorIndex) Rebuild(ctx context.Context, docs map[string]string) error {
	fresh := chromem.NewDB()
	coll, err := fresh.CreateCollection(notesCollection, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to create rebuild collection: %w", err)
	}
	for id, text := range docs {
		embedding, err := v.embedder.Embed(ctx, text)
		if err != nil {
			return fmt.Errorf("failed to embed note %s during rebuild: %w", id, err)
		}
		if err := coll.AddDocument(ctx, chromem.Document{ID: id, Content: text, Embedding: embedding}); err != nil {
			return fmt.Errorf("failed to add note %s during rebuild: %w", id, err)
		}
	}

	v.mu.Lock()
	v.db = fresh
	v.mu.Unlock()
	return nil
}
