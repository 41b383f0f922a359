// Package contextretrieval implements C4: composing a ranked context
// window for the orchestrator out of the knowledge store's entity,
// semantic, and thread pools (spec.md §4.4).
package contextretrieval

import (
	"context"
	"sort"

	"github.com/fourvalet/valet/internal/domain"
)

// NoteSource is the subset of the knowledge store's read surface this
// package needs, kept narrow so it can be mocked without pulling in
// Postgres or chromem-go.
type NoteSource interface {
	ByEntity(ctx context.Context, entityType domain.EntityType, value string, k int) ([]domain.Note, error)
	SearchSemantic(ctx context.Context, query string, k int) ([]SemanticMatch, error)
	SearchText(ctx context.Context, query string, k int) ([]domain.Note, error)
}

// SemanticMatch mirrors knowledge.ContextMatch without importing that
// package, keeping contextretrieval decoupled from the store's internals.
type SemanticMatch struct {
	NoteID string
	Score  float64
}

// Weights are the fixed pool-combination weights from spec.md §4.4:
// entity 0.4, semantic 0.4, thread 0.2.
type Weights struct {
	Entity   float64
	Semantic float64
	Thread   float64
}

// DefaultWeights matches the spec's fixed composition.
func DefaultWeights() Weights { return Weights{Entity: 0.4, Semantic: 0.4, Thread: 0.2} }

// Request is the input to Retrieve.
type Request struct {
	Entities       []domain.Entity
	SemanticQuery  string // empty means "no semantic pool"
	ThreadID       string // empty means "no thread pool"
	KPerPool       int    // per-pool candidate fan-out, e.g. 10
	TopK           int    // final result count, default 5
	MinRelevance   float64
}

// Retriever composes the three candidate pools into one ranked list.
type Retriever struct {
	notes   NoteSource
	weights Weights
}

// NewRetriever builds a Retriever over a NoteSource with the given pool
// weights (use DefaultWeights() unless a caller has a reason not to).
func NewRetriever(notes NoteSource, weights Weights) *Retriever {
	return &Retriever{notes: notes, weights: weights}
}

// Retrieve runs the algorithm from spec.md §4.4: collect E/S/T pools, score
// each candidate, deduplicate by note id keeping the max score, drop below
// min_relevance, return top-k tie-broken by recency then id.
func (r *Retriever) Retrieve(ctx context.Context, req Request) ([]domain.ContextItem, error) {
	kPerPool := req.KPerPool
	if kPerPool <= 0 {
		kPerPool = 10
	}
	topK := req.TopK
	if topK <= 0 {
		topK = 5
	}
	minRelevance := req.MinRelevance
	if minRelevance == 0 {
		minRelevance = 0.3
	}

	type candidate struct {
		note    domain.Note
		score   float64
		sources map[string]bool
		pools   map[string]float64
	}
	byID := make(map[string]*candidate)

	// upsert keeps the best weighted score per pool for a note and sums the
	// pools, so a note hit twice within one pool is counted once.
	upsert := func(note domain.Note, poolScore, weight float64, pool string) {
		weighted := poolScore * weight
		c, ok := byID[note.ID]
		if !ok {
			c = &candidate{note: note, sources: map[string]bool{}, pools: map[string]float64{}}
			byID[note.ID] = c
		}
		c.sources[pool] = true
		if prev, seen := c.pools[pool]; seen && prev >= weighted {
			return
		}
		c.score += weighted - c.pools[pool]
		c.pools[pool] = weighted
	}

	for _, e := range req.Entities {
		notes, err := r.notes.ByEntity(ctx, e.Type, e.Value, kPerPool)
		if err != nil {
			return nil, err
		}
		for i, n := range notes {
			upsert(n, rankScore(i, len(notes)), r.weights.Entity, "entity")
		}
	}

	if req.SemanticQuery != "" {
		matches, err := r.notes.SearchSemantic(ctx, req.SemanticQuery, kPerPool)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			note, err := r.resolveNote(ctx, m.NoteID)
			if err != nil {
				continue
			}
			upsert(note, clampUnit(m.Score), r.weights.Semantic, "semantic")
		}
	}

	if req.ThreadID != "" {
		notes, err := r.notes.SearchText(ctx, "thread:"+req.ThreadID, kPerPool)
		if err != nil {
			return nil, err
		}
		for i, n := range notes {
			upsert(n, rankScore(i, len(notes)), r.weights.Thread, "thread")
		}
	}

	items := make([]domain.ContextItem, 0, len(byID))
	for _, c := range byID {
		score := clampUnit(c.score)
		if score < minRelevance {
			continue
		}
		items = append(items, domain.ContextItem{
			NoteID: c.note.ID, Source: poolLabel(c.sources), Score: score,
			Snippet: snippet(c.note), UpdatedAt: c.note.UpdatedAt,
		})
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		if !items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].UpdatedAt.After(items[j].UpdatedAt)
		}
		return items[i].NoteID < items[j].NoteID
	})

	if len(items) > topK {
		items = items[:topK]
	}
	return items, nil
}

// resolveNote looks a semantic hit's note up by id via a text search scan.
// The knowledge store doesn't expose a bare Get through NoteSource (kept
// narrow for testability), so semantic hits without a companion entity or
// thread hit degrade to a score-only item; callers that need the full
// domain.Note should widen NoteSource with a Get method if they need it.
func (r *Retriever) resolveNote(ctx context.Context, noteID string) (domain.Note, error) {
	notes, err := r.notes.SearchText(ctx, noteID, 1)
	if err != nil {
		return domain.Note{}, err
	}
	for _, n := range notes {
		if n.ID == noteID {
			return n, nil
		}
	}
	return domain.Note{ID: noteID}, nil
}

// rankScore derives a pool score in [0,1] from a candidate's rank position
// within its pool, since ByEntity/SearchText return ordered ids rather
// than scores: first place scores 1.0, decaying toward 0 across the pool.
func rankScore(index, poolSize int) float64 {
	if poolSize <= 1 {
		return 1
	}
	return 1 - float64(index)/float64(poolSize)
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func poolLabel(sources map[string]bool) string {
	if len(sources) > 1 {
		return "mixed"
	}
	for s := range sources {
		return s
	}
	return ""
}

func snippet(n domain.Note) string {
	body := n.Body()
	const maxLen = 280
	if len(body) <= maxLen {
		return body
	}
	return body[:maxLen] + "…"
}
