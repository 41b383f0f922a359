package service

import (
	"context"

	"github.com/fourvalet/valet/internal/contextretrieval"
	"github.com/fourvalet/valet/internal/domain"
)

// contextAdapter implements orchestrator.ContextProvider over a
// *contextretrieval.Retriever, translating a PerceivedEvent into a
// contextretrieval.Request (spec.md §4.4's three candidate pools).
type contextAdapter struct {
	retriever *contextretrieval.Retriever
	topK      int
	minRel    float64
	kPerPool  int
}

// NewContextAdapter builds the orchestrator.ContextProvider a composition
// root wires C4 through, from the top_k and min_relevance values the caller
// passes; a non-positive topK becomes 5 and a non-positive kPerPool becomes
// twice topK.
func NewContextAdapter(retriever *contextretrieval.Retriever, topK int, minRelevance float64, kPerPool int) *contextAdapter {
	if topK <= 0 {
		topK = 5
	}
	if kPerPool <= 0 {
		kPerPool = topK * 2
	}
	return &contextAdapter{retriever: retriever, topK: topK, minRel: minRelevance, kPerPool: kPerPool}
}

func (a *contextAdapter) Retrieve(ctx context.Context, evt domain.PerceivedEvent) ([]domain.ContextItem, error) {
	req := contextretrieval.Request{
		Entities:      evt.Entities,
		SemanticQuery: evt.Subject + "\n" + evt.BodyPlain,
		KPerPool:      a.kPerPool,
		TopK:          a.topK,
		MinRelevance:  a.minRel,
	}
	if evt.ThreadID != nil {
		req.ThreadID = *evt.ThreadID
	}
	return a.retriever.Retrieve(ctx, req)
}
