package crosssource

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultAdapterTimeout is the per-adapter budget from spec.md §4.5.
const DefaultAdapterTimeout = 10 * time.Second

// MaxTotalResults caps the deduplicated result set (spec.md §4.5: "cap at 50").
const MaxTotalResults = 50

// Request is the input to Search.
type Request struct {
	Query             string
	PreferredSources  []string // empty means "all registered"
	ExcludeSources    []string
	IncludeWeb        bool
	MaxPerSource      int
	Options           SearchOptions
}

// Response is Search's output.
type Response struct {
	Results       []Result
	SourcesFailed []string
}

// Engine fans a query out to every enabled adapter in parallel under a
// shared per-adapter deadline, scores and dedups the results, and caches
// the response. Grounded on the teacher's pkg/mcp/router.go dispatch
// pattern, generalized from "route by tool name" to "fan out to every
// enabled source".
type Engine struct {
	adapters map[string]SourceAdapter
	timeout  time.Duration
	cache    *ttlCache
}

// NewEngine builds an Engine over a set of registered adapters.
func NewEngine(adapters []SourceAdapter, timeout time.Duration, cacheTTL time.Duration, cacheMaxEntries int) *Engine {
	if timeout <= 0 {
		timeout = DefaultAdapterTimeout
	}
	byName := make(map[string]SourceAdapter, len(adapters))
	for _, a := range adapters {
		byName[a.SourceName()] = a
	}
	return &Engine{adapters: byName, timeout: timeout, cache: newTTLCache(cacheTTL, cacheMaxEntries)}
}

// Search executes the fan-out described in spec.md §4.5.
func (e *Engine) Search(ctx context.Context, req Request) (Response, error) {
	enabled := e.enabledAdapters(req)
	cacheKey := buildCacheKey(req.Query, enabled)
	if cached, ok := e.cache.get(cacheKey); ok {
		return cached, nil
	}

	maxPerSource := req.MaxPerSource
	if maxPerSource <= 0 {
		maxPerSource = MaxTotalResults
	}

	mu := &resultsMu{}

	g, gctx := errgroup.WithContext(ctx)
	for name, adapter := range enabled {
		name, adapter := name, adapter
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, e.timeout)
			defer cancel()

			if !adapter.IsAvailable(callCtx) {
				mu.addFailed(name)
				return nil
			}
			results, err := adapter.Search(callCtx, req.Query, maxPerSource, req.Options)
			if err != nil {
				mu.addFailed(name)
				return nil
			}
			mu.addResults(results)
			return nil
		})
	}
	// errgroup.Wait only returns an error if a Go func returns one; every
	// adapter failure is captured as sources_failed instead, so results
	// from surviving adapters are never discarded because one adapter
	// errored (spec.md §4.5: "results from timed-out or failing adapters
	// are reported in sources_failed; surviving adapters contribute").
	_ = g.Wait()

	scored := scoreAndDedup(mu.results, time.Now())
	resp := Response{Results: scored, SourcesFailed: mu.failedNames()}

	e.cache.put(cacheKey, resp)
	return resp, nil
}

func (e *Engine) enabledAdapters(req Request) map[string]SourceAdapter {
	exclude := toSet(req.ExcludeSources)
	var names []string
	if len(req.PreferredSources) > 0 {
		names = req.PreferredSources
	} else {
		for name := range e.adapters {
			names = append(names, name)
		}
	}

	out := make(map[string]SourceAdapter)
	for _, name := range names {
		if exclude[name] {
			continue
		}
		if name == "web" && !req.IncludeWeb {
			continue
		}
		if adapter, ok := e.adapters[name]; ok {
			out[name] = adapter
		}
	}
	return out
}

func toSet(xs []string) map[string]bool {
	set := make(map[string]bool, len(xs))
	for _, x := range xs {
		set[x] = true
	}
	return set
}

// scoreAndDedup scores every result, deduplicates by (source, identifier)
// keeping the highest-scoring copy, sorts by score, and caps at
// MaxTotalResults.
func scoreAndDedup(results []Result, now time.Time) []Result {
	type scored struct {
		result Result
		score  float64
	}
	byKey := make(map[string]scored)
	for _, r := range results {
		key := r.Source + "|" + r.Identifier
		score := clampUnit(r.Relevance) * sourceWeight(r.Source) * freshnessDecay(r.OccurredAt, now)
		if existing, ok := byKey[key]; !ok || score > existing.score {
			byKey[key] = scored{result: r, score: score}
		}
	}

	out := make([]Result, 0, len(byKey))
	for _, s := range byKey {
		r := s.result
		r.Relevance = s.score
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Relevance != out[j].Relevance {
			return out[i].Relevance > out[j].Relevance
		}
		return out[i].Identifier < out[j].Identifier
	})
	if len(out) > MaxTotalResults {
		out = out[:MaxTotalResults]
	}
	return out
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

// resultsMu guards concurrent adapter goroutines appending results/failures.
type resultsMu struct {
	results []Result
	failed  []string
	mu      sync.Mutex
}

func (r *resultsMu) addResults(rs []Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, rs...)
}

func (r *resultsMu) addFailed(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, name)
}

func (r *resultsMu) failedNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.failed...)
}
