package crosssource

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	name      string
	available bool
	results   []Result
	err       error
	delay     time.Duration
}

func (s *stubAdapter) SourceName() string { return s.name }

func (s *stubAdapter) IsAvailable(context.Context) bool { return s.available }

func (s *stubAdapter) Search(ctx context.Context, query string, maxResults int, opts SearchOptions) ([]Result, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

func TestSearchMergesAndScoresAcrossAdapters(t *testing.T) {
	now := time.Now()
	archive := &stubAdapter{name: "archive", available: true, results: []Result{
		{Source: "archive", Identifier: "a1", Title: "Budget email", Relevance: 0.9, OccurredAt: now},
	}}
	chat := &stubAdapter{name: "chat", available: true, results: []Result{
		{Source: "chat", Identifier: "c1", Title: "Budget chat", Relevance: 0.9, OccurredAt: now},
	}}
	engine := NewEngine([]SourceAdapter{archive, chat}, time.Second, time.Minute, 10)

	resp, err := engine.Search(context.Background(), Request{Query: "budget"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Empty(t, resp.SourcesFailed)
	// archive's source weight (1.0) beats chat's (0.85) at equal adapter relevance.
	assert.Equal(t, "a1", resp.Results[0].Identifier)
}

func TestSearchReportsFailingAdaptersWithoutDroppingOthers(t *testing.T) {
	ok := &stubAdapter{name: "archive", available: true, results: []Result{
		{Source: "archive", Identifier: "a1", Relevance: 0.8, OccurredAt: time.Now()},
	}}
	broken := &stubAdapter{name: "mail", available: true, err: errors.New("boom")}
	unavailable := &stubAdapter{name: "chat", available: false}

	engine := NewEngine([]SourceAdapter{ok, broken, unavailable}, time.Second, time.Minute, 10)
	resp, err := engine.Search(context.Background(), Request{Query: "anything"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.ElementsMatch(t, []string{"mail", "chat"}, resp.SourcesFailed)
}

func TestSearchHonorsPerAdapterTimeout(t *testing.T) {
	slow := &stubAdapter{name: "web", available: true, delay: 50 * time.Millisecond}
	engine := NewEngine([]SourceAdapter{slow}, 5*time.Millisecond, time.Minute, 10)

	resp, err := engine.Search(context.Background(), Request{Query: "q", IncludeWeb: true})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Equal(t, []string{"web"}, resp.SourcesFailed)
}

func TestSearchExcludesWebByDefault(t *testing.T) {
	web := &stubAdapter{name: "web", available: true, results: []Result{
		{Source: "web", Identifier: "w1", Relevance: 0.9, OccurredAt: time.Now()},
	}}
	engine := NewEngine([]SourceAdapter{web}, time.Second, time.Minute, 10)

	resp, err := engine.Search(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Empty(t, resp.SourcesFailed)
}

func TestSearchDedupsByIdentifierKeepingHighestScore(t *testing.T) {
	now := time.Now()
	a := &stubAdapter{name: "archive", available: true, results: []Result{
		{Source: "archive", Identifier: "dup", Relevance: 0.5, OccurredAt: now},
	}}
	b := &stubAdapter{name: "mail", available: true, results: []Result{
		{Source: "archive", Identifier: "dup", Relevance: 0.95, OccurredAt: now},
	}}
	engine := NewEngine([]SourceAdapter{a, b}, time.Second, time.Minute, 10)

	resp, err := engine.Search(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.InDelta(t, 0.95, resp.Results[0].Relevance, 1e-9)
}

func TestSearchCachesResponseByQueryAndEnabledSources(t *testing.T) {
	calls := 0
	adapter := &stubAdapter{name: "archive", available: true, results: []Result{
		{Source: "archive", Identifier: "a1", Relevance: 0.8, OccurredAt: time.Now()},
	}}
	counting := &countingAdapter{SourceAdapter: adapter, calls: &calls}
	engine := NewEngine([]SourceAdapter{counting}, time.Second, time.Minute, 10)

	_, err := engine.Search(context.Background(), Request{Query: "budget"})
	require.NoError(t, err)
	_, err = engine.Search(context.Background(), Request{Query: "budget"})
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
}

func TestTTLCacheEvictsOldestWhenFull(t *testing.T) {
	c := newTTLCache(time.Minute, 2)
	c.put("a", Response{SourcesFailed: []string{"a"}})
	time.Sleep(time.Millisecond)
	c.put("b", Response{SourcesFailed: []string{"b"}})
	time.Sleep(time.Millisecond)
	c.put("c", Response{SourcesFailed: []string{"c"}})

	_, ok := c.get("a")
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = c.get("c")
	assert.True(t, ok)
}

func TestTTLCacheExpiresEntries(t *testing.T) {
	c := newTTLCache(time.Millisecond, 10)
	c.put("a", Response{})
	time.Sleep(5 * time.Millisecond)
	_, ok := c.get("a")
	assert.False(t, ok)
}

type countingAdapter struct {
	SourceAdapter
	calls *int
}

func (c *countingAdapter) Search(ctx context.Context, query string, maxResults int, opts SearchOptions) ([]Result, error) {
	*c.calls++
	return c.SourceAdapter.Search(ctx, query, maxResults, opts)
}
