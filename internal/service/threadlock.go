package service

import "sync"

// threadLocks hands out one mutex per thread id so two events sharing a
// thread are never analyzed concurrently, while unrelated threads proceed
// in parallel (spec.md §5 "Ordering": "serialized through a per-thread
// lock held only during orchestration, not during I/O of unrelated
// events"). Locks are created lazily and never removed; the cognitive
// core's thread cardinality is bounded by a person's actual conversation
// count, not a concern at this scale.
type threadLocks struct {
	mu    sync.Mutex
	byKey map[string]*sync.Mutex
}

func newThreadLocks() *threadLocks {
	return &threadLocks{byKey: make(map[string]*sync.Mutex)}
}

func (t *threadLocks) lockFor(threadID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byKey[threadID]
	if !ok {
		m = &sync.Mutex{}
		t.byKey[threadID] = m
	}
	return m
}
