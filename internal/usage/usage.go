// Package usage counts tile accesses for the eviction scorer.
package usage

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

const numShards = 64

type Tracker struct {
	shards [numShards]shard
	max    atomic.Int64
}

type shard struct {
	mu sync.RWMutex
	m  map[string]int64
}

func New() *Tracker {
	t := &Tracker{}
	for i := range t.shards {
		t.shards[i].m = make(map[string]int64)
	}
	return t
}

// RecordAccess increments the count for key and raises the running max.
func (t *Tracker) RecordAccess(key string) {
	if key == "" {
		return
	}
	s := t.pick(key)
	s.mu.Lock()
	n := s.m[key] + 1
	s.m[key] = n
	s.mu.Unlock()

	for {
		cur := t.max.Load()
		if n <= cur || t.max.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (t *Tracker) AccessCount(key string) int64 {
	s := t.pick(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m[key]
}

func (t *Tracker) MaxAccessCount() int64 {
	return t.max.Load()
}

// Forget drops the counter of removed tiles. The running max is kept; it is a
// normalization bound, not an exact maximum of live keys.
func (t *Tracker) Forget(keys ...string) {
	for _, k := range keys {
		s := t.pick(k)
		s.mu.Lock()
		delete(s.m, k)
		s.mu.Unlock()
	}
}

func (t *Tracker) Reset() {
	for i := range t.shards {
		t.shards[i].mu.Lock()
		t.shards[i].m = make(map[string]int64)
		t.shards[i].mu.Unlock()
	}
	t.max.Store(0)
}

func (t *Tracker) Size() int {
	total := 0
	for i := range t.shards {
		t.shards[i].mu.RLock()
		total += len(t.shards[i].m)
		t.shards[i].mu.RUnlock()
	}
	return total
}

func (t *Tracker) pick(key string) *shard {
	h := xxhash.Sum64String(key)
	return &t.shards[h&(numShards-1)]
}
