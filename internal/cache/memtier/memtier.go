// Package memtier is the bounded, TTL-aware LRU hot tier of the tile cache.
package memtier

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mohammed-shakir/offline-tile-cache/internal/cache"
	"github.com/mohammed-shakir/offline-tile-cache/internal/core/model"
)

type Tier struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, *model.CachedTile]
	now func() time.Time

	capacity  atomic.Int64
	bytes     atomic.Int64
	evictions atomic.Int64

	// keys the tier is removing itself; the callback records their size
	// here instead of counting an eviction
	rmu      sync.Mutex
	removing map[string]int64

	onEvict func(key string, size int64)
}

var _ cache.MemoryTier = (*Tier)(nil)

type Option func(*Tier)

func WithClock(now func() time.Time) Option {
	return func(t *Tier) { t.now = now }
}

// WithEvictHook is called for every capacity or TTL eviction.
func WithEvictHook(fn func(key string, size int64)) Option {
	return func(t *Tier) { t.onEvict = fn }
}

// New builds a tier holding at most capacity tiles, each for at most ttl.
// ttl <= 0 disables expiry.
func New(capacity int, ttl time.Duration, opts ...Option) *Tier {
	if capacity <= 0 {
		capacity = 1
	}
	t := &Tier{now: time.Now, removing: make(map[string]int64)}
	for _, o := range opts {
		o(t)
	}
	t.capacity.Store(int64(capacity))
	t.lru = expirable.NewLRU[string, *model.CachedTile](capacity, t.evicted, ttl)
	return t
}

func (t *Tier) evicted(key string, v *model.CachedTile) {
	size := int64(0)
	if v != nil {
		size = v.Size
	}
	t.bytes.Add(-size)
	t.rmu.Lock()
	if _, ok := t.removing[key]; ok {
		t.removing[key] = size
		t.rmu.Unlock()
		return
	}
	t.rmu.Unlock()
	t.evictions.Add(1)
	if t.onEvict != nil {
		t.onEvict(key, size)
	}
}

// Get returns a copy of the tile and records the read on the resident entry.
func (t *Tier) Get(key string) (model.CachedTile, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.lru.Get(key)
	if !ok || p == nil {
		return model.CachedTile{}, false
	}
	p.Touch(t.now())
	return *p, true
}

// Peek does not touch recency.
func (t *Tier) Peek(key string) (model.CachedTile, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.lru.Peek(key)
	if !ok || p == nil {
		return model.CachedTile{}, false
	}
	return *p, true
}

func (t *Tier) Add(tile model.CachedTile) {
	if tile.Size <= 0 {
		tile.Size = int64(len(tile.Data))
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	// Contains also sees expired entries the sweep has not reached yet;
	// expirable.Add would overwrite those without calling back.
	if t.lru.Contains(tile.Key) {
		t.remove(tile.Key)
	}
	t.bytes.Add(tile.Size)
	t.lru.Add(tile.Key, &tile)
}

// remove drops key without counting an eviction and returns the freed size.
// Caller holds t.mu.
func (t *Tier) remove(key string) (int64, bool) {
	t.rmu.Lock()
	t.removing[key] = 0
	t.rmu.Unlock()

	ok := t.lru.Remove(key)

	t.rmu.Lock()
	size := t.removing[key]
	delete(t.removing, key)
	t.rmu.Unlock()
	return size, ok
}

func (t *Tier) Remove(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.remove(key)
	return ok
}

func (t *Tier) EvictColdest(n int) (int, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tiles, freed := 0, int64(0)
	for _, key := range t.lru.Keys() {
		if tiles >= n {
			break
		}
		size, ok := t.remove(key)
		if !ok {
			continue
		}
		tiles++
		freed += size
	}
	return tiles, freed
}

// Resize changes capacity immediately; overflow is evicted in LRU order.
func (t *Tier) Resize(capacity int) int {
	if capacity <= 0 {
		capacity = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.capacity.Store(int64(capacity))
	return t.lru.Resize(capacity)
}

func (t *Tier) Capacity() int { return int(t.capacity.Load()) }

func (t *Tier) Len() int { return t.lru.Len() }

func (t *Tier) Bytes() int64 { return t.bytes.Load() }

// Evictions counts capacity and TTL evictions since construction.
func (t *Tier) Evictions() int64 { return t.evictions.Load() }

// Keys lists resident keys from oldest to newest.
func (t *Tier) Keys() []string { return t.lru.Keys() }

// Purge removes every live entry. Expired entries still waiting for the
// sweep are dropped as TTL evictions.
func (t *Tier) Purge() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, key := range t.lru.Keys() {
		t.remove(key)
	}
	t.lru.Purge()
}
