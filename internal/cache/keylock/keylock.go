// Package keylock serializes operations on the same tile key while letting
// different keys proceed in parallel.
package keylock

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const numShards = 32

type Locker struct {
	shards [numShards]shard
}

type shard struct {
	mu sync.Mutex
	m  map[string]*entry
}

type entry struct {
	// buffered(1): holding the token means holding the key
	ch   chan struct{}
	refs int
}

func New() *Locker {
	l := &Locker{}
	for i := range l.shards {
		l.shards[i].m = make(map[string]*entry)
	}
	return l
}

// Lock blocks until key is free or ctx is done. The returned func releases
// the key and must be called exactly once.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	s := l.pick(key)

	s.mu.Lock()
	e := s.m[key]
	if e == nil {
		e = &entry{ch: make(chan struct{}, 1)}
		s.m[key] = e
	}
	e.refs++
	s.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(s, key, e, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(s, key, e, true) })
	}, nil
}

func (l *Locker) release(s *shard, key string, e *entry, held bool) {
	if held {
		<-e.ch
	}
	s.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(s.m, key)
	}
	s.mu.Unlock()
}

// Held reports the number of keys with a holder or waiter.
func (l *Locker) Held() int {
	n := 0
	for i := range l.shards {
		l.shards[i].mu.Lock()
		n += len(l.shards[i].m)
		l.shards[i].mu.Unlock()
	}
	return n
}

func (l *Locker) pick(key string) *shard {
	return &l.shards[xxhash.Sum64String(key)%numShards]
}
