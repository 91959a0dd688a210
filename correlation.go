package msgrpc

import (
	"sync"
	"sync/atomic"
)

const correlationShards = 16

type correlationKey interface {
	~int32 | ~uint64
}

type correlationShard[K correlationKey, V any] struct {
	mu sync.Mutex
	m  map[K]V
}

// correlationTable maps a call identifier to whatever must be invoked when
// that call resolves. Entries are inserted once and removed exactly once,
// by whichever path (response, error, timeout, shutdown drain) gets to
// them first.
type correlationTable[K correlationKey, V any] struct {
	shards [correlationShards]correlationShard[K, V]
	count  atomic.Int64
}

func newCorrelationTable[K correlationKey, V any]() *correlationTable[K, V] {
	t := &correlationTable[K, V]{}
	for i := range t.shards {
		t.shards[i].m = make(map[K]V)
	}
	return t
}

func (t *correlationTable[K, V]) shard(key K) *correlationShard[K, V] {
	return &t.shards[uint64(key)&(correlationShards-1)]
}

// tryInsert adds key → v unless key is already present.
func (t *correlationTable[K, V]) tryInsert(key K, v V) bool {
	s := t.shard(key)
	s.mu.Lock()
	if _, exists := s.m[key]; exists {
		s.mu.Unlock()
		return false
	}
	s.m[key] = v
	t.count.Add(1)
	s.mu.Unlock()
	return true
}

// take removes and returns the entry for key.
func (t *correlationTable[K, V]) take(key K) (V, bool) {
	s := t.shard(key)
	s.mu.Lock()
	v, ok := s.m[key]
	if ok {
		delete(s.m, key)
		t.count.Add(-1)
	}
	s.mu.Unlock()
	return v, ok
}

// takeIf removes the entry for key only if match accepts it. Timers use it
// so a late fire cannot resolve a newer call that reused the key.
func (t *correlationTable[K, V]) takeIf(key K, match func(V) bool) bool {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	if !ok || !match(v) {
		return false
	}
	delete(s.m, key)
	t.count.Add(-1)
	return true
}

func (t *correlationTable[K, V]) load(key K) (V, bool) {
	s := t.shard(key)
	s.mu.Lock()
	v, ok := s.m[key]
	s.mu.Unlock()
	return v, ok
}

func (t *correlationTable[K, V]) contains(key K) bool {
	s := t.shard(key)
	s.mu.Lock()
	_, ok := s.m[key]
	s.mu.Unlock()
	return ok
}

func (t *correlationTable[K, V]) len() int {
	return int(t.count.Load())
}

// drain removes every entry and calls fn for each one outside the shard
// lock. Used by shutdown and dispose only.
func (t *correlationTable[K, V]) drain(fn func(K, V)) int {
	type entry struct {
		k K
		v V
	}
	var drained []entry
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for k, v := range s.m {
			drained = append(drained, entry{k, v})
			delete(s.m, k)
			t.count.Add(-1)
		}
		s.mu.Unlock()
	}
	for _, e := range drained {
		fn(e.k, e.v)
	}
	return len(drained)
}
