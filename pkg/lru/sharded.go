package lru

import (
	"fmt"
	"hash/maphash"
	"sync"
)

// ShardedLRU is a concurrent safe lru. Keys are spread over independently
// locked shards by their hash, so lookups of different keys rarely contend.
type ShardedLRU[K comparable, V any] struct {
	seed   maphash.Seed
	mask   uint64
	shards []*ConcurrentLRU[K, V]
}

// NewShardedLRU returns a ShardedLRU. shardNum must be a power of 2.
func NewShardedLRU[K comparable, V any](shardNum, maxSizePerShard int, onEvict func(key K, v V)) *ShardedLRU[K, V] {
	if shardNum <= 0 || shardNum&(shardNum-1) != 0 {
		panic(fmt.Sprintf("lru: shard number %d is not a power of 2", shardNum))
	}

	c := &ShardedLRU[K, V]{
		seed:   maphash.MakeSeed(),
		mask:   uint64(shardNum - 1),
		shards: make([]*ConcurrentLRU[K, V], shardNum),
	}
	for i := range c.shards {
		c.shards[i] = NewConcurrentLRU[K, V](maxSizePerShard, onEvict)
	}
	return c
}

func (c *ShardedLRU[K, V]) shard(key K) *ConcurrentLRU[K, V] {
	return c.shards[maphash.Comparable(c.seed, key)&c.mask]
}

func (c *ShardedLRU[K, V]) Add(key K, v V) {
	c.shard(key).Add(key, v)
}

func (c *ShardedLRU[K, V]) Get(key K) (v V, ok bool) {
	return c.shard(key).Get(key)
}

func (c *ShardedLRU[K, V]) Del(key K) {
	c.shard(key).Del(key)
}

// DelIf removes key only if f reports true for its current value. The check
// and the removal happen under the same shard lock.
func (c *ShardedLRU[K, V]) DelIf(key K, f func(v V) bool) bool {
	return c.shard(key).DelIf(key, f)
}

func (c *ShardedLRU[K, V]) Clean(f func(key K, v V) bool) (removed int) {
	for _, s := range c.shards {
		removed += s.Clean(f)
	}
	return removed
}

func (c *ShardedLRU[K, V]) Flush() {
	for _, s := range c.shards {
		s.Flush()
	}
}

func (c *ShardedLRU[K, V]) Len() (n int) {
	for _, s := range c.shards {
		n += s.Len()
	}
	return n
}

// ConcurrentLRU is a LRU guarded by a mutex.
type ConcurrentLRU[K comparable, V any] struct {
	mu  sync.Mutex
	lru *LRU[K, V]
}

func NewConcurrentLRU[K comparable, V any](maxSize int, onEvict func(key K, v V)) *ConcurrentLRU[K, V] {
	return &ConcurrentLRU[K, V]{lru: NewLRU[K, V](maxSize, onEvict)}
}

func (c *ConcurrentLRU[K, V]) Add(key K, v V) {
	c.mu.Lock()
	c.lru.Add(key, v)
	c.mu.Unlock()
}

func (c *ConcurrentLRU[K, V]) Get(key K) (v V, ok bool) {
	c.mu.Lock()
	v, ok = c.lru.Get(key)
	c.mu.Unlock()
	return
}

func (c *ConcurrentLRU[K, V]) Del(key K) {
	c.mu.Lock()
	c.lru.Del(key)
	c.mu.Unlock()
}

func (c *ConcurrentLRU[K, V]) DelIf(key K, f func(v V) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Peek(key)
	if !ok || !f(v) {
		return false
	}
	c.lru.Del(key)
	return true
}

func (c *ConcurrentLRU[K, V]) Clean(f func(key K, v V) bool) (removed int) {
	c.mu.Lock()
	removed = c.lru.Clean(f)
	c.mu.Unlock()
	return
}

func (c *ConcurrentLRU[K, V]) Flush() {
	c.mu.Lock()
	c.lru.Flush()
	c.mu.Unlock()
}

func (c *ConcurrentLRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
