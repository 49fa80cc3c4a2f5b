package lru

import (
	"fmt"
)

// LRU is a fixed size lru cache. It is not safe for concurrent use.
// Entries are kept in a doubly linked ring, oldest at root.next.
type LRU[K comparable, V any] struct {
	maxSize int
	onEvict func(key K, v V)

	root node[K, V]
	size int
	m    map[K]*node[K, V]
}

type node[K comparable, V any] struct {
	prev, next *node[K, V]
	key        K
	v          V
}

func NewLRU[K comparable, V any](maxSize int, onEvict func(key K, v V)) *LRU[K, V] {
	if maxSize <= 0 {
		panic(fmt.Sprintf("lru: invalid max size: %d", maxSize))
	}
	q := &LRU[K, V]{
		maxSize: maxSize,
		onEvict: onEvict,
		m:       make(map[K]*node[K, V], maxSize),
	}
	q.root.prev = &q.root
	q.root.next = &q.root
	return q
}

// Add stores v and marks key as the most recently used one.
// If the LRU is full, the least recently used entry is evicted and its node
// is reused.
func (q *LRU[K, V]) Add(key K, v V) {
	if n, ok := q.m[key]; ok {
		n.v = v
		q.moveToBack(n)
		return
	}

	if q.size >= q.maxSize {
		n := q.root.next
		if q.onEvict != nil {
			q.onEvict(n.key, n.v)
		}
		delete(q.m, n.key)
		n.key, n.v = key, v
		q.m[key] = n
		q.moveToBack(n)
		return
	}

	n := &node[K, V]{key: key, v: v}
	q.m[key] = n
	q.insertBack(n)
	q.size++
}

// Get returns the value of key and marks it as recently used.
func (q *LRU[K, V]) Get(key K) (v V, ok bool) {
	n, ok := q.m[key]
	if !ok {
		return
	}
	q.moveToBack(n)
	return n.v, true
}

// Peek is like Get but does not change the order.
func (q *LRU[K, V]) Peek(key K) (v V, ok bool) {
	n, ok := q.m[key]
	if !ok {
		return
	}
	return n.v, true
}

func (q *LRU[K, V]) Del(key K) {
	if n, ok := q.m[key]; ok {
		q.delNode(n)
	}
}

// Clean removes all entries that f returns true. onEvict is called for
// every removed entry.
func (q *LRU[K, V]) Clean(f func(key K, v V) bool) (removed int) {
	for n := q.root.next; n != &q.root; {
		next := n.next
		if f(n.key, n.v) {
			q.delNode(n)
			removed++
		}
		n = next
	}
	return removed
}

// Flush removes all entries without calling onEvict.
func (q *LRU[K, V]) Flush() {
	clear(q.m)
	q.root.prev = &q.root
	q.root.next = &q.root
	q.size = 0
}

func (q *LRU[K, V]) Len() int {
	return q.size
}

func (q *LRU[K, V]) delNode(n *node[K, V]) {
	q.unlink(n)
	q.size--
	delete(q.m, n.key)
	if q.onEvict != nil {
		q.onEvict(n.key, n.v)
	}
}

func (q *LRU[K, V]) insertBack(n *node[K, V]) {
	last := q.root.prev
	n.prev = last
	n.next = &q.root
	last.next = n
	q.root.prev = n
}

func (q *LRU[K, V]) unlink(n *node[K, V]) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil
}

func (q *LRU[K, V]) moveToBack(n *node[K, V]) {
	if q.root.prev == n {
		return
	}
	q.unlink(n)
	q.insertBack(n)
}
