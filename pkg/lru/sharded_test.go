package lru

import (
	"strconv"
	"sync"
	"testing"
)

type testKey struct {
	name  string
	qtype uint16
}

func TestShardedLRU(t *testing.T) {
	c := NewShardedLRU[testKey, int](8, 4, nil)
	for i := 0; i < 1024; i++ {
		c.Add(testKey{name: strconv.Itoa(i)}, i)
	}
	if l := c.Len(); l > 8*4 {
		t.Fatalf("cache overflow: %d", l)
	}

	c.Add(testKey{name: "a", qtype: 1}, 1)
	if v, ok := c.Get(testKey{name: "a", qtype: 1}); !ok || v != 1 {
		t.Fatal("get failed")
	}
	if _, ok := c.Get(testKey{name: "a", qtype: 28}); ok {
		t.Fatal("unexpected hit")
	}

	if c.DelIf(testKey{name: "a", qtype: 1}, func(v int) bool { return v == 2 }) {
		t.Fatal("DelIf removed a non matching value")
	}
	if !c.DelIf(testKey{name: "a", qtype: 1}, func(v int) bool { return v == 1 }) {
		t.Fatal("DelIf failed")
	}

	c.Flush()
	if c.Len() != 0 {
		t.Fatal("flush failed")
	}
}

func TestShardedLRUInvalidShardNum(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("want panic")
		}
	}()
	NewShardedLRU[string, int](3, 4, nil)
}

func TestShardedLRURace(t *testing.T) {
	c := NewShardedLRU[testKey, int](16, 16, nil)
	wg := sync.WaitGroup{}
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 512; j++ {
				k := testKey{name: strconv.Itoa(j)}
				c.Add(k, j)
				c.Get(k)
				c.Clean(func(_ testKey, v int) bool { return v%7 == 0 })
			}
		}()
	}
	wg.Wait()
}
