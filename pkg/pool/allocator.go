package pool

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/miekg/dns"
)

// Buffers are pooled in power-of-two shards from 64 bytes up to 64KiB,
// which covers every dns message size.
const (
	minShift = 6
	maxShift = 16
)

var shards [maxShift - minShift + 1]sync.Pool

func init() {
	for i := range shards {
		size := 1 << (i + minShift)
		shards[i].New = func() any {
			return &Buffer{b: make([]byte, size)}
		}
	}
}

// Buffer is a pooled byte slice. It must not be used after Release.
type Buffer struct {
	b []byte
	l int
}

// Bytes returns the first n bytes requested by GetBuf.
func (b *Buffer) Bytes() []byte {
	return b.b[:b.l]
}

// AllBytes returns the whole underlying slice, which may be larger than
// the requested size.
func (b *Buffer) AllBytes() []byte {
	return b.b
}

// Release puts b back to the pool.
func (b *Buffer) Release() {
	i := shardIndex(cap(b.b))
	if i < 0 || 1<<(i+minShift) != cap(b.b) {
		return
	}
	b.l = 0
	shards[i].Put(b)
}

// GetBuf returns a *Buffer whose Bytes() has length size.
// It panics if size is negative or larger than 64KiB.
func GetBuf(size int) *Buffer {
	i := shardIndex(size)
	if i < 0 {
		panic(fmt.Sprintf("pool: invalid buf size %d", size))
	}
	b := shards[i].Get().(*Buffer)
	b.l = size
	return b
}

func shardIndex(size int) int {
	if size < 0 || size > 1<<maxShift {
		return -1
	}
	if size <= 1<<minShift {
		return 0
	}
	return bits.Len(uint(size-1)) - minShift
}

// PackBuffer packs m into a pooled buffer. The returned wire slice is only
// valid until buf.Release is called.
func PackBuffer(m *dns.Msg) (wire []byte, buf *Buffer, err error) {
	buf = GetBuf(dns.MaxMsgSize)
	wire, err = m.PackBuffer(buf.AllBytes())
	if err != nil {
		buf.Release()
		return nil, nil, err
	}
	return wire, buf, nil
}
