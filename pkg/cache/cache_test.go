package cache

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Add(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestCache(t *testing.T, opts Opts) (*Cache, *fakeClock) {
	t.Helper()
	opts.CleanerInterval = -1
	c := New(opts)
	t.Cleanup(func() { c.Close() })
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	c.now = clock.Now
	return c, clock
}

func newQuery(name string, qtype uint16) *dns.Msg {
	q := new(dns.Msg)
	q.SetQuestion(name, qtype)
	return q
}

func newResp(q *dns.Msg, ttls ...uint32) *dns.Msg {
	r := new(dns.Msg)
	r.SetReply(q)
	for i, ttl := range ttls {
		r.Answer = append(r.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
			A:   net.IPv4(192, 0, 2, byte(i+1)),
		})
	}
	return r
}

func TestKeyOf(t *testing.T) {
	k1, ok := KeyOf(newQuery("Example.COM.", dns.TypeA))
	require.True(t, ok)
	k2, ok := KeyOf(newQuery("example.com.", dns.TypeA))
	require.True(t, ok)
	assert.Equal(t, k1, k2)
	assert.Equal(t, "example.com.", k1.Name)
	assert.Equal(t, "example.com. IN A", k1.String())

	k3, _ := KeyOf(newQuery("example.com.", dns.TypeAAAA))
	assert.NotEqual(t, k1, k3)

	q := newQuery("example.com.", dns.TypeA)
	q.Question[0].Qclass = dns.ClassCHAOS
	k4, _ := KeyOf(q)
	assert.NotEqual(t, k1, k4)

	_, ok = KeyOf(new(dns.Msg))
	assert.False(t, ok)
}

func TestCacheGetPut(t *testing.T) {
	c, _ := newTestCache(t, Opts{})

	q := newQuery("example.com.", dns.TypeA)
	_, ok := c.Get(q)
	require.False(t, ok)

	r := newResp(q, 300, 60)
	require.True(t, c.Put(r))

	// Case is ignored.
	got, ok := c.Get(newQuery("EXAMPLE.com.", dns.TypeA))
	require.True(t, ok)
	assert.Equal(t, r.Question, got.Question)
	require.Len(t, got.Answer, 2)
	assert.Equal(t, r.Answer[0].String(), got.Answer[0].String())

	// The returned msg is a copy.
	got.Answer = nil
	got2, ok := c.Get(q)
	require.True(t, ok)
	assert.Len(t, got2.Answer, 2)

	_, ok = c.Get(newQuery("example.com.", dns.TypeAAAA))
	assert.False(t, ok)
}

func TestCacheExpire(t *testing.T) {
	c, clock := newTestCache(t, Opts{})

	q := newQuery("example.com.", dns.TypeA)
	require.True(t, c.Put(newResp(q, 300, 5)))

	clock.Add(4 * time.Second)
	_, ok := c.Get(q)
	require.True(t, ok, "entry should live for the minimal answer ttl")

	clock.Add(time.Second)
	_, ok = c.Get(q)
	require.False(t, ok, "expired entry returned")
	assert.Equal(t, 0, c.Len(), "expired entry should be removed by Get")
}

func TestCacheOverwrite(t *testing.T) {
	c, _ := newTestCache(t, Opts{})
	q := newQuery("example.com.", dns.TypeA)
	require.True(t, c.Put(newResp(q, 10)))
	require.True(t, c.Put(newResp(q, 10, 10)))
	got, ok := c.Get(q)
	require.True(t, ok)
	assert.Len(t, got.Answer, 2)
	assert.Equal(t, 1, c.Len())
}

func TestCacheNotStored(t *testing.T) {
	c, _ := newTestCache(t, Opts{})
	q := newQuery("example.com.", dns.TypeA)

	zeroTTL := newResp(q, 300, 0)
	assert.False(t, c.Put(zeroTTL), "zero ttl")

	servfail := newResp(q)
	servfail.Rcode = dns.RcodeServerFailure
	assert.False(t, c.Put(servfail), "servfail")

	refused := newResp(q, 300)
	refused.Rcode = dns.RcodeRefused
	assert.False(t, c.Put(refused), "refused")

	truncated := newResp(q, 300)
	truncated.Truncated = true
	assert.False(t, c.Put(truncated), "truncated")

	noQuestion := newResp(q, 300)
	noQuestion.Question = nil
	assert.False(t, c.Put(noQuestion), "no question")

	assert.Equal(t, 0, c.Len())
}

func TestCacheNegative(t *testing.T) {
	c, clock := newTestCache(t, Opts{NegativeTTL: 10 * time.Second})

	q := newQuery("nx.example.com.", dns.TypeA)
	nx := newResp(q)
	nx.Rcode = dns.RcodeNameError
	require.True(t, c.Put(nx))

	nodata := newResp(newQuery("example.com.", dns.TypeAAAA))
	require.True(t, c.Put(nodata))

	clock.Add(9 * time.Second)
	got, ok := c.Get(q)
	require.True(t, ok)
	assert.Equal(t, dns.RcodeNameError, got.Rcode)

	clock.Add(time.Second)
	_, ok = c.Get(q)
	assert.False(t, ok)
	_, ok = c.Get(nodata)
	assert.False(t, ok)
}

func TestCacheNegativeDisabled(t *testing.T) {
	c, _ := newTestCache(t, Opts{NegativeTTL: -1})
	nx := newResp(newQuery("nx.example.com.", dns.TypeA))
	nx.Rcode = dns.RcodeNameError
	assert.False(t, c.Put(nx))
}

func TestCacheDefaultNegativeTTL(t *testing.T) {
	c, clock := newTestCache(t, Opts{})
	q := newQuery("example.com.", dns.TypeMX)
	require.True(t, c.Put(newResp(q)))
	clock.Add(defaultNegativeTTL - time.Millisecond)
	_, ok := c.Get(q)
	assert.True(t, ok)
	clock.Add(time.Millisecond)
	_, ok = c.Get(q)
	assert.False(t, ok)
}

func TestCacheSizeBounded(t *testing.T) {
	c, _ := newTestCache(t, Opts{Size: 128})
	for i := 0; i < 4096; i++ {
		c.Put(newResp(newQuery(strconv.Itoa(i)+".example.", dns.TypeA), 300))
	}
	assert.LessOrEqual(t, c.Len(), 128)
}

func TestCacheClean(t *testing.T) {
	c, clock := newTestCache(t, Opts{})
	for i := 0; i < 64; i++ {
		c.Put(newResp(newQuery(strconv.Itoa(i)+".example.", dns.TypeA), uint32(i%2+1)))
	}
	clock.Add(time.Second)
	assert.Equal(t, 32, c.clean())
	assert.Equal(t, 32, c.Len())

	c.Flush()
	assert.Equal(t, 0, c.Len())
}

func TestCacheCleaner(t *testing.T) {
	c := New(Opts{CleanerInterval: 10 * time.Millisecond})
	defer c.Close()
	for i := 0; i < 16; i++ {
		c.lru.Add(Key{Name: strconv.Itoa(i)}, &elem{expire: time.Now()})
	}
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestCacheMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, _ := newTestCache(t, Opts{MetricsReg: reg})
	c.Put(newResp(newQuery("example.com.", dns.TypeA), 300))
	n, err := testutil.GatherAndCount(reg, "cache_size")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCacheRace(t *testing.T) {
	c := New(Opts{Size: 256, CleanerInterval: time.Millisecond})
	defer c.Close()

	wg := sync.WaitGroup{}
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 256; j++ {
				q := newQuery(strconv.Itoa(j)+".example.", dns.TypeA)
				c.Put(newResp(q, uint32(i%3+1)))
				c.Get(q)
			}
		}(i)
	}
	wg.Wait()
}
